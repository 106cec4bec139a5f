package binanceclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{APIKey: "key", SecretKey: "secret", BaseURL: srv.URL, Logger: &mockLogger{}})
	require.NoError(t, err)
	return c
}

const exchangeInfoBTC = `{"timezone":"UTC","serverTime":1565246363776,"rateLimits":[],"exchangeFilters":[],
	"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","baseAssetPrecision":8,
	"quoteAsset":"USDT","quotePrecision":8,"orderTypes":["LIMIT","MARKET"],"icebergAllowed":true,
	"filters":[{"filterType":"PRICE_FILTER","minPrice":"0.01000000","maxPrice":"1000000.00000000","tickSize":"0.01000000"},
	{"filterType":"LOT_SIZE","minQty":"0.00010000","maxQty":"9000.00000000","stepSize":"0.00001000"}]}]}`

// withExchangeInfo answers exchange info requests and passes the rest on.
func withExchangeInfo(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/exchangeInfo" {
			fmt.Fprint(w, exchangeInfoBTC)
			return
		}
		next(w, r)
	}
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClient_CurrentPrice(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","price":"8000.12345678"}]`)
	})
	c.now = func() time.Time { return fixed }

	q, err := c.CurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Pair)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("8000.12345678")))
	assert.Equal(t, fixed, q.ObservedAt)
}

func TestClient_CurrentPriceFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"code":-1003,"msg":"Too many requests"}`)
			},
		},
		{
			name: "unknown symbol in answer",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `[{"symbol":"ETHUSDT","price":"3000"}]`)
			},
		},
		{
			name: "unparsable price",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `[{"symbol":"BTCUSDT","price":"abc"}]`)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.CurrentPrice(context.Background(), "BTCUSDT")
			assert.ErrorIs(t, err, ports.ErrFeedUnavailable)
		})
	}
}

func TestClient_SubmitSellOrder(t *testing.T) {
	c := newTestClient(t, withExchangeInfo(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "SELL", r.Form.Get("side"))
		assert.Equal(t, "MARKET", r.Form.Get("type"))
		assert.Equal(t, "1.05", r.Form.Get("quantity"))
		assert.Equal(t, "order-1", r.Form.Get("newClientOrderId"))
		fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"order-1","transactTime":1507725176595,
			"price":"0","origQty":"1.05","executedQty":"1.05","cummulativeQuoteQty":"8400",
			"status":"FILLED","timeInForce":"GTC","type":"MARKET","side":"SELL"}`)
	}))

	id, err := c.SubmitSellOrder(context.Background(), ports.SellRequest{
		ClientOrderID: "order-1",
		Pair:          "BTCUSDT",
		Quantity:      decimal.RequireFromString("1.05"),
	})
	require.NoError(t, err)
	assert.Equal(t, "28", id)
}

func TestClient_SubmitSellOrderRejected(t *testing.T) {
	c := newTestClient(t, withExchangeInfo(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
	}))

	_, err := c.SubmitSellOrder(context.Background(), ports.SellRequest{
		ClientOrderID: "order-1",
		Pair:          "BTCUSDT",
		Quantity:      decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ports.ErrExecutionRejected)
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
	assert.False(t, ports.IsRetryable(err))
}

func TestClient_SubmitSellOrderTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, withExchangeInfo(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SubmitSellOrder(ctx, ports.SellRequest{
		ClientOrderID: "order-1",
		Pair:          "BTCUSDT",
		Quantity:      decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ports.ErrExecutionTimeout)
}

func TestClient_SubmitSellOrderChecksLotSize(t *testing.T) {
	var infoCalls, orderCalls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			infoCalls.Add(1)
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			fmt.Fprint(w, exchangeInfoBTC)
		default:
			orderCalls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`)
		}
	})

	tests := []struct {
		name     string
		quantity string
	}{
		{name: "off the step", quantity: "1.000005"},
		{name: "below the minimum", quantity: "0.00005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SubmitSellOrder(context.Background(), ports.SellRequest{
				ClientOrderID: "order-1",
				Pair:          "BTCUSDT",
				Quantity:      decimal.RequireFromString(tt.quantity),
			})
			assert.ErrorIs(t, err, ports.ErrInvalidRequest)
		})
	}

	require.NoError(t, c.CheckQuantity(context.Background(), "BTCUSDT", decimal.RequireFromString("0.12345")))
	assert.Equal(t, int32(0), orderCalls.Load(), "misaligned quantities never reach the exchange")
	assert.Equal(t, int32(1), infoCalls.Load(), "the lot size is cached per pair")
}

func TestClient_SubmitSellOrderWithoutLotSize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/exchangeInfo" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"code":-1000,"msg":"An unknown error occurred while processing the request."}`)
			return
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":29,"clientOrderId":"order-2","transactTime":1507725176595,
			"price":"0","origQty":"1","executedQty":"1","cummulativeQuoteQty":"8000",
			"status":"FILLED","timeInForce":"GTC","type":"MARKET","side":"SELL"}`)
	})

	id, err := c.SubmitSellOrder(context.Background(), ports.SellRequest{
		ClientOrderID: "order-2",
		Pair:          "BTCUSDT",
		Quantity:      decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "29", id)
}

func TestLotSizeRule_Check(t *testing.T) {
	rule, err := parseLotSize("0.00010000", "0.00001000")
	require.NoError(t, err)

	assert.NoError(t, rule.check(decimal.RequireFromString("0.0001")))
	assert.NoError(t, rule.check(decimal.RequireFromString("2.00001")))
	assert.ErrorIs(t, rule.check(decimal.RequireFromString("2.000011")), ports.ErrInvalidRequest)
	assert.ErrorIs(t, rule.check(decimal.RequireFromString("0.00009")), ports.ErrInvalidRequest)

	_, err = parseLotSize("x", "0.1")
	assert.Error(t, err)
}

func TestClient_PollFillStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "order-1", r.URL.Query().Get("origClientOrderId"))
		fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"order-1","price":"0",
			"origQty":"1.05","executedQty":"1.05","cummulativeQuoteQty":"8400","status":"FILLED",
			"timeInForce":"GTC","type":"MARKET","side":"SELL","time":1507725176595,"updateTime":1507725176595}`)
	})

	st, err := c.PollFillStatus(context.Background(), "BTCUSDT", "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FillFilled, st.State)
	assert.True(t, st.FilledQuantity.Equal(decimal.RequireFromString("1.05")))
}

func TestClient_PollFillStatusNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2013,"msg":"Order does not exist."}`)
	})

	_, err := c.PollFillStatus(context.Background(), "BTCUSDT", "order-1")
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestTranslateOrderStatus(t *testing.T) {
	tests := []struct {
		status   binance.OrderStatusType
		executed string
		want     domain.FillState
		wantQty  string
	}{
		{binance.OrderStatusTypeNew, "0", domain.FillPending, "0"},
		{binance.OrderStatusTypePartiallyFilled, "0.5", domain.FillPending, "0"},
		{binance.OrderStatusTypeFilled, "1.05", domain.FillFilled, "1.05"},
		{binance.OrderStatusTypeRejected, "0", domain.FillRejected, "0"},
		{binance.OrderStatusTypeExpired, "0", domain.FillRejected, "0"},
		{binance.OrderStatusTypeCanceled, "0.4", domain.FillFilled, "0.4"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			st, err := translateOrderStatus(tt.status, tt.executed)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.State)
			assert.True(t, st.FilledQuantity.Equal(decimal.RequireFromString(tt.wantQty)))
		})
	}
}

func TestClient_DailyCloses(t *testing.T) {
	day := 24 * time.Hour
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(2*day + 12*time.Hour)

	kline := func(open time.Time, closePrice string) string {
		return fmt.Sprintf(`[%d,"1","2","0.5","%s","10",%d,"100",5,"1","1","0"]`,
			open.UnixMilli(), closePrice, open.Add(day).UnixMilli()-1)
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		fmt.Fprintf(w, "[%s,%s,%s]", kline(start, "100"), kline(start.Add(day), "110"), kline(start.Add(2*day), "120"))
	})
	c.now = func() time.Time { return now }

	samples, err := c.DailyCloses(context.Background(), "BTCUSDT", start)
	require.NoError(t, err)
	require.Len(t, samples, 2, "the still-open day is skipped")
	assert.True(t, samples[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, samples[1].Price.Equal(decimal.NewFromInt(110)))
	assert.True(t, samples[0].ObservedAt.Before(samples[1].ObservedAt))
}
