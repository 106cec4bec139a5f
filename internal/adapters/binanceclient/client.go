package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"

	klinesPageLimit = 1000
)

// Compile-time checks
var (
	_ ports.PriceFeed            = (*Client)(nil)
	_ ports.ExecutionClient      = (*Client)(nil)
	_ ports.PriceHistoryProvider = (*Client)(nil)
	_ ports.QuantityChecker      = (*Client)(nil)
)

// Client implements the price feed, execution and price history ports on the
// Binance spot market using the go-binance library.
type Client struct {
	spotClient *binance.Client
	logger     ports.Logger
	now        func() time.Time

	rulesMu  sync.Mutex
	lotRules map[string]lotSizeRule // LOT_SIZE filter per pair, fetched once
}

// lotSizeRule is the LOT_SIZE filter of a symbol.
type lotSizeRule struct {
	min  decimal.Decimal
	step decimal.Decimal
}

func (r lotSizeRule) check(quantity decimal.Decimal) error {
	if quantity.LessThan(r.min) {
		return fmt.Errorf("%w: quantity %s is below the lot minimum %s", ports.ErrInvalidRequest, quantity, r.min)
	}
	if r.step.IsPositive() && !quantity.Mod(r.step).IsZero() {
		return fmt.Errorf("%w: quantity %s is not a multiple of the lot step %s", ports.ErrInvalidRequest, quantity, r.step)
	}
	return nil
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string // Overrides the production/testnet URL when set
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	default:
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		spotClient: client,
		logger:     cfg.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		lotRules:   make(map[string]lotSizeRule),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022, -2014, -2015: // Bad signature, API-key format, key/IP/permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -1013, -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1121: // Filter and parameter errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
				mappedErr = fmt.Errorf("%w: %w", ports.ErrExecutionRejected, ports.ErrInsufficientFunds)
			} else {
				mappedErr = ports.ErrExecutionRejected
			}
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time offset with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.spotClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.spotClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// --- PriceFeed Implementation ---

// CurrentPrice returns the last traded price of pair. The quote is stamped
// with the local receive time since the ticker endpoint carries none.
func (c *Client) CurrentPrice(ctx context.Context, pair string) (domain.Quote, error) {
	op := "CurrentPrice"
	prices, err := c.spotClient.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %w", ports.ErrFeedUnavailable, c.handleError(ctx, err, op))
	}

	for _, p := range prices {
		if p == nil || p.Symbol != pair {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			parseErr := fmt.Errorf("could not parse price '%s': %w", p.Price, err)
			return domain.Quote{}, fmt.Errorf("%w: %w", ports.ErrFeedUnavailable, c.handleError(ctx, parseErr, op))
		}
		return domain.Quote{Pair: pair, Price: price, ObservedAt: c.now()}, nil
	}

	err = fmt.Errorf("no price data returned for symbol %s", pair)
	return domain.Quote{}, fmt.Errorf("%w: %w", ports.ErrFeedUnavailable, c.handleError(ctx, err, op))
}

// --- ExecutionClient Implementation ---

// CheckQuantity verifies quantity against the LOT_SIZE filter of pair. The
// exchange rejects a sell whose quantity breaks the filter, and since lots
// are sold whole such a lot could never be sold.
func (c *Client) CheckQuantity(ctx context.Context, pair string, quantity decimal.Decimal) error {
	rule, err := c.lotSize(ctx, pair)
	if err != nil {
		return err
	}
	return rule.check(quantity)
}

func (c *Client) lotSize(ctx context.Context, pair string) (lotSizeRule, error) {
	c.rulesMu.Lock()
	rule, ok := c.lotRules[pair]
	c.rulesMu.Unlock()
	if ok {
		return rule, nil
	}

	op := "ExchangeInfo"
	info, err := c.spotClient.NewExchangeInfoService().Symbol(pair).Do(ctx)
	if err != nil {
		return lotSizeRule{}, c.handleError(ctx, err, op)
	}
	for i := range info.Symbols {
		sym := &info.Symbols[i]
		if sym.Symbol != pair {
			continue
		}
		f := sym.LotSizeFilter()
		if f == nil {
			break
		}
		if rule, err = parseLotSize(f.MinQuantity, f.StepSize); err != nil {
			return lotSizeRule{}, c.handleError(ctx, err, op)
		}
		c.rulesMu.Lock()
		c.lotRules[pair] = rule
		c.rulesMu.Unlock()
		c.logger.Debug(ctx, op+" lot size cached", map[string]interface{}{"symbol": pair, "minQty": rule.min.String(), "stepSize": rule.step.String()})
		return rule, nil
	}
	return lotSizeRule{}, c.handleError(ctx, fmt.Errorf("no LOT_SIZE filter for symbol %s", pair), op)
}

func parseLotSize(minQty, stepSize string) (lotSizeRule, error) {
	minimum, err := decimal.NewFromString(minQty)
	if err != nil {
		return lotSizeRule{}, fmt.Errorf("parsing minQty '%s': %w", minQty, err)
	}
	step, err := decimal.NewFromString(stepSize)
	if err != nil {
		return lotSizeRule{}, fmt.Errorf("parsing stepSize '%s': %w", stepSize, err)
	}
	return lotSizeRule{min: minimum, step: step}, nil
}

// SubmitSellOrder places a spot sell order tagged with the request's client
// order id. A zero LimitPrice places a market order. When the request times
// out or the connection drops, the order may or may not have reached the
// exchange: the error then wraps ports.ErrExecutionTimeout and the caller
// should poll by client order id.
func (c *Client) SubmitSellOrder(ctx context.Context, req ports.SellRequest) (string, error) {
	op := "SubmitSellOrder"

	if err := c.CheckQuantity(ctx, req.Pair, req.Quantity); err != nil {
		if errors.Is(err, ports.ErrInvalidRequest) {
			c.logger.Error(ctx, err, "Sell quantity breaks the exchange lot size, not submitting", map[string]interface{}{
				"symbol":        req.Pair,
				"quantity":      req.Quantity.String(),
				"clientOrderID": req.ClientOrderID,
			})
			return "", err
		}
		c.logger.Warn(ctx, "Lot size unknown, submitting unchecked", map[string]interface{}{"symbol": req.Pair, "error": err.Error()})
	}

	svc := c.spotClient.NewCreateOrderService().
		Symbol(req.Pair).
		Side(binance.SideTypeSell).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)
	if req.LimitPrice.IsPositive() {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.LimitPrice.String())
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		mapped := c.handleError(ctx, err, op)
		if errors.Is(mapped, ports.ErrTimeout) || errors.Is(mapped, ports.ErrConnectionFailed) {
			return "", fmt.Errorf("%w: %w", ports.ErrExecutionTimeout, mapped)
		}
		return "", mapped
	}

	exchangeID := fmt.Sprintf("%d", order.OrderID)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":        req.Pair,
		"quantity":      req.Quantity.String(),
		"clientOrderID": req.ClientOrderID,
		"orderID":       exchangeID,
		"status":        string(order.Status),
	})
	return exchangeID, nil
}

// PollFillStatus looks the order up by client order id.
func (c *Client) PollFillStatus(ctx context.Context, pair, clientOrderID string) (domain.FillStatus, error) {
	op := "PollFillStatus"
	order, err := c.spotClient.NewGetOrderService().
		Symbol(pair).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return domain.FillStatus{}, c.handleError(ctx, err, op)
	}
	return translateOrderStatus(order.Status, order.ExecutedQuantity)
}

// --- PriceHistoryProvider Implementation ---

// DailyCloses returns one sample per completed daily kline since the given
// time, stamped with the kline close time.
func (c *Client) DailyCloses(ctx context.Context, pair string, since time.Time) ([]domain.PriceSample, error) {
	op := "DailyCloses"
	now := c.now()
	samples := make([]domain.PriceSample, 0)
	from := since

	for {
		klines, err := c.spotClient.NewKlinesService().
			Symbol(pair).
			Interval("1d").
			StartTime(from.UnixMilli()).
			Limit(klinesPageLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			closeTime := time.UnixMilli(k.CloseTime).UTC()
			if closeTime.After(now) {
				continue // Current day, not closed yet
			}
			price, err := decimal.NewFromString(k.Close)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("parsing close price '%s': %w", k.Close, err), op)
			}
			samples = append(samples, domain.PriceSample{ObservedAt: closeTime, Price: price})
		}
		last := klines[len(klines)-1]
		from = time.UnixMilli(last.CloseTime + 1)
		if len(klines) < klinesPageLimit || from.After(now) {
			break
		}
	}

	c.logger.Debug(ctx, op+" fetched", map[string]interface{}{"symbol": pair, "samples": len(samples)})
	return samples, nil
}

// --- Translation Helpers ---

func translateOrderStatus(status binance.OrderStatusType, executedQty string) (domain.FillStatus, error) {
	switch status {
	case binance.OrderStatusTypeFilled:
		qty, err := decimal.NewFromString(executedQty)
		if err != nil {
			return domain.FillStatus{}, fmt.Errorf("parsing executed quantity '%s': %w", executedQty, ports.ErrUnknown)
		}
		return domain.FillStatus{State: domain.FillFilled, FilledQuantity: qty}, nil
	case binance.OrderStatusTypeRejected, binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		// A cancelled order may still have sold part of the quantity.
		if qty, err := decimal.NewFromString(executedQty); err == nil && qty.IsPositive() {
			return domain.FillStatus{State: domain.FillFilled, FilledQuantity: qty, Reason: string(status)}, nil
		}
		return domain.FillStatus{State: domain.FillRejected, Reason: string(status)}, nil
	default: // NEW, PARTIALLY_FILLED, PENDING_CANCEL
		return domain.FillStatus{State: domain.FillPending}, nil
	}
}
