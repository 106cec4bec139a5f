package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"lotBroker/config"
	"lotBroker/internal/adapters/paper"
	"lotBroker/internal/domain"
	"lotBroker/internal/margin"
	"lotBroker/internal/ports"
	"lotBroker/internal/pricehistory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	hist := pricehistory.DefaultConfig()
	pol := margin.DefaultConfig()
	return &config.Config{
		Symbol:             testPair,
		SellFee:            decimal.Zero,
		Lookback:           hist.Lookback,
		MinSamples:         hist.MinSamples,
		MinStreak:          hist.MinStreak,
		NearMinBand:        hist.NearMinBand,
		BaselineMargin:     pol.Baseline,
		MarginFloor:        pol.Floor,
		MarginCeiling:      pol.Ceiling,
		TrendWeight:        pol.TrendWeight,
		TrendBand:          pol.TrendBand,
		TrendSaturation:    pol.TrendSaturation,
		InventoryWeight:    pol.InventoryWeight,
		InventoryMinFactor: pol.InventoryMinFactor,
		CycleInterval:      5 * time.Millisecond,
		MaxQuoteAge:        time.Hour,
		FillPollInterval:   time.Millisecond,
		MaxFillWait:        50 * time.Millisecond,
		FeedBackoffMin:     time.Millisecond,
		FeedBackoffMax:     4 * time.Millisecond,
	}
}

func newTestService(t *testing.T, deps Dependencies) *SellService {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = &mockLogger{}
	}
	svc, err := NewSellService(testConfig(), deps)
	require.NoError(t, err)
	return svc
}

func TestNewSellService_MissingDependencies(t *testing.T) {
	_, err := NewSellService(testConfig(), Dependencies{Logger: &mockLogger{}})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.BaselineMargin = 2
	_, err = NewSellService(cfg, Dependencies{Logger: &mockLogger{}, Feed: &mockFeed{}, Execution: newMockExec(), Store: newMockStore()})
	assert.Error(t, err)
}

func TestSellService_InitReconcilesPendingOrder(t *testing.T) {
	store := newMockStore()
	lotA := domain.PurchaseLot{ID: "a", SpentAmount: dec("6000"), Quantity: dec("1"), PurchasedAt: t0}
	lotB := domain.PurchaseLot{ID: "b", SpentAmount: dec("7900"), Quantity: dec("1"), PurchasedAt: t0}
	store.snaps[testPair] = &domain.EngineSnapshot{
		Pair: testPair,
		Lots: []domain.PurchaseLot{lotA, lotB},
		Pending: []domain.MergedSellOrder{{
			ID: "o-1", Pair: testPair, LotIDs: []string{"a"},
			TotalQuantity: dec("1"), PriceAtSubmission: dec("8000"), CostBasis: dec("6000"), CreatedAt: time.Now().UTC(),
		}},
	}
	exec := newMockExec()
	exec.setStatus(domain.FillStatus{State: domain.FillFilled, FilledQuantity: dec("1")})

	svc := newTestService(t, Dependencies{Feed: &mockFeed{}, Execution: exec, Store: store})
	require.NoError(t, svc.Init(context.Background()))

	assert.Equal(t, []string{"b"}, lotIDs(svc.Engine().Lots()))
	assert.Empty(t, svc.Engine().Pending())
	saved := store.last(testPair)
	assert.Equal(t, []string{"o-1"}, saved.AppliedOrderIDs)

	// A duplicate fill report after restart changes nothing.
	applied, err := svc.Engine().Confirm("o-1", dec("1"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, svc.Engine().Lots(), 1)
}

func TestSellService_InitRefusesInconsistentLedger(t *testing.T) {
	store := newMockStore()
	store.snaps[testPair] = &domain.EngineSnapshot{
		Pair: testPair,
		Lots: []domain.PurchaseLot{{ID: "a", SpentAmount: dec("-1"), Quantity: dec("1")}},
	}
	svc := newTestService(t, Dependencies{Feed: &mockFeed{}, Execution: newMockExec(), Store: store})

	err := svc.Start(context.Background())
	assert.True(t, ports.IsFatal(err))
}

func TestSellService_InitLoadFailure(t *testing.T) {
	store := newMockStore()
	store.loadErr = ports.ErrDBConnection
	svc := newTestService(t, Dependencies{Feed: &mockFeed{}, Execution: newMockExec(), Store: store})
	assert.ErrorIs(t, svc.Init(context.Background()), ports.ErrDBConnection)
}

func TestSellService_WarmsUpHistory(t *testing.T) {
	closes := make([]domain.PriceSample, 0, 20)
	for i := 0; i < 20; i++ {
		closes = append(closes, domain.PriceSample{ObservedAt: t0.Add(time.Duration(i) * 24 * time.Hour), Price: dec("100")})
	}
	svc := newTestService(t, Dependencies{
		Feed:      &mockFeed{},
		Execution: newMockExec(),
		Store:     newMockStore(),
		History:   &mockHistory{closes: closes},
	})
	require.NoError(t, svc.Init(context.Background()))
	assert.Equal(t, 20, svc.Engine().History().Len())
	assert.True(t, svc.Engine().History().Trend().Sustained)
}

func TestSellService_WarmUpFailureIsNotFatal(t *testing.T) {
	logger := &mockLogger{}
	svc := newTestService(t, Dependencies{
		Logger:    logger,
		Feed:      &mockFeed{},
		Execution: newMockExec(),
		Store:     newMockStore(),
		History:   &mockHistory{err: ports.ErrConnectionFailed},
	})
	require.NoError(t, svc.Init(context.Background()))
	assert.Equal(t, 0, svc.Engine().History().Len())
}

func TestSellService_RecordPurchasePersists(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, Dependencies{Feed: &mockFeed{}, Execution: newMockExec(), Store: store})

	lot, err := domain.NewPurchaseLot(dec("500"), dec("0.1"), t0)
	require.NoError(t, err)
	require.NoError(t, svc.RecordPurchase(context.Background(), lot))
	assert.Equal(t, []string{lot.ID}, lotIDs(store.last(testPair).Lots))

	err = svc.RecordPurchase(context.Background(), lot)
	assert.ErrorIs(t, err, ports.ErrLedgerInvariant)
}

func TestSellService_RefusesLotsOffTheExchangeStep(t *testing.T) {
	store := newMockStore()
	inbox := &mockInbox{}
	exec := &mockSizedExec{mockExec: newMockExec(), step: dec("0.001")}
	svc := newTestService(t, Dependencies{Feed: &mockFeed{}, Execution: exec, Store: store, Inbox: inbox})

	aligned := domain.PurchaseLot{ID: "aligned", SpentAmount: dec("500"), Quantity: dec("0.1"), PurchasedAt: t0}
	odd := domain.PurchaseLot{ID: "odd", SpentAmount: dec("500"), Quantity: dec("0.1005"), PurchasedAt: t0}

	assert.ErrorIs(t, svc.RecordPurchase(context.Background(), odd), ports.ErrInvalidRequest)
	require.NoError(t, svc.RecordPurchase(context.Background(), aligned))

	queued := domain.PurchaseLot{ID: "queued-odd", SpentAmount: dec("500"), Quantity: dec("0.0001"), PurchasedAt: t0}
	require.NoError(t, inbox.EnqueuePurchase(context.Background(), testPair, queued))
	require.NoError(t, svc.ingestPurchases(context.Background()))

	assert.Equal(t, []string{"aligned"}, lotIDs(svc.Engine().Lots()))
	assert.Empty(t, inbox.queued, "an unsellable purchase is dropped from the inbox")

	// Unknown exchange rules do not block purchases.
	exec.checkErr = fmt.Errorf("%w: exchange info down", ports.ErrConnectionFailed)
	require.NoError(t, svc.RecordPurchase(context.Background(), odd))
	assert.Len(t, svc.Engine().Lots(), 2)
}

func TestSellService_IngestsQueuedPurchases(t *testing.T) {
	store := newMockStore()
	inbox := &mockInbox{}
	ex := paper.NewExchange()
	ex.SetPrice(testPair, dec("100"))

	lot := domain.PurchaseLot{ID: "queued", SpentAmount: dec("99"), Quantity: dec("1"), PurchasedAt: t0}
	require.NoError(t, inbox.EnqueuePurchase(context.Background(), testPair, lot))
	require.NoError(t, inbox.EnqueuePurchase(context.Background(), testPair, lot)) // delivered twice

	svc := newTestService(t, Dependencies{Feed: ex, Execution: ex, Store: store, Inbox: inbox})
	res, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNothingToSell, res.Outcome)

	assert.Equal(t, []string{"queued"}, lotIDs(svc.Engine().Lots()))
	assert.Empty(t, inbox.queued)
	assert.Contains(t, inbox.acked, "queued")
}

func TestSellService_LostAckDoesNotResellPurchase(t *testing.T) {
	store := newMockStore()
	inbox := &mockInbox{failAcks: 2}
	ex := paper.NewExchange()
	ex.SetPrice(testPair, dec("8000"))

	lot := domain.PurchaseLot{ID: "queued", SpentAmount: dec("6000"), Quantity: dec("1"), PurchasedAt: t0}
	require.NoError(t, inbox.EnqueuePurchase(context.Background(), testPair, lot))

	deps := Dependencies{Feed: ex, Execution: ex, Store: store, Inbox: inbox}
	svc := newTestService(t, deps)
	res, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSettled, res.Outcome)
	assert.Empty(t, svc.Engine().Lots())
	assert.Len(t, inbox.queued, 1, "the failed ack leaves the purchase queued")
	assert.Equal(t, []string{"queued"}, store.last(testPair).IngestedLotIDs)

	// The same queued purchase after a restart is recognised from the snapshot.
	restarted := newTestService(t, deps)
	require.NoError(t, restarted.Init(context.Background()))
	assert.Empty(t, restarted.Engine().Lots())
	assert.Len(t, inbox.queued, 1, "the second ack fails too")

	res, err = restarted.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNothingToSell, res.Outcome)
	assert.Empty(t, restarted.Engine().Lots())
	assert.Empty(t, inbox.queued)
	assert.Equal(t, 1, ex.Orders(), "the purchase is sold exactly once")
}

func TestSellService_StartSellsWithPaperExchange(t *testing.T) {
	store := newMockStore()
	ex := paper.NewExchange()
	ex.SetPrice(testPair, dec("8000"))

	svc := newTestService(t, Dependencies{Feed: ex, Execution: ex, Store: store})
	require.NoError(t, svc.Engine().RecordPurchase(domain.PurchaseLot{ID: "a", SpentAmount: dec("6000"), Quantity: dec("1"), PurchasedAt: t0}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		return ex.Orders() == 1 && len(svc.Engine().Lots()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestSellService_StartKeepsRunningWhenFeedFails(t *testing.T) {
	feed := &mockFeed{}
	feed.fail(errors.New("down"))
	svc := newTestService(t, Dependencies{Feed: feed, Execution: newMockExec(), Store: newMockStore()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.calls >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestSellService_NextDelay(t *testing.T) {
	svc := newTestService(t, Dependencies{Feed: &mockFeed{}, Execution: newMockExec(), Store: newMockStore()})
	ctx := context.Background()
	interval := svc.cfg.CycleInterval

	assert.Equal(t, interval, svc.nextDelay(ctx, nil))
	assert.Equal(t, interval, svc.nextDelay(ctx, ports.ErrCycleInProgress))

	first := svc.nextDelay(ctx, ports.ErrFeedUnavailable)
	assert.LessOrEqual(t, first, interval)
	assert.Positive(t, int64(first))
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, svc.nextDelay(ctx, ports.ErrStaleQuote), interval)
	}
	assert.Equal(t, interval, svc.nextDelay(ctx, ports.ErrPartialFill))
}
