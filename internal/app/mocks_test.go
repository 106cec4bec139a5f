package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	"github.com/shopspring/decimal"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) errors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errorMsgs...)
}

type mockFeed struct {
	mu    sync.Mutex
	quote domain.Quote
	err   error
	calls int
}

func (m *mockFeed) CurrentPrice(ctx context.Context, pair string) (domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return domain.Quote{}, m.err
	}
	q := m.quote
	q.Pair = pair
	return q, nil
}

func (m *mockFeed) set(price string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quote = domain.Quote{Price: decimal.RequireFromString(price), ObservedAt: at}
	m.err = nil
}

func (m *mockFeed) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// mockExec answers submissions with submitErr and polls with status.
// When gate is set, polls block until it is closed.
type mockExec struct {
	mu         sync.Mutex
	submitErr  error
	status     domain.FillStatus
	pollErr    error
	submitted  []ports.SellRequest
	polls      int
	gate       chan struct{}
	submitted1 chan struct{} // Closed on the first submission
}

func newMockExec() *mockExec {
	return &mockExec{submitted1: make(chan struct{})}
}

func (m *mockExec) SubmitSellOrder(ctx context.Context, req ports.SellRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, req)
	if len(m.submitted) == 1 {
		close(m.submitted1)
	}
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return "ex-" + req.ClientOrderID, nil
}

func (m *mockExec) PollFillStatus(ctx context.Context, pair, clientOrderID string) (domain.FillStatus, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.FillStatus{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.pollErr != nil {
		return domain.FillStatus{}, m.pollErr
	}
	st := m.status
	if st.State == domain.FillFilled && st.FilledQuantity.IsZero() {
		// Fill the full quantity of the matching submission.
		for _, req := range m.submitted {
			if req.ClientOrderID == clientOrderID {
				st.FilledQuantity = req.Quantity
			}
		}
	}
	return st, nil
}

func (m *mockExec) setStatus(st domain.FillStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = st
}

func (m *mockExec) submissions() []ports.SellRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.SellRequest(nil), m.submitted...)
}

// mockSizedExec is a mockExec that enforces a lot size step.
type mockSizedExec struct {
	*mockExec
	step     decimal.Decimal
	checkErr error // Returned instead of checking, when set
}

func (m *mockSizedExec) CheckQuantity(ctx context.Context, pair string, quantity decimal.Decimal) error {
	if m.checkErr != nil {
		return m.checkErr
	}
	if !quantity.Mod(m.step).IsZero() {
		return fmt.Errorf("%w: quantity %s is not a multiple of %s", ports.ErrInvalidRequest, quantity, m.step)
	}
	return nil
}

type mockStore struct {
	mu      sync.Mutex
	snaps   map[string]*domain.EngineSnapshot
	saves   int
	saveErr error
	loadErr error
}

func newMockStore() *mockStore {
	return &mockStore{snaps: make(map[string]*domain.EngineSnapshot)}
}

func (m *mockStore) Load(ctx context.Context, pair string) (*domain.EngineSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if s, ok := m.snaps[pair]; ok {
		cp := *s
		return &cp, nil
	}
	return &domain.EngineSnapshot{Pair: pair}, nil
}

func (m *mockStore) Save(ctx context.Context, snap *domain.EngineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	cp := *snap
	m.snaps[snap.Pair] = &cp
	return nil
}

func (m *mockStore) last(pair string) *domain.EngineSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[pair]
}

type mockInbox struct {
	mu       sync.Mutex
	queued   []domain.PurchaseLot
	acked    []string
	failAcks int // Number of upcoming acks that fail
}

func (m *mockInbox) EnqueuePurchase(ctx context.Context, pair string, lot domain.PurchaseLot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, lot)
	return nil
}

func (m *mockInbox) QueuedPurchases(ctx context.Context, pair string) ([]domain.PurchaseLot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PurchaseLot(nil), m.queued...), nil
}

func (m *mockInbox) AckPurchases(ctx context.Context, pair string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAcks > 0 {
		m.failAcks--
		return errors.New("inbox ack failed")
	}
	m.acked = append(m.acked, ids...)
	keep := m.queued[:0]
	for _, lot := range m.queued {
		acked := false
		for _, id := range ids {
			if id == lot.ID {
				acked = true
			}
		}
		if !acked {
			keep = append(keep, lot)
		}
	}
	m.queued = keep
	return nil
}

type mockHistory struct {
	closes []domain.PriceSample
	err    error
}

func (m *mockHistory) DailyCloses(ctx context.Context, pair string, since time.Time) ([]domain.PriceSample, error) {
	return m.closes, m.err
}
