package app

import (
	"context"
	"fmt"
	"sync"

	"lotBroker/internal/domain"
	"lotBroker/internal/ledger"
	"lotBroker/internal/merger"
	"lotBroker/internal/ports"
	"lotBroker/internal/pricehistory"

	"github.com/shopspring/decimal"
)

// Engine is the state of one trading pair: its lots, its price history and
// the sell orders awaiting settlement. Ledger mutations go through the engine
// so a snapshot always sees the ledger and the pending orders agree.
type Engine struct {
	pair    string
	ledger  *ledger.Ledger
	history *pricehistory.History
	settler *merger.Settler

	// Lot ids taken from the purchase inbox, bounded like the settler's
	// applied order ids. A lot stays here after it is sold.
	ingested      map[string]struct{}
	ingestedOrder []string

	mu        sync.Mutex // Serializes settlement against snapshots
	persistMu sync.Mutex // Orders saves so an older snapshot never overwrites a newer one
}

const maxIngestedIDs = 1024

// NewEngine creates an empty engine for pair.
func NewEngine(pair string, historyCfg pricehistory.Config) (*Engine, error) {
	if pair == "" {
		return nil, fmt.Errorf("engine pair is required: %w", ports.ErrConfigurationError)
	}
	hist, err := pricehistory.New(historyCfg)
	if err != nil {
		return nil, err
	}
	l := ledger.New()
	return &Engine{
		pair:     pair,
		ledger:   l,
		history:  hist,
		settler:  merger.NewSettler(l),
		ingested: make(map[string]struct{}),
	}, nil
}

// Pair returns the trading pair of the engine.
func (e *Engine) Pair() string { return e.pair }

// History returns the price history of the pair.
func (e *Engine) History() *pricehistory.History { return e.history }

// Lots returns the open lots, lowest unit cost first.
func (e *Engine) Lots() []domain.PurchaseLot { return e.ledger.Snapshot() }

// HeldQuantity is the total quantity of all open lots, reserved ones included.
func (e *Engine) HeldQuantity() decimal.Decimal { return e.ledger.TotalQuantity() }

// Pending returns the orders awaiting settlement, oldest first.
func (e *Engine) Pending() []domain.MergedSellOrder { return e.settler.Pending() }

// AvailableLots returns the open lots not reserved by a pending order.
func (e *Engine) AvailableLots() []domain.PurchaseLot {
	e.mu.Lock()
	defer e.mu.Unlock()
	reserved := e.settler.Reserved()
	lots := e.ledger.Snapshot()
	out := make([]domain.PurchaseLot, 0, len(lots))
	for _, lot := range lots {
		if _, ok := reserved[lot.ID]; !ok {
			out = append(out, lot)
		}
	}
	return out
}

// Restore loads a persisted snapshot into an empty engine. A ledger that
// violates its invariants is fatal. An unusable price history is dropped
// and reported with ports.ErrInvalidSample since it can be rebuilt.
func (e *Engine) Restore(snap *domain.EngineSnapshot) error {
	if snap == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ledger.Load(snap.Lots); err != nil {
		return err
	}
	for _, o := range snap.Pending {
		for _, id := range o.LotIDs {
			if _, ok := e.ledger.Get(id); !ok {
				return fmt.Errorf("%w: pending order %s references unknown lot %s", ports.ErrLedgerInvariant, o.ID, id)
			}
		}
	}
	e.settler.Restore(snap.Pending, snap.AppliedOrderIDs)
	e.ingested = make(map[string]struct{}, len(snap.IngestedLotIDs))
	e.ingestedOrder = nil
	for _, id := range snap.IngestedLotIDs {
		e.markIngestedLocked(id)
	}
	return e.history.Restore(snap.Samples)
}

// Snapshot captures the engine state for persistence.
func (e *Engine) Snapshot() *domain.EngineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &domain.EngineSnapshot{
		Pair:            e.pair,
		Lots:            e.ledger.Snapshot(),
		Samples:         e.history.Samples(),
		Pending:         e.settler.Pending(),
		AppliedOrderIDs: e.settler.AppliedIDs(),
		IngestedLotIDs:  append([]string(nil), e.ingestedOrder...),
	}
}

// Persist saves a fresh snapshot to store.
func (e *Engine) Persist(ctx context.Context, store ports.StateStore) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	return store.Save(ctx, e.Snapshot())
}

// RecordPurchase adds a lot to the ledger. It never blocks on a running
// cycle beyond the short settlement lock.
func (e *Engine) RecordPurchase(lot domain.PurchaseLot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.RecordPurchase(lot)
}

// IngestPurchase records a lot taken from the purchase inbox and reports
// whether it was added. A lot ingested before is skipped even after it was
// sold, so an inbox entry whose ack was lost cannot be sold twice.
func (e *Engine) IngestPurchase(lot domain.PurchaseLot) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.ingested[lot.ID]; ok {
		return false, nil
	}
	if _, ok := e.ledger.Get(lot.ID); ok {
		e.markIngestedLocked(lot.ID)
		return false, nil
	}
	if err := e.ledger.RecordPurchase(lot); err != nil {
		return false, err
	}
	e.markIngestedLocked(lot.ID)
	return true, nil
}

func (e *Engine) markIngestedLocked(id string) {
	if _, ok := e.ingested[id]; ok {
		return
	}
	e.ingested[id] = struct{}{}
	e.ingestedOrder = append(e.ingestedOrder, id)
	if len(e.ingestedOrder) > maxIngestedIDs {
		delete(e.ingested, e.ingestedOrder[0])
		e.ingestedOrder = e.ingestedOrder[1:]
	}
}

// Propose reserves the lots of order until it settles.
func (e *Engine) Propose(order *domain.MergedSellOrder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settler.Propose(order)
}

// SetExchangeOrderID records the exchange id of a pending order.
func (e *Engine) SetExchangeOrderID(orderID, exchangeOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settler.SetExchangeOrderID(orderID, exchangeOrderID)
}

// Confirm applies a fill report to the ledger. See merger.Settler.Confirm.
func (e *Engine) Confirm(orderID string, filled decimal.Decimal) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settler.Confirm(orderID, filled)
}

// Reject discards a pending order and releases its lots.
func (e *Engine) Reject(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settler.Reject(orderID)
}
