package merger

import (
	"fmt"
	"sort"
	"sync"

	"lotBroker/internal/domain"
	"lotBroker/internal/ledger"
	"lotBroker/internal/ports"

	"github.com/shopspring/decimal"
)

// maxAppliedIDs bounds the remembered settled order ids.
const maxAppliedIDs = 1024

// Settler applies the outcome of merged orders to the ledger in two phases:
// Propose reserves the lots of a submitted order, Confirm removes them once
// the full quantity has filled, Reject releases them. The ledger is never
// touched before a confirmed fill.
type Settler struct {
	ledger *ledger.Ledger

	mu      sync.Mutex
	pending map[string]domain.MergedSellOrder
	applied map[string]struct{}
	order   []string // Applied ids, oldest first
}

// NewSettler creates a settler for the given ledger.
func NewSettler(l *ledger.Ledger) *Settler {
	return &Settler{
		ledger:  l,
		pending: make(map[string]domain.MergedSellOrder),
		applied: make(map[string]struct{}),
	}
}

// Propose records order as pending. Its lots are reserved until the order is
// confirmed or rejected.
func (s *Settler) Propose(order *domain.MergedSellOrder) error {
	if order == nil {
		return fmt.Errorf("propose nil order: %w", ports.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[order.ID]; ok {
		return fmt.Errorf("order %s already pending: %w", order.ID, ports.ErrInvalidRequest)
	}
	if _, ok := s.applied[order.ID]; ok {
		return fmt.Errorf("order %s already settled: %w", order.ID, ports.ErrInvalidRequest)
	}
	reserved := s.reservedLocked()
	for _, id := range order.LotIDs {
		if _, ok := reserved[id]; ok {
			return fmt.Errorf("lot %s already reserved by another order: %w", id, ports.ErrInvalidRequest)
		}
	}
	s.pending[order.ID] = cloneOrder(*order)
	return nil
}

// SetExchangeOrderID records the exchange id of a pending order.
func (s *Settler) SetExchangeOrderID(orderID, exchangeOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.pending[orderID]; ok {
		o.ExchangeOrderID = exchangeOrderID
		s.pending[orderID] = o
	}
}

// Confirm applies a fill report. When filled covers the order's full
// quantity, exactly the merged lots are removed from the ledger and true is
// returned. A repeated confirmation of an already applied order is a no-op.
// A smaller filled quantity discards the order, leaves the ledger unchanged
// and returns ports.ErrPartialFill.
func (s *Settler) Confirm(orderID string, filled decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.applied[orderID]; done {
		return false, nil
	}
	order, ok := s.pending[orderID]
	if !ok {
		return false, fmt.Errorf("confirm order %s: %w", orderID, ports.ErrNotFound)
	}
	if filled.LessThan(order.TotalQuantity) {
		delete(s.pending, orderID)
		return false, fmt.Errorf("order %s filled %s of %s: %w", orderID, filled, order.TotalQuantity, ports.ErrPartialFill)
	}
	if err := s.ledger.Remove(order.LotIDs...); err != nil {
		// A reserved lot vanished: the ledger no longer matches what was sold.
		return false, fmt.Errorf("%w: settle order %s: %v", ports.ErrLedgerInvariant, orderID, err)
	}
	delete(s.pending, orderID)
	s.markAppliedLocked(orderID)
	return true, nil
}

// Reject discards a pending order, releasing its lots. It reports whether
// the order was pending.
func (s *Settler) Reject(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[orderID]
	delete(s.pending, orderID)
	return ok
}

// Pending returns the pending orders, oldest first.
func (s *Settler) Pending() []domain.MergedSellOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MergedSellOrder, 0, len(s.pending))
	for _, o := range s.pending {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reserved returns the ids of all lots held by pending orders.
func (s *Settler) Reserved() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedLocked()
}

// AppliedIDs returns the remembered settled order ids, oldest first.
func (s *Settler) AppliedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Restore replaces the settler state with persisted pending orders and
// applied ids.
func (s *Settler) Restore(pending []domain.MergedSellOrder, applied []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]domain.MergedSellOrder, len(pending))
	for _, o := range pending {
		s.pending[o.ID] = cloneOrder(o)
	}
	s.applied = make(map[string]struct{}, len(applied))
	s.order = nil
	for _, id := range applied {
		s.markAppliedLocked(id)
	}
}

func (s *Settler) reservedLocked() map[string]struct{} {
	reserved := make(map[string]struct{})
	for _, o := range s.pending {
		for _, id := range o.LotIDs {
			reserved[id] = struct{}{}
		}
	}
	return reserved
}

func (s *Settler) markAppliedLocked(orderID string) {
	if _, ok := s.applied[orderID]; ok {
		return
	}
	s.applied[orderID] = struct{}{}
	s.order = append(s.order, orderID)
	if len(s.order) > maxAppliedIDs {
		delete(s.applied, s.order[0])
		s.order = s.order[1:]
	}
}

func cloneOrder(o domain.MergedSellOrder) domain.MergedSellOrder {
	o.LotIDs = append([]string(nil), o.LotIDs...)
	return o
}
