package ledger

import (
	"fmt"
	"sort"
	"sync"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	"github.com/shopspring/decimal"
)

// Ledger holds the open purchase lots of one trading pair. All mutations go
// through a single mutex so a purchase arriving mid-cycle is neither lost nor
// double counted.
type Ledger struct {
	mu   sync.RWMutex
	lots map[string]domain.PurchaseLot
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{lots: make(map[string]domain.PurchaseLot)}
}

// Load replaces the ledger contents with persisted lots. Any invariant
// violation (invalid lot, duplicate id) wraps ports.ErrLedgerInvariant and
// leaves the ledger unchanged.
func (l *Ledger) Load(lots []domain.PurchaseLot) error {
	next := make(map[string]domain.PurchaseLot, len(lots))
	for _, lot := range lots {
		if err := lot.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ports.ErrLedgerInvariant, err)
		}
		if _, dup := next[lot.ID]; dup {
			return fmt.Errorf("%w: duplicate lot id %s", ports.ErrLedgerInvariant, lot.ID)
		}
		next[lot.ID] = lot
	}

	l.mu.Lock()
	l.lots = next
	l.mu.Unlock()
	return nil
}

// RecordPurchase adds a lot bought by the (external) buyer.
func (l *Ledger) RecordPurchase(lot domain.PurchaseLot) error {
	if err := lot.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrLedgerInvariant, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.lots[lot.ID]; dup {
		return fmt.Errorf("%w: duplicate lot id %s", ports.ErrLedgerInvariant, lot.ID)
	}
	l.lots[lot.ID] = lot
	return nil
}

// Remove deletes the given lots. Either all of them are removed or, if any id
// is unknown or repeated, none is.
func (l *Ledger) Remove(ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := l.lots[id]; !ok {
			return fmt.Errorf("remove lot %s: %w", id, ports.ErrUnknownLot)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: lot id %s listed twice for removal", ports.ErrLedgerInvariant, id)
		}
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		delete(l.lots, id)
	}
	return nil
}

// Get returns the lot with the given id.
func (l *Ledger) Get(id string) (domain.PurchaseLot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lot, ok := l.lots[id]
	return lot, ok
}

// Snapshot returns a copy of all lots, best purchase (lowest unit cost)
// first. Ties are broken by id so the order is deterministic.
func (l *Ledger) Snapshot() []domain.PurchaseLot {
	l.mu.RLock()
	out := make([]domain.PurchaseLot, 0, len(l.lots))
	for _, lot := range l.lots {
		out = append(out, lot)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].UnitCost().Cmp(out[j].UnitCost()); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TotalQuantity is the sum of all lot quantities.
func (l *Ledger) TotalQuantity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, lot := range l.lots {
		total = total.Add(lot.Quantity)
	}
	return total
}

// Len returns the number of open lots.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lots)
}
