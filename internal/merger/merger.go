package merger

import (
	"fmt"
	"time"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Merge builds one sell order covering every lot in toSell, priced at the
// current price. It returns nil, nil when there is nothing to sell: that is
// the normal outcome of most cycles.
func Merge(pair string, toSell []string, lots []domain.PurchaseLot, price decimal.Decimal, now time.Time) (*domain.MergedSellOrder, error) {
	if len(toSell) == 0 {
		return nil, nil
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("merge at price %s: %w", price, ports.ErrInvalidRequest)
	}

	byID := make(map[string]domain.PurchaseLot, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}

	order := &domain.MergedSellOrder{
		ID:                uuid.NewString(),
		Pair:              pair,
		LotIDs:            make([]string, 0, len(toSell)),
		TotalQuantity:     decimal.Zero,
		PriceAtSubmission: price,
		CostBasis:         decimal.Zero,
		CreatedAt:         now.UTC(),
	}
	seen := make(map[string]struct{}, len(toSell))
	for _, id := range toSell {
		lot, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("merge lot %s: %w", id, ports.ErrUnknownLot)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("merge lot %s twice: %w", id, ports.ErrInvalidRequest)
		}
		seen[id] = struct{}{}
		order.LotIDs = append(order.LotIDs, id)
		order.TotalQuantity = order.TotalQuantity.Add(lot.Quantity)
		order.CostBasis = order.CostBasis.Add(lot.SpentAmount)
	}
	return order, nil
}
