package ports

import (
	"context"

	"lotBroker/internal/domain"
)

// StateStore persists the ledger and the price history window of a pair.
// Save must be atomic: a crash during Save leaves the previous state intact.
type StateStore interface {
	// Load returns the persisted state for pair. A pair that was never saved
	// yields an empty snapshot, not an error.
	Load(ctx context.Context, pair string) (*domain.EngineSnapshot, error)
	// Save replaces the persisted state for snapshot.Pair.
	Save(ctx context.Context, snapshot *domain.EngineSnapshot) error
}

// PurchaseInbox queues purchases reported by the buyer until the engine has
// recorded them. Lots stay queued until acknowledged, so a crash between
// reading and persisting the ledger never loses a purchase.
type PurchaseInbox interface {
	// EnqueuePurchase queues lot for pair. Enqueuing an id twice is a no-op.
	EnqueuePurchase(ctx context.Context, pair string, lot domain.PurchaseLot) error
	// QueuedPurchases returns the queued lots of pair, oldest first.
	QueuedPurchases(ctx context.Context, pair string) ([]domain.PurchaseLot, error)
	// AckPurchases removes the given lots from the queue.
	AckPurchases(ctx context.Context, pair string, ids []string) error
}
