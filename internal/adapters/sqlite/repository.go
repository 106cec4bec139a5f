package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"
)

// Compile-time checks
var (
	_ ports.StateStore    = (*Repository)(nil)
	_ ports.PurchaseInbox = (*Repository)(nil)
)

// Repository implements ports.StateStore using SQLite. Decimal values are
// stored as TEXT so they round-trip exactly; timestamps as Unix nanoseconds.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/lot_broker.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %v", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %v", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single connection keeps Save transactions serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS lots (
		pair TEXT NOT NULL,
		id TEXT NOT NULL,
		spent_amount TEXT NOT NULL,
		quantity TEXT NOT NULL,
		purchased_at INTEGER NOT NULL,
		PRIMARY KEY (pair, id)
	);

	CREATE TABLE IF NOT EXISTS price_samples (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		pair TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		price TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_orders (
		pair TEXT NOT NULL,
		id TEXT NOT NULL,
		total_quantity TEXT NOT NULL,
		price_at_submission TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (pair, id)
	);

	CREATE TABLE IF NOT EXISTS pending_order_lots (
		pair TEXT NOT NULL,
		order_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		lot_id TEXT NOT NULL,
		PRIMARY KEY (pair, order_id, position)
	);

	CREATE TABLE IF NOT EXISTS applied_orders (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		pair TEXT NOT NULL,
		order_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ingested_lots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		pair TEXT NOT NULL,
		lot_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchase_inbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		pair TEXT NOT NULL,
		id TEXT NOT NULL,
		spent_amount TEXT NOT NULL,
		quantity TEXT NOT NULL,
		purchased_at INTEGER NOT NULL,
		UNIQUE (pair, id)
	);

	CREATE INDEX IF NOT EXISTS idx_price_samples_pair ON price_samples (pair, observed_at);
	CREATE INDEX IF NOT EXISTS idx_applied_orders_pair ON applied_orders (pair);
	CREATE INDEX IF NOT EXISTS idx_ingested_lots_pair ON ingested_lots (pair);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- StateStore Implementation ---

// Save replaces the persisted state of snap.Pair in a single transaction, so
// a crash never leaves a half-written snapshot behind.
func (r *Repository) Save(ctx context.Context, snap *domain.EngineSnapshot) (err error) {
	if snap == nil || snap.Pair == "" {
		return fmt.Errorf("save snapshot: pair is required: %w", ports.ErrInvalidRequest)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save for %s: %w: %v", snap.Pair, ports.ErrDBConnection, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"lots", "price_samples", "pending_orders", "pending_order_lots", "applied_orders", "ingested_lots"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE pair = ?", snap.Pair); err != nil {
			return fmt.Errorf("clear %s for %s: %w: %v", table, snap.Pair, ports.ErrQueryFailed, err)
		}
	}

	if err = insertLots(ctx, tx, snap.Pair, snap.Lots); err != nil {
		return err
	}
	if err = insertSamples(ctx, tx, snap.Pair, snap.Samples); err != nil {
		return err
	}
	if err = insertPending(ctx, tx, snap.Pair, snap.Pending); err != nil {
		return err
	}
	if err = insertApplied(ctx, tx, snap.Pair, snap.AppliedOrderIDs); err != nil {
		return err
	}
	if err = insertIngested(ctx, tx, snap.Pair, snap.IngestedLotIDs); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save for %s: %w: %v", snap.Pair, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Snapshot saved", map[string]interface{}{
		"pair":    snap.Pair,
		"lots":    len(snap.Lots),
		"samples": len(snap.Samples),
		"pending": len(snap.Pending),
	})
	return nil
}

// Load returns the persisted state of pair. An unknown pair yields an empty
// snapshot.
func (r *Repository) Load(ctx context.Context, pair string) (*domain.EngineSnapshot, error) {
	snap := &domain.EngineSnapshot{Pair: pair}

	var err error
	if snap.Lots, err = r.loadLots(ctx, pair); err != nil {
		return nil, err
	}
	if snap.Samples, err = r.loadSamples(ctx, pair); err != nil {
		return nil, err
	}
	if snap.Pending, err = r.loadPending(ctx, pair); err != nil {
		return nil, err
	}
	if snap.AppliedOrderIDs, err = r.loadApplied(ctx, pair); err != nil {
		return nil, err
	}
	if snap.IngestedLotIDs, err = r.loadIngested(ctx, pair); err != nil {
		return nil, err
	}

	r.logger.Debug(ctx, "Snapshot loaded", map[string]interface{}{
		"pair":    pair,
		"lots":    len(snap.Lots),
		"samples": len(snap.Samples),
		"pending": len(snap.Pending),
	})
	return snap, nil
}

// --- PurchaseInbox Implementation ---

// EnqueuePurchase queues lot for pair. A lot id already queued is ignored.
func (r *Repository) EnqueuePurchase(ctx context.Context, pair string, lot domain.PurchaseLot) error {
	if err := lot.Validate(); err != nil {
		return fmt.Errorf("enqueue purchase: %w: %v", ports.ErrInvalidRequest, err)
	}
	const query = `
	INSERT OR IGNORE INTO purchase_inbox (pair, id, spent_amount, quantity, purchased_at)
	VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, pair, lot.ID, lot.SpentAmount.String(), lot.Quantity.String(), lot.PurchasedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to enqueue purchase %s: %w: %v", lot.ID, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Purchase queued", map[string]interface{}{"pair": pair, "lotID": lot.ID})
	return nil
}

// QueuedPurchases returns the queued lots of pair in arrival order.
func (r *Repository) QueuedPurchases(ctx context.Context, pair string) ([]domain.PurchaseLot, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, spent_amount, quantity, purchased_at
	FROM purchase_inbox WHERE pair = ? ORDER BY seq`, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase inbox for %s: %w: %v", pair, ports.ErrQueryFailed, err)
	}
	defer rows.Close()
	return scanLots(rows)
}

// AckPurchases deletes the given lots from the inbox.
func (r *Repository) AckPurchases(ctx context.Context, pair string, ids []string) error {
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM purchase_inbox WHERE pair = ? AND id = ?`, pair, id); err != nil {
			return fmt.Errorf("failed to ack purchase %s: %w: %v", id, ports.ErrQueryFailed, err)
		}
	}
	return nil
}

// --- Write helpers ---

func insertLots(ctx context.Context, tx *sql.Tx, pair string, lots []domain.PurchaseLot) error {
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO lots (pair, id, spent_amount, quantity, purchased_at)
	VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare lot insert: %w: %v", ports.ErrQueryFailed, err)
	}
	defer stmt.Close()

	for _, lot := range lots {
		if _, err := stmt.ExecContext(ctx, pair, lot.ID, lot.SpentAmount.String(), lot.Quantity.String(), lot.PurchasedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert lot %s: %w: %v", lot.ID, ports.ErrQueryFailed, err)
		}
	}
	return nil
}

func insertSamples(ctx context.Context, tx *sql.Tx, pair string, samples []domain.PriceSample) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO price_samples (pair, observed_at, price) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w: %v", ports.ErrQueryFailed, err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, pair, s.ObservedAt.UnixNano(), s.Price.String()); err != nil {
			return fmt.Errorf("insert sample at %s: %w: %v", s.ObservedAt, ports.ErrQueryFailed, err)
		}
	}
	return nil
}

func insertPending(ctx context.Context, tx *sql.Tx, pair string, orders []domain.MergedSellOrder) error {
	for _, o := range orders {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_orders (pair, id, total_quantity, price_at_submission, cost_basis, created_at, exchange_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pair, o.ID, o.TotalQuantity.String(), o.PriceAtSubmission.String(), o.CostBasis.String(),
			o.CreatedAt.UnixNano(), o.ExchangeOrderID)
		if err != nil {
			return fmt.Errorf("insert pending order %s: %w: %v", o.ID, ports.ErrQueryFailed, err)
		}
		for i, lotID := range o.LotIDs {
			_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_order_lots (pair, order_id, position, lot_id) VALUES (?, ?, ?, ?)`,
				pair, o.ID, i, lotID)
			if err != nil {
				return fmt.Errorf("insert lot %s of pending order %s: %w: %v", lotID, o.ID, ports.ErrQueryFailed, err)
			}
		}
	}
	return nil
}

func insertApplied(ctx context.Context, tx *sql.Tx, pair string, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `INSERT INTO applied_orders (pair, order_id) VALUES (?, ?)`, pair, id); err != nil {
			return fmt.Errorf("insert applied order %s: %w: %v", id, ports.ErrQueryFailed, err)
		}
	}
	return nil
}

func insertIngested(ctx context.Context, tx *sql.Tx, pair string, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ingested_lots (pair, lot_id) VALUES (?, ?)`, pair, id); err != nil {
			return fmt.Errorf("insert ingested lot %s: %w: %v", id, ports.ErrQueryFailed, err)
		}
	}
	return nil
}

// --- Read helpers ---

func (r *Repository) loadLots(ctx context.Context, pair string) ([]domain.PurchaseLot, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, spent_amount, quantity, purchased_at
	FROM lots WHERE pair = ? ORDER BY purchased_at, id`, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots for %s: %w: %v", pair, ports.ErrQueryFailed, err)
	}
	defer rows.Close()
	return scanLots(rows)
}

// scanLots reads (id, spent_amount, quantity, purchased_at) rows.
func scanLots(rows *sql.Rows) ([]domain.PurchaseLot, error) {
	lots := make([]domain.PurchaseLot, 0)
	for rows.Next() {
		var (
			lot           domain.PurchaseLot
			spent, qty    string
			purchasedNano int64
		)
		if err := rows.Scan(&lot.ID, &spent, &qty, &purchasedNano); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w: %v", ports.ErrQueryFailed, err)
		}
		var err error
		if lot.SpentAmount, err = parseDecimal("spent_amount", spent); err != nil {
			return nil, err
		}
		if lot.Quantity, err = parseDecimal("quantity", qty); err != nil {
			return nil, err
		}
		lot.PurchasedAt = fromUnixNano(purchasedNano)
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lot rows: %w: %v", ports.ErrQueryFailed, err)
	}
	return lots, nil
}

func (r *Repository) loadSamples(ctx context.Context, pair string) ([]domain.PriceSample, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT observed_at, price FROM price_samples WHERE pair = ? ORDER BY seq`, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for %s: %w: %v", pair, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	samples := make([]domain.PriceSample, 0)
	for rows.Next() {
		var (
			observedNano int64
			price        string
		)
		if err := rows.Scan(&observedNano, &price); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w: %v", ports.ErrQueryFailed, err)
		}
		p, err := parseDecimal("price", price)
		if err != nil {
			return nil, err
		}
		samples = append(samples, domain.PriceSample{ObservedAt: fromUnixNano(observedNano), Price: p})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sample rows: %w: %v", ports.ErrQueryFailed, err)
	}
	return samples, nil
}

func (r *Repository) loadPending(ctx context.Context, pair string) ([]domain.MergedSellOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, total_quantity, price_at_submission, cost_basis, created_at, exchange_order_id
	FROM pending_orders WHERE pair = ? ORDER BY created_at, id`, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders for %s: %w: %v", pair, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	orders := make([]domain.MergedSellOrder, 0)
	for rows.Next() {
		var (
			o                     domain.MergedSellOrder
			qty, price, costBasis string
			createdNano           int64
		)
		if err := rows.Scan(&o.ID, &qty, &price, &costBasis, &createdNano, &o.ExchangeOrderID); err != nil {
			return nil, fmt.Errorf("failed to scan pending order: %w: %v", ports.ErrQueryFailed, err)
		}
		o.Pair = pair
		if o.TotalQuantity, err = parseDecimal("total_quantity", qty); err != nil {
			return nil, err
		}
		if o.PriceAtSubmission, err = parseDecimal("price_at_submission", price); err != nil {
			return nil, err
		}
		if o.CostBasis, err = parseDecimal("cost_basis", costBasis); err != nil {
			return nil, err
		}
		o.CreatedAt = fromUnixNano(createdNano)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending order rows: %w: %v", ports.ErrQueryFailed, err)
	}
	rows.Close()

	for i := range orders {
		ids, err := r.loadOrderLots(ctx, pair, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].LotIDs = ids
	}
	return orders, nil
}

func (r *Repository) loadOrderLots(ctx context.Context, pair, orderID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT lot_id FROM pending_order_lots WHERE pair = ? AND order_id = ? ORDER BY position`, pair, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots of order %s: %w: %v", orderID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order lot: %w: %v", ports.ErrQueryFailed, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order lot rows: %w: %v", ports.ErrQueryFailed, err)
	}
	return ids, nil
}

func (r *Repository) loadApplied(ctx context.Context, pair string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT order_id FROM applied_orders WHERE pair = ? ORDER BY seq`, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied orders for %s: %w: %v", pair, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan applied order: %w: %v", ports.ErrQueryFailed, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied order rows: %w: %v", ports.ErrQueryFailed, err)
	}
	return ids, nil
}

func (r *Repository) loadIngested(ctx context.Context, pair string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT lot_id FROM ingested_lots WHERE pair = ? ORDER BY seq`, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingested lots for %s: %w: %v", pair, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ingested lot: %w: %v", ports.ErrQueryFailed, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ingested lot rows: %w: %v", ports.ErrQueryFailed, err)
	}
	return ids, nil
}

func parseDecimal(column, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt %s value %q: %w: %v", column, raw, ports.ErrQueryFailed, err)
	}
	return d, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
