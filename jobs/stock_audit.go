package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/kardex-erp/kardex-erp/internal/jobs"
)

// AuditStore is the slice of storage the reconciliation job needs.
type AuditStore interface {
	Warehouses(ctx context.Context) ([]int64, error)
	BalanceRows(ctx context.Context, warehouseID int64) (map[int64]decimal.Decimal, error)
	LotTotals(ctx context.Context, warehouseID int64) (map[int64]decimal.Decimal, error)
	RepairBalance(ctx context.Context, warehouseID, productID int64, qty decimal.Decimal) error
}

// StockAuditor compares the stock_balances cache against the lot ledger,
// which is the source of truth. Drift means a bug or manual data surgery;
// the job logs every divergent row and optionally rewrites the cache.
type StockAuditor struct {
	store   AuditStore
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewStockAuditor constructs the auditor. metrics may be nil.
func NewStockAuditor(store AuditStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockAuditor {
	return &StockAuditor{store: store, logger: logger, metrics: metrics}
}

// Handle processes TaskStockAudit tasks.
func (a *StockAuditor) Handle(ctx context.Context, t *asynq.Task) error {
	var payload StockAuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return a.Run(ctx, payload)
}

// Run executes one reconciliation pass.
func (a *StockAuditor) Run(ctx context.Context, payload StockAuditPayload) error {
	tracker := a.metrics.Track(TaskStockAudit)
	return tracker.End(a.run(ctx, payload))
}

func (a *StockAuditor) run(ctx context.Context, payload StockAuditPayload) error {
	warehouses := []int64{payload.WarehouseID}
	if payload.WarehouseID == 0 {
		var err error
		warehouses, err = a.store.Warehouses(ctx)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, warehouseID := range warehouses {
		warehouseID := warehouseID
		g.Go(func() error {
			return a.auditWarehouse(ctx, warehouseID, payload.Repair)
		})
	}
	return g.Wait()
}

func (a *StockAuditor) auditWarehouse(ctx context.Context, warehouseID int64, repair bool) error {
	balances, err := a.store.BalanceRows(ctx, warehouseID)
	if err != nil {
		return err
	}
	totals, err := a.store.LotTotals(ctx, warehouseID)
	if err != nil {
		return err
	}

	for productID, want := range totals {
		got, ok := balances[productID]
		if ok && got.Equal(want) {
			continue
		}
		if err := a.reportDrift(ctx, warehouseID, productID, got, want, repair); err != nil {
			return err
		}
	}
	// Balance rows with no lots behind them at all.
	for productID, got := range balances {
		if _, ok := totals[productID]; ok || got.IsZero() {
			continue
		}
		if err := a.reportDrift(ctx, warehouseID, productID, got, decimal.Zero, repair); err != nil {
			return err
		}
	}
	return nil
}

func (a *StockAuditor) reportDrift(ctx context.Context, warehouseID, productID int64, got, want decimal.Decimal, repair bool) error {
	a.logger.Warn("stock balance drift",
		slog.Int64("warehouse_id", warehouseID),
		slog.Int64("product_id", productID),
		slog.String("balance", got.String()),
		slog.String("lot_total", want.String()))
	if !repair {
		a.metrics.AddDrift(warehouseID, false)
		return nil
	}
	a.metrics.AddDrift(warehouseID, true)
	if err := a.store.RepairBalance(ctx, warehouseID, productID, want); err != nil {
		return err
	}
	a.logger.Info("stock balance repaired",
		slog.Int64("warehouse_id", warehouseID),
		slog.Int64("product_id", productID),
		slog.String("qty", want.String()))
	return nil
}

// PgAuditStore backs AuditStore with the primary database.
type PgAuditStore struct {
	pool *pgxpool.Pool
}

// NewPgAuditStore constructs the store.
func NewPgAuditStore(pool *pgxpool.Pool) *PgAuditStore {
	return &PgAuditStore{pool: pool}
}

// Warehouses lists warehouses that have balance rows.
func (s *PgAuditStore) Warehouses(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT warehouse_id FROM stock_balances ORDER BY warehouse_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BalanceRows loads the cached per-product quantities for a warehouse.
func (s *PgAuditStore) BalanceRows(ctx context.Context, warehouseID int64) (map[int64]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `SELECT product_id, qty FROM stock_balances WHERE warehouse_id=$1`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]decimal.Decimal{}
	for rows.Next() {
		var productID int64
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		out[productID] = qty
	}
	return out, rows.Err()
}

// LotTotals sums current quantities over live lots per product.
func (s *PgAuditStore) LotTotals(ctx context.Context, warehouseID int64) (map[int64]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `SELECT product_id, COALESCE(SUM(current_qty), 0)
FROM lots
WHERE warehouse_id=$1 AND status IN ('ACTIVE', 'LOCKED')
GROUP BY product_id`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]decimal.Decimal{}
	for rows.Next() {
		var productID int64
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		out[productID] = qty
	}
	return out, rows.Err()
}

// RepairBalance rewrites one cache row from the ledger total.
func (s *PgAuditStore) RepairBalance(ctx context.Context, warehouseID, productID int64, qty decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO stock_balances (warehouse_id, product_id, qty, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (warehouse_id, product_id) DO UPDATE SET qty = EXCLUDED.qty, updated_at = NOW()`,
		warehouseID, productID, qty)
	return err
}
