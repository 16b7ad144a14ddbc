package lots

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kardex-erp/kardex-erp/internal/platform/db"
)

// Repository persists lots, consumptions, balances and relocations in
// PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the engine composes.
// Callers embedding engine operations in a larger document transaction work
// against this interface.
type TxRepository interface {
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	GetLotForUpdate(ctx context.Context, code string) (Lot, error)
	GetLotByIDForUpdate(ctx context.Context, lotID int64) (Lot, error)
	SelectConsumableForUpdate(ctx context.Context, warehouseID, productID int64) ([]Lot, error)
	FindWholeLotForUpdate(ctx context.Context, warehouseID, productID int64, qty decimal.Decimal) (Lot, error)
	UpdateLotQuantity(ctx context.Context, lotID int64, qty decimal.Decimal, status LotStatus) error
	UpdateLotWarehouse(ctx context.Context, lotID, warehouseID int64) error
	ActivateLot(ctx context.Context, lotID int64, currencyID string, unitCost, exchangeRate, unitCostBase decimal.Decimal) error

	InsertConsumption(ctx context.Context, c Consumption) (int64, error)
	ListConsumptionsByRef(ctx context.Context, ref ConsumptionRef) ([]Consumption, error)
	CountConsumptions(ctx context.Context, lotID int64) (int64, error)
	ListLotsBySourceForUpdate(ctx context.Context, sourceType SourceType, sourceID string) ([]Lot, error)

	EnsureBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (StockBalance, error)
	UpdateBalance(ctx context.Context, warehouseID, productID int64, qty decimal.Decimal) error

	InsertRelocation(ctx context.Context, r Relocation) (int64, error)
	ListRelocationsByTransfer(ctx context.Context, transferID string) ([]Relocation, error)
	MarkRelocationReversed(ctx context.Context, relocationID int64) error

	NextLotSequence(ctx context.Context) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction. Lock
// waits, deadlocks and serialization failures surface as
// ErrConcurrencyConflict so callers know the whole operation is retryable.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("lots: repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return translateErr(err)
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001":
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Code)
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicateLotCode, pgErr.ConstraintName)
		}
	}
	return err
}

const lotColumns = `id, code, product_id, warehouse_id, initial_qty, current_qty,
unit_cost_base, currency_id, unit_cost, exchange_rate,
source_type, COALESCE(source_id, ''), COALESCE(source_lot_id, 0), entry_date, status, created_at`

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	err := row.Scan(&lot.ID, &lot.Code, &lot.ProductID, &lot.WarehouseID,
		&lot.InitialQty, &lot.CurrentQty,
		&lot.UnitCostBase, &lot.CurrencyID, &lot.UnitCost, &lot.ExchangeRate,
		&lot.SourceType, &lot.SourceID, &lot.SourceLotID, &lot.EntryDate, &lot.Status, &lot.CreatedAt)
	return lot, err
}

// GetLotByCode loads a single lot outside any transaction.
func (r *Repository) GetLotByCode(ctx context.Context, code string) (Lot, error) {
	lot, err := scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE code=$1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, fmt.Errorf("%w: %s", ErrLotNotFound, code)
	}
	return lot, err
}

// ListLots returns lots ordered the same way as the FIFO candidate set.
func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM lots
WHERE ($1 = 0 OR warehouse_id = $1)
  AND ($2 = 0 OR product_id = $2)
  AND ($3 = '' OR status = $3)
ORDER BY entry_date ASC, id ASC
LIMIT $4`, filter.WarehouseID, filter.ProductID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// VisibleStock reads the aggregate cache row: ACTIVE plus LOCKED quantity.
func (r *Repository) VisibleStock(ctx context.Context, warehouseID, productID int64) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT qty FROM stock_balances WHERE warehouse_id=$1 AND product_id=$2`,
		warehouseID, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return qty, err
}

// SellableStock sums ACTIVE lots only. FIFO-dependent callers must use this
// figure, not the cache.
func (r *Repository) SellableStock(ctx context.Context, warehouseID, productID int64) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(current_qty), 0) FROM lots
WHERE warehouse_id=$1 AND product_id=$2 AND status=$3`,
		warehouseID, productID, string(StatusActive)).Scan(&qty)
	return qty, err
}

// HasConsumptions reports whether any deduction was ever taken from the lot.
func (r *Repository) HasConsumptions(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lot_consumptions c
JOIN lots l ON l.id = c.lot_id WHERE l.code=$1`, code).Scan(&count)
	return count > 0, err
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lots
(code, product_id, warehouse_id, initial_qty, current_qty, unit_cost_base,
 currency_id, unit_cost, exchange_rate, source_type, source_id, source_lot_id,
 entry_date, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW())
RETURNING id`,
		lot.Code, lot.ProductID, lot.WarehouseID, lot.InitialQty, lot.CurrentQty, lot.UnitCostBase,
		lot.CurrencyID, lot.UnitCost, lot.ExchangeRate, string(lot.SourceType),
		nullString(lot.SourceID), nullInt(lot.SourceLotID), lot.EntryDate, string(lot.Status)).Scan(&id)
	return id, err
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, code string) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE code=$1 FOR UPDATE`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, fmt.Errorf("%w: %s", ErrLotNotFound, code)
	}
	return lot, err
}

func (r *txRepository) GetLotByIDForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id=$1 FOR UPDATE`, lotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, fmt.Errorf("%w: id %d", ErrLotNotFound, lotID)
	}
	return lot, err
}

// SelectConsumableForUpdate locks the FIFO candidate set: ACTIVE lots with
// remaining quantity, oldest entry date first, lot id as the deterministic
// tie-break for same-day entries.
func (r *txRepository) SelectConsumableForUpdate(ctx context.Context, warehouseID, productID int64) ([]Lot, error) {
	return r.lockLots(ctx, `SELECT `+lotColumns+` FROM lots
WHERE warehouse_id=$1 AND product_id=$2 AND status=$3 AND current_qty > 0
ORDER BY entry_date ASC, id ASC
FOR UPDATE`, warehouseID, productID, string(StatusActive))
}

func (r *txRepository) FindWholeLotForUpdate(ctx context.Context, warehouseID, productID int64, qty decimal.Decimal) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots
WHERE warehouse_id=$1 AND product_id=$2 AND status=$3 AND current_qty = $4
ORDER BY entry_date ASC, id ASC
LIMIT 1
FOR UPDATE`, warehouseID, productID, string(StatusActive), qty))
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, ErrLotNotFound
	}
	return lot, err
}

func (r *txRepository) lockLots(ctx context.Context, query string, args ...any) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (r *txRepository) UpdateLotQuantity(ctx context.Context, lotID int64, qty decimal.Decimal, status LotStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lots SET current_qty=$2, status=$3 WHERE id=$1`,
		lotID, qty, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) UpdateLotWarehouse(ctx context.Context, lotID, warehouseID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lots SET warehouse_id=$2 WHERE id=$1`, lotID, warehouseID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) ActivateLot(ctx context.Context, lotID int64, currencyID string, unitCost, exchangeRate, unitCostBase decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lots
SET currency_id=$2, unit_cost=$3, exchange_rate=$4, unit_cost_base=$5, status=$6
WHERE id=$1`, lotID, currencyID, unitCost, exchangeRate, unitCostBase, string(StatusActive))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) InsertConsumption(ctx context.Context, c Consumption) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lot_consumptions
(lot_id, kind, ref_kind, ref_id, qty, unit_cost_base, line_cost, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
RETURNING id`,
		c.LotID, string(c.Kind), string(c.Ref.Kind), c.Ref.ID, c.Qty, c.UnitCostBase, c.LineCost).Scan(&id)
	return id, err
}

func (r *txRepository) ListConsumptionsByRef(ctx context.Context, ref ConsumptionRef) ([]Consumption, error) {
	rows, err := r.tx.Query(ctx, `SELECT c.id, c.lot_id, l.code, c.kind, c.ref_kind, c.ref_id,
c.qty, c.unit_cost_base, c.line_cost, c.created_at
FROM lot_consumptions c
JOIN lots l ON l.id = c.lot_id
WHERE c.ref_kind=$1 AND c.ref_id=$2
ORDER BY c.id ASC`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Consumption
	for rows.Next() {
		var c Consumption
		if err := rows.Scan(&c.ID, &c.LotID, &c.LotCode, &c.Kind, &c.Ref.Kind, &c.Ref.ID,
			&c.Qty, &c.UnitCostBase, &c.LineCost, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) CountConsumptions(ctx context.Context, lotID int64) (int64, error) {
	var count int64
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM lot_consumptions WHERE lot_id=$1`, lotID).Scan(&count)
	return count, err
}

func (r *txRepository) ListLotsBySourceForUpdate(ctx context.Context, sourceType SourceType, sourceID string) ([]Lot, error) {
	return r.lockLots(ctx, `SELECT `+lotColumns+` FROM lots
WHERE source_type=$1 AND source_id=$2
ORDER BY id ASC
FOR UPDATE`, string(sourceType), sourceID)
}

// EnsureBalanceForUpdate locks the cache row for the pair, creating a zero
// row first when none exists. Transfers call this for both warehouses in
// ascending warehouse order before touching any lot.
func (r *txRepository) EnsureBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (StockBalance, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (warehouse_id, product_id, qty, updated_at)
VALUES ($1,$2,0,NOW())
ON CONFLICT (warehouse_id, product_id) DO NOTHING`, warehouseID, productID); err != nil {
		return StockBalance{}, err
	}
	var bal StockBalance
	err := r.tx.QueryRow(ctx, `SELECT warehouse_id, product_id, qty, updated_at
FROM stock_balances WHERE warehouse_id=$1 AND product_id=$2 FOR UPDATE`, warehouseID, productID).
		Scan(&bal.WarehouseID, &bal.ProductID, &bal.Qty, &bal.UpdatedAt)
	return bal, err
}

func (r *txRepository) UpdateBalance(ctx context.Context, warehouseID, productID int64, qty decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_balances SET qty=$3, updated_at=NOW()
WHERE warehouse_id=$1 AND product_id=$2`, warehouseID, productID, qty)
	return err
}

func (r *txRepository) InsertRelocation(ctx context.Context, rel Relocation) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lot_relocations
(lot_id, from_warehouse_id, to_warehouse_id, transfer_id, qty, moved_at)
VALUES ($1,$2,$3,$4,$5,NOW())
RETURNING id`, rel.LotID, rel.FromWarehouseID, rel.ToWarehouseID, rel.TransferID, rel.Qty).Scan(&id)
	return id, err
}

func (r *txRepository) ListRelocationsByTransfer(ctx context.Context, transferID string) ([]Relocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, lot_id, from_warehouse_id, to_warehouse_id, transfer_id, qty, moved_at
FROM lot_relocations WHERE transfer_id=$1 AND reversed_at IS NULL ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Relocation
	for rows.Next() {
		var rel Relocation
		if err := rows.Scan(&rel.ID, &rel.LotID, &rel.FromWarehouseID, &rel.ToWarehouseID,
			&rel.TransferID, &rel.Qty, &rel.MovedAt); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *txRepository) MarkRelocationReversed(ctx context.Context, relocationID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE lot_relocations SET reversed_at=NOW() WHERE id=$1`, relocationID)
	return err
}

func (r *txRepository) NextLotSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `SELECT nextval('lot_code_seq')`).Scan(&seq)
	return seq, err
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
