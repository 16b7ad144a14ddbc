package lots

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/kardex-erp/kardex-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLotByCode(ctx context.Context, code string) (Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)
	VisibleStock(ctx context.Context, warehouseID, productID int64) (decimal.Decimal, error)
	SellableStock(ctx context.Context, warehouseID, productID int64) (decimal.Decimal, error)
	HasConsumptions(ctx context.Context, code string) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the lot lifecycle engine: creation, FIFO consumption, deferred
// pricing, transfer and reversal. Public methods open their own transaction;
// the ...Tx variants compose into a transaction owned by a caller document
// workflow.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	idem      *shared.IdempotencyStore
	snapshots *SnapshotCache
	now       func() time.Time
}

// NewService builds Service. audit, idem and snapshots may be nil.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, snapshots *SnapshotCache) *Service {
	return &Service{
		repo:      repo,
		audit:     audit,
		idem:      idem,
		snapshots: snapshots,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateLot creates a lot and increments the aggregate cache in one
// transaction. Locked lots enter with a zero cost base and are excluded from
// FIFO until unlocked.
func (s *Service) CreateLot(ctx context.Context, in CreateLotInput) (Lot, error) {
	key := ""
	if in.SourceID != "" {
		key = fmt.Sprintf("lot:create:%s:%s:%d", in.SourceType, in.SourceID, in.SourceLine)
	}
	insertedKey := false
	if s.idem != nil && key != "" {
		if err := s.idem.CheckAndInsert(ctx, key, "lots"); err != nil {
			return Lot{}, err
		}
		insertedKey = true
	}

	var lot Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = s.CreateLotTx(ctx, tx, in)
		return err
	})
	if err != nil {
		if insertedKey {
			_ = s.idem.Delete(ctx, key)
		}
		return Lot{}, err
	}
	s.bump(ctx)
	s.record(ctx, in.ActorID, "lots:create", lot.Code, map[string]any{
		"warehouse_id": lot.WarehouseID,
		"product_id":   lot.ProductID,
		"qty":          lot.InitialQty.String(),
		"status":       string(lot.Status),
	})
	return lot, nil
}

// CreateLotTx is the composable form of CreateLot.
func (s *Service) CreateLotTx(ctx context.Context, tx TxRepository, in CreateLotInput) (Lot, error) {
	if in.ProductID == 0 || in.WarehouseID == 0 {
		return Lot{}, fmt.Errorf("%w: warehouse and product required", ErrValidation)
	}
	if !in.Qty.IsPositive() {
		return Lot{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if in.SourceID != "" {
		if _, err := uuid.Parse(in.SourceID); err != nil {
			return Lot{}, fmt.Errorf("%w: invalid source id: %v", ErrValidation, err)
		}
	}

	base := decimal.Zero
	status := StatusLocked
	if !in.Locked {
		if err := validateCostBasis(in.CurrencyID, in.UnitCost, in.ExchangeRate); err != nil {
			return Lot{}, err
		}
		base = in.UnitCost.Mul(in.ExchangeRate).Round(CostScale)
		status = StatusActive
	}

	entryDate := in.EntryDate
	if entryDate.IsZero() {
		entryDate = s.today()
	}

	code, ok := deterministicLotCode(in.SourceType, in.SourceID, in.SourceLine)
	if !ok {
		seq, err := tx.NextLotSequence(ctx)
		if err != nil {
			return Lot{}, err
		}
		code = sequenceLotCode(seq)
	}

	qty := in.Qty.Round(QtyScale)
	lot := Lot{
		Code:         code,
		ProductID:    in.ProductID,
		WarehouseID:  in.WarehouseID,
		InitialQty:   qty,
		CurrentQty:   qty,
		UnitCostBase: base,
		CurrencyID:   in.CurrencyID,
		UnitCost:     in.UnitCost.Round(CostScale),
		ExchangeRate: in.ExchangeRate,
		SourceType:   in.SourceType,
		SourceID:     in.SourceID,
		SourceLotID:  in.SourceLot,
		EntryDate:    entryDate,
		Status:       status,
	}
	id, err := tx.InsertLot(ctx, lot)
	if err != nil {
		return Lot{}, err
	}
	lot.ID = id

	// Locked stock is visible, just not consumable, so the cache grows
	// regardless of lock state.
	if err := applyBalanceDeltas(ctx, tx, balanceDelta{in.WarehouseID, in.ProductID, qty}); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// ConsumeLots walks ACTIVE lots in FIFO order and deducts the requested
// quantity, all or nothing.
func (s *Service) ConsumeLots(ctx context.Context, in ConsumeInput) (ConsumeResult, error) {
	var res ConsumeResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = s.ConsumeLotsTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	s.bump(ctx)
	s.record(ctx, in.ActorID, "lots:consume", in.Ref.ID, map[string]any{
		"warehouse_id": in.WarehouseID,
		"product_id":   in.ProductID,
		"qty":          in.Qty.String(),
		"kind":         string(in.Kind),
		"total_cost":   res.TotalCost.String(),
	})
	return res, nil
}

// ConsumeLotsTx is the composable form of ConsumeLots.
func (s *Service) ConsumeLotsTx(ctx context.Context, tx TxRepository, in ConsumeInput) (ConsumeResult, error) {
	if in.WarehouseID == 0 || in.ProductID == 0 {
		return ConsumeResult{}, fmt.Errorf("%w: warehouse and product required", ErrValidation)
	}
	if !in.Qty.IsPositive() {
		return ConsumeResult{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if in.Kind == "" || in.Ref.Zero() {
		return ConsumeResult{}, fmt.Errorf("%w: consumption kind and reference required", ErrValidation)
	}

	consumptions, _, total, err := s.consumeLocked(ctx, tx, in)
	if err != nil {
		return ConsumeResult{}, err
	}
	if err := applyBalanceDeltas(ctx, tx, balanceDelta{in.WarehouseID, in.ProductID, in.Qty.Round(QtyScale).Neg()}); err != nil {
		return ConsumeResult{}, err
	}
	return ConsumeResult{Consumptions: consumptions, TotalCost: total}, nil
}

// consumeLocked performs the FIFO walk: lock candidates, verify coverage,
// deduct oldest first. It mutates lots and the ledger but leaves the
// aggregate cache to its caller, which knows which warehouses to adjust.
func (s *Service) consumeLocked(ctx context.Context, tx TxRepository, in ConsumeInput) ([]Consumption, []Lot, decimal.Decimal, error) {
	candidates, err := tx.SelectConsumableForUpdate(ctx, in.WarehouseID, in.ProductID)
	if err != nil {
		return nil, nil, decimal.Zero, err
	}

	qty := in.Qty.Round(QtyScale)
	available := decimal.Zero
	for _, lot := range candidates {
		available = available.Add(lot.CurrentQty)
	}
	if available.LessThan(qty) {
		return nil, nil, decimal.Zero, fmt.Errorf("%w: requested %s, available %s",
			ErrInsufficientStock, qty.String(), available.String())
	}

	remaining := qty
	total := decimal.Zero
	var consumptions []Consumption
	var touched []Lot
	for _, lot := range candidates {
		if remaining.IsZero() {
			break
		}
		take := decimal.Min(lot.CurrentQty, remaining)
		lineCost := take.Mul(lot.UnitCostBase).Round(CostScale)

		cons := Consumption{
			LotID:        lot.ID,
			LotCode:      lot.Code,
			Kind:         in.Kind,
			Ref:          in.Ref,
			Qty:          take,
			UnitCostBase: lot.UnitCostBase,
			LineCost:     lineCost,
		}
		id, err := tx.InsertConsumption(ctx, cons)
		if err != nil {
			return nil, nil, decimal.Zero, err
		}
		cons.ID = id

		newQty := lot.CurrentQty.Sub(take)
		status := lot.Status
		if newQty.IsZero() {
			status = StatusExhausted
		}
		if err := tx.UpdateLotQuantity(ctx, lot.ID, newQty, status); err != nil {
			return nil, nil, decimal.Zero, err
		}

		consumptions = append(consumptions, cons)
		touched = append(touched, lot)
		total = total.Add(lineCost)
		remaining = remaining.Sub(take)
	}
	return consumptions, touched, total, nil
}

// AdjustIn books a positive stock adjustment as a new adjustment-sourced lot.
func (s *Service) AdjustIn(ctx context.Context, in CreateLotInput) (Lot, error) {
	in.SourceType = SourceAdjustment
	return s.CreateLot(ctx, in)
}

// AdjustOut books a negative stock adjustment as an ordinary FIFO consumption
// referencing the adjustment line.
func (s *Service) AdjustOut(ctx context.Context, warehouseID, productID int64, qty decimal.Decimal, lineID string, actorID int64) (ConsumeResult, error) {
	return s.ConsumeLots(ctx, ConsumeInput{
		WarehouseID: warehouseID,
		ProductID:   productID,
		Qty:         qty,
		Kind:        ConsumptionAdjustment,
		Ref:         AdjustmentLineRef(lineID),
		ActorID:     actorID,
	})
}

// UnlockLot prices a LOCKED lot and makes it consumable. The cache is not
// touched: locked stock was already counted at creation.
func (s *Service) UnlockLot(ctx context.Context, code, currencyID string, unitCost, exchangeRate decimal.Decimal) (Lot, error) {
	var lot Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = s.UnlockLotTx(ctx, tx, code, currencyID, unitCost, exchangeRate)
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	s.bump(ctx)
	s.record(ctx, 0, "lots:unlock", lot.Code, map[string]any{
		"unit_cost_base": lot.UnitCostBase.String(),
		"currency":       currencyID,
	})
	return lot, nil
}

// UnlockLotTx is the composable form of UnlockLot.
func (s *Service) UnlockLotTx(ctx context.Context, tx TxRepository, code, currencyID string, unitCost, exchangeRate decimal.Decimal) (Lot, error) {
	if err := validateCostBasis(currencyID, unitCost, exchangeRate); err != nil {
		return Lot{}, err
	}
	lot, err := tx.GetLotForUpdate(ctx, code)
	if err != nil {
		return Lot{}, err
	}
	if lot.Status != StatusLocked {
		return Lot{}, fmt.Errorf("%w: lot %s is %s, expected LOCKED", ErrInvalidState, code, lot.Status)
	}
	base := unitCost.Mul(exchangeRate).Round(CostScale)
	if err := tx.ActivateLot(ctx, lot.ID, currencyID, unitCost.Round(CostScale), exchangeRate, base); err != nil {
		return Lot{}, err
	}
	lot.CurrencyID = currencyID
	lot.UnitCost = unitCost.Round(CostScale)
	lot.ExchangeRate = exchangeRate
	lot.UnitCostBase = base
	lot.Status = StatusActive
	return lot, nil
}

// MoveWholeLot relocates a lot's entire remaining quantity to another
// warehouse, preserving its cost, identity and entry date.
func (s *Service) MoveWholeLot(ctx context.Context, code string, dstWarehouse int64, transferID string) (Lot, error) {
	var lot Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = s.MoveWholeLotTx(ctx, tx, code, dstWarehouse, transferID)
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	s.bump(ctx)
	s.record(ctx, 0, "lots:move", lot.Code, map[string]any{
		"to_warehouse": dstWarehouse,
		"transfer_id":  transferID,
	})
	return lot, nil
}

// MoveWholeLotTx is the composable form of MoveWholeLot.
func (s *Service) MoveWholeLotTx(ctx context.Context, tx TxRepository, code string, dstWarehouse int64, transferID string) (Lot, error) {
	lot, err := tx.GetLotForUpdate(ctx, code)
	if err != nil {
		return Lot{}, err
	}
	return s.relocate(ctx, tx, lot, dstWarehouse, transferID)
}

func (s *Service) relocate(ctx context.Context, tx TxRepository, lot Lot, dstWarehouse int64, transferID string) (Lot, error) {
	if dstWarehouse == 0 {
		return Lot{}, fmt.Errorf("%w: destination warehouse required", ErrValidation)
	}
	if lot.WarehouseID == dstWarehouse {
		return Lot{}, fmt.Errorf("%w: lot %s already at warehouse %d", ErrInvalidTransfer, lot.Code, dstWarehouse)
	}
	if lot.Status != StatusActive {
		return Lot{}, fmt.Errorf("%w: lot %s is %s, expected ACTIVE", ErrInvalidState, lot.Code, lot.Status)
	}
	if err := tx.UpdateLotWarehouse(ctx, lot.ID, dstWarehouse); err != nil {
		return Lot{}, err
	}
	if _, err := tx.InsertRelocation(ctx, Relocation{
		LotID:           lot.ID,
		FromWarehouseID: lot.WarehouseID,
		ToWarehouseID:   dstWarehouse,
		TransferID:      transferID,
		Qty:             lot.CurrentQty,
	}); err != nil {
		return Lot{}, err
	}
	if err := applyBalanceDeltas(ctx, tx,
		balanceDelta{lot.WarehouseID, lot.ProductID, lot.CurrentQty.Neg()},
		balanceDelta{dstWarehouse, lot.ProductID, lot.CurrentQty}); err != nil {
		return Lot{}, err
	}
	lot.WarehouseID = dstWarehouse
	return lot, nil
}

// Transfer moves quantity between warehouses. When one lot's entire
// remaining quantity matches the request it is relocated intact, keeping its
// original entry date; otherwise the shortfall is FIFO-consumed at the
// origin and one new lot per origin lot is created at the destination with
// today's entry date.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	var res TransferResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = s.TransferTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.bump(ctx)
	s.record(ctx, in.ActorID, "lots:transfer", in.TransferID, map[string]any{
		"product_id": in.ProductID,
		"src":        in.SrcWarehouse,
		"dst":        in.DstWarehouse,
		"qty":        in.Qty.String(),
		"whole_lot":  res.WholeLot != nil,
	})
	return res, nil
}

// TransferTx is the composable form of Transfer.
func (s *Service) TransferTx(ctx context.Context, tx TxRepository, in TransferInput) (TransferResult, error) {
	if in.SrcWarehouse == 0 || in.DstWarehouse == 0 || in.ProductID == 0 {
		return TransferResult{}, fmt.Errorf("%w: warehouses and product required", ErrValidation)
	}
	if in.SrcWarehouse == in.DstWarehouse {
		return TransferResult{}, fmt.Errorf("%w: origin equals destination", ErrInvalidTransfer)
	}
	if !in.Qty.IsPositive() {
		return TransferResult{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if in.TransferID == "" {
		return TransferResult{}, fmt.Errorf("%w: transfer id required", ErrValidation)
	}
	if _, err := uuid.Parse(in.TransferID); err != nil {
		return TransferResult{}, fmt.Errorf("%w: invalid transfer id: %v", ErrValidation, err)
	}

	qty := in.Qty.Round(QtyScale)

	whole, err := tx.FindWholeLotForUpdate(ctx, in.SrcWarehouse, in.ProductID, qty)
	if err == nil {
		moved, err := s.relocate(ctx, tx, whole, in.DstWarehouse, in.TransferID)
		if err != nil {
			return TransferResult{}, err
		}
		return TransferResult{
			WholeLot:  &moved,
			TotalCost: moved.CurrentQty.Mul(moved.UnitCostBase).Round(CostScale),
		}, nil
	}
	if !errors.Is(err, ErrLotNotFound) {
		return TransferResult{}, err
	}

	consumptions, sources, total, err := s.consumeLocked(ctx, tx, ConsumeInput{
		WarehouseID: in.SrcWarehouse,
		ProductID:   in.ProductID,
		Qty:         qty,
		Kind:        ConsumptionTransfer,
		Ref:         TransferLineRef(in.TransferID),
	})
	if err != nil {
		return TransferResult{}, err
	}

	entryDate := s.today()
	created := make([]Lot, 0, len(consumptions))
	for i, cons := range consumptions {
		src := sources[i]
		code, _ := deterministicLotCode(SourceTransfer, in.TransferID, i+1)
		lot := Lot{
			Code:         code,
			ProductID:    in.ProductID,
			WarehouseID:  in.DstWarehouse,
			InitialQty:   cons.Qty,
			CurrentQty:   cons.Qty,
			UnitCostBase: src.UnitCostBase,
			CurrencyID:   src.CurrencyID,
			UnitCost:     src.UnitCost,
			ExchangeRate: src.ExchangeRate,
			SourceType:   SourceTransfer,
			SourceID:     in.TransferID,
			SourceLotID:  src.ID,
			EntryDate:    entryDate,
			Status:       StatusActive,
		}
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return TransferResult{}, err
		}
		lot.ID = id
		created = append(created, lot)
	}

	if err := applyBalanceDeltas(ctx, tx,
		balanceDelta{in.SrcWarehouse, in.ProductID, qty.Neg()},
		balanceDelta{in.DstWarehouse, in.ProductID, qty}); err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Consumptions: consumptions, CreatedLots: created, TotalCost: total}, nil
}

// VisibleStock returns ACTIVE plus LOCKED quantity for the pair, served from
// the redis snapshot when warm.
func (s *Service) VisibleStock(ctx context.Context, warehouseID, productID int64) (decimal.Decimal, error) {
	return s.stockThroughSnapshot(ctx, "visible", warehouseID, productID, s.repo.VisibleStock)
}

// SellableStock returns ACTIVE quantity only. FIFO-dependent callers must
// use this figure.
func (s *Service) SellableStock(ctx context.Context, warehouseID, productID int64) (decimal.Decimal, error) {
	return s.stockThroughSnapshot(ctx, "sellable", warehouseID, productID, s.repo.SellableStock)
}

func (s *Service) stockThroughSnapshot(ctx context.Context, kind string, warehouseID, productID int64,
	load func(context.Context, int64, int64) (decimal.Decimal, error)) (decimal.Decimal, error) {
	if warehouseID == 0 || productID == 0 {
		return decimal.Zero, fmt.Errorf("%w: warehouse and product required", ErrValidation)
	}
	if s.snapshots == nil {
		return load(ctx, warehouseID, productID)
	}
	key, err := s.snapshots.BuildKey(ctx, "stock", kind,
		fmt.Sprintf("%d", warehouseID), fmt.Sprintf("%d", productID))
	if err != nil {
		return load(ctx, warehouseID, productID)
	}
	var qty decimal.Decimal
	err = s.snapshots.FetchJSON(ctx, key, &qty, func(ctx context.Context) (any, error) {
		return load(ctx, warehouseID, productID)
	})
	return qty, err
}

// GetLot loads one lot by code.
func (s *Service) GetLot(ctx context.Context, code string) (Lot, error) {
	if code == "" {
		return Lot{}, fmt.Errorf("%w: lot code required", ErrValidation)
	}
	return s.repo.GetLotByCode(ctx, code)
}

// ListLots lists lots in FIFO order.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	return s.repo.ListLots(ctx, filter)
}

// HasConsumptions reports whether any deduction was taken from the lot.
func (s *Service) HasConsumptions(ctx context.Context, code string) (bool, error) {
	if code == "" {
		return false, fmt.Errorf("%w: lot code required", ErrValidation)
	}
	return s.repo.HasConsumptions(ctx, code)
}

func validateCostBasis(currencyID string, unitCost, exchangeRate decimal.Decimal) error {
	if currencyID == "" {
		return fmt.Errorf("%w: currency required", ErrValidation)
	}
	if _, err := currency.ParseISO(currencyID); err != nil {
		return fmt.Errorf("%w: unknown currency %q", ErrValidation, currencyID)
	}
	if !unitCost.IsPositive() {
		return fmt.Errorf("%w: unit cost must be positive", ErrValidation)
	}
	if !exchangeRate.IsPositive() {
		return fmt.Errorf("%w: exchange rate must be positive", ErrValidation)
	}
	return nil
}

// balanceDelta is one pending cache adjustment for a (warehouse, product)
// row.
type balanceDelta struct {
	WarehouseID int64
	ProductID   int64
	Delta       decimal.Decimal
}

// applyBalanceDeltas merges deltas per cache row and locks the rows in
// ascending (warehouse, product) order. The fixed order is what prevents two
// opposite-direction transfers over the same warehouse pair from deadlocking
// on each other's cache rows.
func applyBalanceDeltas(ctx context.Context, tx TxRepository, deltas ...balanceDelta) error {
	type row struct{ warehouseID, productID int64 }
	merged := make(map[row]decimal.Decimal, len(deltas))
	for _, d := range deltas {
		key := row{d.WarehouseID, d.ProductID}
		merged[key] = merged[key].Add(d.Delta)
	}
	rows := make([]row, 0, len(merged))
	for key := range merged {
		rows = append(rows, key)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].warehouseID != rows[j].warehouseID {
			return rows[i].warehouseID < rows[j].warehouseID
		}
		return rows[i].productID < rows[j].productID
	})

	for _, key := range rows {
		bal, err := tx.EnsureBalanceForUpdate(ctx, key.warehouseID, key.productID)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, key.warehouseID, key.productID, bal.Qty.Add(merged[key])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) today() time.Time {
	now := s.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Service) bump(ctx context.Context) {
	if s.snapshots != nil {
		_ = s.snapshots.Bump(ctx)
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if entityID == "" {
		entityID = "-"
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "lot",
		EntityID: entityID,
		Meta:     meta,
	})
}
