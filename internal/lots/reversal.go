package lots

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Reversal never rewrites history. Cancelling a document that consumed
// stock produces new restitution lots priced at the cost recorded on the
// original consumption rows; cancelling a document that created stock
// exhausts its lots through ordinary CANCEL consumptions. The consumption
// ledger is append-only on every path.

// CancelSale reverses the consumptions behind the given sale line
// references by creating one restitution lot per consumption at the sale's
// warehouse. Original consumptions and lots stay untouched.
func (s *Service) CancelSale(ctx context.Context, warehouseID int64, refs []ConsumptionRef) ([]Lot, error) {
	var created []Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = s.CancelSaleTx(ctx, tx, warehouseID, refs)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.bump(ctx)
	s.record(ctx, 0, "lots:cancel_sale", refKey(refs), map[string]any{
		"warehouse_id":     warehouseID,
		"restitution_lots": len(created),
	})
	return created, nil
}

// CancelSaleTx is the composable form of CancelSale.
func (s *Service) CancelSaleTx(ctx context.Context, tx TxRepository, warehouseID int64, refs []ConsumptionRef) ([]Lot, error) {
	if warehouseID == 0 {
		return nil, fmt.Errorf("%w: warehouse required", ErrValidation)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: at least one line reference required", ErrValidation)
	}

	var created []Lot
	var deltas []balanceDelta
	for _, ref := range refs {
		if ref.Zero() {
			return nil, fmt.Errorf("%w: empty line reference", ErrValidation)
		}
		consumptions, err := tx.ListConsumptionsByRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		for i, cons := range consumptions {
			lot, err := s.restitute(ctx, tx, warehouseID, cons, ref.ID, i+1)
			if err != nil {
				return nil, err
			}
			created = append(created, lot)
			deltas = append(deltas, balanceDelta{warehouseID, lot.ProductID, cons.Qty})
		}
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("%w: no consumptions recorded for the given references", ErrValidation)
	}
	if err := applyBalanceDeltas(ctx, tx, deltas...); err != nil {
		return nil, err
	}
	return created, nil
}

// restitute creates a new ACTIVE lot reinstating one consumption: same
// quantity, the unit cost captured at consumption time, today's entry date,
// and a lineage pointer back to the consumed lot. The caller is responsible
// for the matching cache delta.
func (s *Service) restitute(ctx context.Context, tx TxRepository, warehouseID int64, cons Consumption, sourceID string, line int) (Lot, error) {
	source, err := tx.GetLotByIDForUpdate(ctx, cons.LotID)
	if err != nil {
		return Lot{}, err
	}
	code, ok := deterministicLotCode(SourceAdjustment, sourceID, line)
	if !ok {
		seq, err := tx.NextLotSequence(ctx)
		if err != nil {
			return Lot{}, err
		}
		code = sequenceLotCode(seq)
	}
	lot := Lot{
		Code:         code,
		ProductID:    source.ProductID,
		WarehouseID:  warehouseID,
		InitialQty:   cons.Qty,
		CurrentQty:   cons.Qty,
		UnitCostBase: cons.UnitCostBase,
		CurrencyID:   source.CurrencyID,
		UnitCost:     source.UnitCost,
		ExchangeRate: source.ExchangeRate,
		SourceType:   SourceAdjustment,
		SourceID:     sourceID,
		SourceLotID:  cons.LotID,
		EntryDate:    s.today(),
		Status:       StatusActive,
	}
	id, err := tx.InsertLot(ctx, lot)
	if err != nil {
		return Lot{}, err
	}
	lot.ID = id
	return lot, nil
}

// CancelPurchase voids every lot a purchase created. It is permitted only
// while all of those lots are untouched; the first consumed lot aborts the
// whole operation.
func (s *Service) CancelPurchase(ctx context.Context, purchaseID string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.CancelPurchaseTx(ctx, tx, purchaseID)
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.record(ctx, 0, "lots:cancel_purchase", purchaseID, nil)
	return nil
}

// CancelPurchaseTx is the composable form of CancelPurchase.
func (s *Service) CancelPurchaseTx(ctx context.Context, tx TxRepository, purchaseID string) error {
	if purchaseID == "" {
		return fmt.Errorf("%w: purchase id required", ErrValidation)
	}
	lots, err := tx.ListLotsBySourceForUpdate(ctx, SourcePurchase, purchaseID)
	if err != nil {
		return err
	}
	if len(lots) == 0 {
		return fmt.Errorf("%w: purchase %s produced no lots", ErrLotNotFound, purchaseID)
	}

	for _, lot := range lots {
		count, err := tx.CountConsumptions(ctx, lot.ID)
		if err != nil {
			return err
		}
		if count > 0 || !lot.CurrentQty.Equal(lot.InitialQty) {
			consumed := lot.InitialQty.Sub(lot.CurrentQty)
			return fmt.Errorf("%w: lot %s already consumed %s units", ErrHasConsumptions, lot.Code, consumed.String())
		}
	}

	deltas := make([]balanceDelta, 0, len(lots))
	for _, lot := range lots {
		if err := s.exhaust(ctx, tx, lot, CancellationRef(purchaseID)); err != nil {
			return err
		}
		deltas = append(deltas, balanceDelta{lot.WarehouseID, lot.ProductID, lot.CurrentQty.Neg()})
	}
	return applyBalanceDeltas(ctx, tx, deltas...)
}

// exhaust zeroes a lot through a CANCEL consumption so the ledger still
// accounts for every unit that ever left it.
func (s *Service) exhaust(ctx context.Context, tx TxRepository, lot Lot, ref ConsumptionRef) error {
	if _, err := tx.InsertConsumption(ctx, Consumption{
		LotID:        lot.ID,
		LotCode:      lot.Code,
		Kind:         ConsumptionCancellation,
		Ref:          ref,
		Qty:          lot.CurrentQty,
		UnitCostBase: lot.UnitCostBase,
		LineCost:     lot.CurrentQty.Mul(lot.UnitCostBase).Round(CostScale),
	}); err != nil {
		return err
	}
	return tx.UpdateLotQuantity(ctx, lot.ID, decimal.Zero, StatusExhausted)
}

// CancelTransfer reverses an accepted transfer. Whole-moved lots go back to
// the origin warehouse; split destination lots are exhausted; the origin
// consumptions are reinstated as restitution lots. Any consumption against
// a destination-side lot blocks the whole cancellation.
func (s *Service) CancelTransfer(ctx context.Context, transferID string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.CancelTransferTx(ctx, tx, transferID)
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.record(ctx, 0, "lots:cancel_transfer", transferID, nil)
	return nil
}

// CancelTransferTx is the composable form of CancelTransfer.
func (s *Service) CancelTransferTx(ctx context.Context, tx TxRepository, transferID string) error {
	if transferID == "" {
		return fmt.Errorf("%w: transfer id required", ErrValidation)
	}
	splitLots, err := tx.ListLotsBySourceForUpdate(ctx, SourceTransfer, transferID)
	if err != nil {
		return err
	}
	relocations, err := tx.ListRelocationsByTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if len(splitLots) == 0 && len(relocations) == 0 {
		return fmt.Errorf("%w: transfer %s produced no lots", ErrLotNotFound, transferID)
	}

	// Guard pass first: reject before any mutation.
	for _, lot := range splitLots {
		count, err := tx.CountConsumptions(ctx, lot.ID)
		if err != nil {
			return err
		}
		if count > 0 {
			consumed := lot.InitialQty.Sub(lot.CurrentQty)
			return fmt.Errorf("%w: destination lot %s already consumed %s units", ErrHasConsumptions, lot.Code, consumed.String())
		}
	}
	moved := make([]Lot, 0, len(relocations))
	for _, rel := range relocations {
		lot, err := tx.GetLotByIDForUpdate(ctx, rel.LotID)
		if err != nil {
			return err
		}
		if !lot.CurrentQty.Equal(rel.Qty) {
			consumed := rel.Qty.Sub(lot.CurrentQty)
			return fmt.Errorf("%w: relocated lot %s already consumed %s units", ErrHasConsumptions, lot.Code, consumed.String())
		}
		moved = append(moved, lot)
	}

	var deltas []balanceDelta

	for i, rel := range relocations {
		lot := moved[i]
		if err := tx.UpdateLotWarehouse(ctx, lot.ID, rel.FromWarehouseID); err != nil {
			return err
		}
		if err := tx.MarkRelocationReversed(ctx, rel.ID); err != nil {
			return err
		}
		deltas = append(deltas,
			balanceDelta{rel.ToWarehouseID, lot.ProductID, rel.Qty.Neg()},
			balanceDelta{rel.FromWarehouseID, lot.ProductID, rel.Qty})
	}

	for _, lot := range splitLots {
		qty := lot.CurrentQty
		if err := s.exhaust(ctx, tx, lot, CancellationRef(transferID)); err != nil {
			return err
		}
		deltas = append(deltas, balanceDelta{lot.WarehouseID, lot.ProductID, qty.Neg()})
	}

	// Reinstate the origin-side consumptions taken at acceptance time.
	originConsumptions, err := tx.ListConsumptionsByRef(ctx, TransferLineRef(transferID))
	if err != nil {
		return err
	}
	for i, cons := range originConsumptions {
		source, err := tx.GetLotByIDForUpdate(ctx, cons.LotID)
		if err != nil {
			return err
		}
		if _, err := s.restitute(ctx, tx, source.WarehouseID, cons, transferID, len(splitLots)+i+1); err != nil {
			return err
		}
		deltas = append(deltas, balanceDelta{source.WarehouseID, source.ProductID, cons.Qty})
	}

	if len(deltas) > 0 {
		return applyBalanceDeltas(ctx, tx, deltas...)
	}
	return nil
}

func refKey(refs []ConsumptionRef) string {
	if len(refs) == 0 {
		return "-"
	}
	return refs[0].ID
}
