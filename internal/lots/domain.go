package lots

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quantities are stored with three decimal places, money with four. Every
// arithmetic result is rounded to these scales before it is persisted so
// repeated consumptions against the same lot cannot accumulate drift.
const (
	QtyScale  = 3
	CostScale = 4
)

// LotStatus tracks the lot lifecycle: LOCKED -> ACTIVE -> EXHAUSTED.
type LotStatus string

const (
	// StatusLocked marks stock received before its cost is known. Locked
	// lots count toward visible stock but are never consumable.
	StatusLocked LotStatus = "LOCKED"
	// StatusActive marks priced stock eligible for FIFO consumption.
	StatusActive LotStatus = "ACTIVE"
	// StatusExhausted is terminal: the lot reached zero remaining quantity.
	StatusExhausted LotStatus = "EXHAUSTED"
)

// SourceType identifies the document kind that created a lot.
type SourceType string

const (
	SourcePurchase   SourceType = "PURCHASE"
	SourceTransfer   SourceType = "TRANSFER"
	SourceAdjustment SourceType = "ADJUSTMENT"
	SourceMigration  SourceType = "MIGRATION"
)

// ConsumptionKind identifies why quantity left a lot.
type ConsumptionKind string

const (
	ConsumptionSale         ConsumptionKind = "SALE"
	ConsumptionTransfer     ConsumptionKind = "TRANSFER"
	ConsumptionAdjustment   ConsumptionKind = "ADJUST"
	ConsumptionCancellation ConsumptionKind = "CANCEL"
)

// RefKind is the closed set of caller document lines a consumption may
// point back to.
type RefKind string

const (
	RefSaleLine       RefKind = "SALE_LINE"
	RefTransferLine   RefKind = "TRANSFER_LINE"
	RefAdjustmentLine RefKind = "ADJUSTMENT_LINE"
	RefCancellation   RefKind = "CANCELLATION"
)

// ConsumptionRef points a consumption at the caller document line that
// triggered it. Construct values through the typed helpers below so new
// reference kinds cannot slip in as bare strings.
type ConsumptionRef struct {
	Kind RefKind
	ID   string
}

// SaleLineRef references a sale line by id.
func SaleLineRef(id string) ConsumptionRef {
	return ConsumptionRef{Kind: RefSaleLine, ID: id}
}

// TransferLineRef references a transfer line by id.
func TransferLineRef(id string) ConsumptionRef {
	return ConsumptionRef{Kind: RefTransferLine, ID: id}
}

// AdjustmentLineRef references an adjustment line by id.
func AdjustmentLineRef(id string) ConsumptionRef {
	return ConsumptionRef{Kind: RefAdjustmentLine, ID: id}
}

// CancellationRef references the cancellation document that caused a
// restitution.
func CancellationRef(id string) ConsumptionRef {
	return ConsumptionRef{Kind: RefCancellation, ID: id}
}

// Zero reports whether the reference is unset.
func (r ConsumptionRef) Zero() bool {
	return r.Kind == "" && r.ID == ""
}

// Lot is a batch of stock that entered a warehouse at a point in time with a
// fixed unit cost. InitialQty never changes after creation; CurrentQty only
// decreases (reversal creates new lots instead of growing old ones).
type Lot struct {
	ID          int64
	Code        string
	ProductID   int64
	WarehouseID int64

	InitialQty decimal.Decimal
	CurrentQty decimal.Decimal

	// Cost basis. UnitCostBase is the only field FIFO math uses; the
	// original currency, cost and rate are kept for audit.
	UnitCostBase decimal.Decimal
	CurrencyID   string
	UnitCost     decimal.Decimal
	ExchangeRate decimal.Decimal

	SourceType  SourceType
	SourceID    string
	SourceLotID int64 // lineage only, never ownership

	// EntryDate orders FIFO candidates and drives inventory aging. It is
	// the receipt date, not the row creation instant.
	EntryDate time.Time
	Status    LotStatus
	CreatedAt time.Time
}

// Consumption is an immutable record of a deduction taken from a lot,
// priced at the lot's unit cost at the moment of consumption.
type Consumption struct {
	ID           int64
	LotID        int64
	LotCode      string
	Kind         ConsumptionKind
	Ref          ConsumptionRef
	Qty          decimal.Decimal
	UnitCostBase decimal.Decimal
	LineCost     decimal.Decimal
	CreatedAt    time.Time
}

// StockBalance is the denormalized running total for one
// (warehouse, product) pair. It counts ACTIVE and LOCKED lots.
type StockBalance struct {
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	UpdatedAt   time.Time
}

// Relocation records a whole-lot move between warehouses. Transfer
// cancellation uses it to find the lots a transfer relocated and the
// quantity they carried at move time.
type Relocation struct {
	ID              int64
	LotID           int64
	FromWarehouseID int64
	ToWarehouseID   int64
	TransferID      string
	Qty             decimal.Decimal
	MovedAt         time.Time
	Reversed        bool
}

// CreateLotInput describes a lot to be created.
type CreateLotInput struct {
	ProductID   int64
	WarehouseID int64
	Qty         decimal.Decimal

	CurrencyID   string
	UnitCost     decimal.Decimal
	ExchangeRate decimal.Decimal

	SourceType SourceType
	SourceID   string
	SourceLine int
	SourceLot  int64

	EntryDate time.Time
	Locked    bool
	ActorID   int64
}

// ConsumeInput describes a FIFO consumption request.
type ConsumeInput struct {
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	Kind        ConsumptionKind
	Ref         ConsumptionRef
	ActorID     int64
}

// ConsumeResult is the per-lot breakdown of a consumption. TotalCost is the
// weighted real cost across every lot touched; it is not a unit price.
type ConsumeResult struct {
	Consumptions []Consumption
	TotalCost    decimal.Decimal
}

// TransferInput describes a cross-warehouse stock move.
type TransferInput struct {
	ProductID    int64
	SrcWarehouse int64
	DstWarehouse int64
	Qty          decimal.Decimal
	TransferID   string
	ActorID      int64
}

// TransferResult reports how a transfer was satisfied: either one whole lot
// relocated intact, or one destination lot per origin lot consumed.
type TransferResult struct {
	WholeLot     *Lot
	Consumptions []Consumption
	CreatedLots  []Lot
	TotalCost    decimal.Decimal
}

// LotFilter narrows lot listings.
type LotFilter struct {
	WarehouseID int64
	ProductID   int64
	Status      LotStatus
	Limit       int
}
