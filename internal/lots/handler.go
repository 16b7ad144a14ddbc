package lots

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/kardex-erp/kardex-erp/internal/observability"
	"github.com/kardex-erp/kardex-erp/internal/platform/httpx"
	"github.com/kardex-erp/kardex-erp/internal/shared"
)

// Handler wires the JSON endpoints for the lot engine. Document workflows
// (purchasing, sales, transfer approval) live in the surrounding systems;
// these endpoints expose the engine operations those systems call.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	metrics   *observability.Metrics
}

// NewHandler constructs the lots handler. metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New(), metrics: metrics}
}

// MountRoutes registers lot engine routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/lots", h.handleListLots)
	r.Get("/lots/{code}", h.handleGetLot)
	r.Get("/stock", h.handleStock)

	r.Post("/lots", h.handleCreateLot)
	r.Post("/lots/{code}/unlock", h.handleUnlockLot)
	r.Post("/lots/{code}/relocate", h.handleRelocateLot)
	r.Post("/consumptions", h.handleConsume)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/transfers/{id}/cancel", h.handleCancelTransfer)
	r.Post("/purchases/{id}/cancel", h.handleCancelPurchase)
	r.Post("/sales/cancel", h.handleCancelSale)
}

type createLotRequest struct {
	ProductID    int64  `json:"product_id" validate:"required,gt=0"`
	WarehouseID  int64  `json:"warehouse_id" validate:"required,gt=0"`
	Qty          string `json:"qty" validate:"required"`
	CurrencyID   string `json:"currency_id"`
	UnitCost     string `json:"unit_cost"`
	ExchangeRate string `json:"exchange_rate"`
	SourceType   string `json:"source_type" validate:"required,oneof=PURCHASE TRANSFER ADJUSTMENT MIGRATION"`
	SourceID     string `json:"source_id"`
	SourceLine   int    `json:"source_line"`
	SourceLot    int64  `json:"source_lot"`
	EntryDate    string `json:"entry_date" validate:"required"`
	Locked       bool   `json:"locked"`
}

type unlockLotRequest struct {
	CurrencyID   string `json:"currency_id" validate:"required,len=3"`
	UnitCost     string `json:"unit_cost" validate:"required"`
	ExchangeRate string `json:"exchange_rate" validate:"required"`
}

type relocateLotRequest struct {
	DstWarehouseID int64  `json:"dst_warehouse_id" validate:"required,gt=0"`
	TransferID     string `json:"transfer_id" validate:"required,uuid4"`
}

type consumeRequest struct {
	WarehouseID int64  `json:"warehouse_id" validate:"required,gt=0"`
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	Qty         string `json:"qty" validate:"required"`
	Kind        string `json:"kind" validate:"required,oneof=SALE TRANSFER ADJUST"`
	RefKind     string `json:"ref_kind" validate:"required,oneof=SALE_LINE TRANSFER_LINE ADJUSTMENT_LINE"`
	RefID       string `json:"ref_id" validate:"required"`
}

type transferRequest struct {
	ProductID    int64  `json:"product_id" validate:"required,gt=0"`
	SrcWarehouse int64  `json:"src_warehouse_id" validate:"required,gt=0"`
	DstWarehouse int64  `json:"dst_warehouse_id" validate:"required,gt=0"`
	Qty          string `json:"qty" validate:"required"`
	TransferID   string `json:"transfer_id" validate:"required,uuid4"`
}

type cancelSaleRequest struct {
	WarehouseID int64    `json:"warehouse_id" validate:"required,gt=0"`
	LineRefs    []string `json:"line_refs" validate:"required,min=1,dive,required"`
}

type lotResponse struct {
	ID           int64  `json:"id"`
	Code         string `json:"code"`
	ProductID    int64  `json:"product_id"`
	WarehouseID  int64  `json:"warehouse_id"`
	InitialQty   string `json:"initial_qty"`
	CurrentQty   string `json:"current_qty"`
	UnitCostBase string `json:"unit_cost_base"`
	CurrencyID   string `json:"currency_id,omitempty"`
	UnitCost     string `json:"unit_cost"`
	ExchangeRate string `json:"exchange_rate"`
	SourceType   string `json:"source_type"`
	SourceID     string `json:"source_id,omitempty"`
	SourceLotID  int64  `json:"source_lot_id,omitempty"`
	EntryDate    string `json:"entry_date"`
	Status       string `json:"status"`
}

type consumptionResponse struct {
	ID           int64  `json:"id"`
	LotCode      string `json:"lot_code"`
	Kind         string `json:"kind"`
	RefKind      string `json:"ref_kind"`
	RefID        string `json:"ref_id"`
	Qty          string `json:"qty"`
	UnitCostBase string `json:"unit_cost_base"`
	LineCost     string `json:"line_cost"`
}

func toLotResponse(lot Lot) lotResponse {
	return lotResponse{
		ID:           lot.ID,
		Code:         lot.Code,
		ProductID:    lot.ProductID,
		WarehouseID:  lot.WarehouseID,
		InitialQty:   lot.InitialQty.String(),
		CurrentQty:   lot.CurrentQty.String(),
		UnitCostBase: lot.UnitCostBase.String(),
		CurrencyID:   lot.CurrencyID,
		UnitCost:     lot.UnitCost.String(),
		ExchangeRate: lot.ExchangeRate.String(),
		SourceType:   string(lot.SourceType),
		SourceID:     lot.SourceID,
		SourceLotID:  lot.SourceLotID,
		EntryDate:    lot.EntryDate.Format("2006-01-02"),
		Status:       string(lot.Status),
	}
}

func toConsumptionResponses(consumptions []Consumption) []consumptionResponse {
	out := make([]consumptionResponse, 0, len(consumptions))
	for _, c := range consumptions {
		out = append(out, consumptionResponse{
			ID:           c.ID,
			LotCode:      c.LotCode,
			Kind:         string(c.Kind),
			RefKind:      string(c.Ref.Kind),
			RefID:        c.Ref.ID,
			Qty:          c.Qty.String(),
			UnitCostBase: c.UnitCostBase.String(),
			LineCost:     c.LineCost.String(),
		})
	}
	return out
}

func toLotResponses(lots []Lot) []lotResponse {
	out := make([]lotResponse, 0, len(lots))
	for _, lot := range lots {
		out = append(out, toLotResponse(lot))
	}
	return out
}

func (h *Handler) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal number")
		return
	}
	entryDate, err := time.Parse("2006-01-02", req.EntryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "entry_date must be YYYY-MM-DD")
		return
	}
	in := CreateLotInput{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Qty:         qty,
		CurrencyID:  req.CurrencyID,
		SourceType:  SourceType(req.SourceType),
		SourceID:    req.SourceID,
		SourceLine:  req.SourceLine,
		SourceLot:   req.SourceLot,
		EntryDate:   entryDate,
		Locked:      req.Locked,
		ActorID:     shared.ActorFromContext(r.Context()),
	}
	if req.UnitCost != "" {
		if in.UnitCost, err = decimal.NewFromString(req.UnitCost); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal number")
			return
		}
	}
	if req.ExchangeRate != "" {
		if in.ExchangeRate, err = decimal.NewFromString(req.ExchangeRate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "exchange_rate must be a decimal number")
			return
		}
	}
	lot, err := h.service.CreateLot(r.Context(), in)
	if err != nil {
		h.respondError(w, r, "create lot", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLotResponse(lot))
}

func (h *Handler) handleUnlockLot(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req unlockLotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	unitCost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal number")
		return
	}
	rate, err := decimal.NewFromString(req.ExchangeRate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "exchange_rate must be a decimal number")
		return
	}
	lot, err := h.service.UnlockLot(r.Context(), code, req.CurrencyID, unitCost, rate)
	if err != nil {
		h.respondError(w, r, "unlock lot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) handleRelocateLot(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req relocateLotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lot, err := h.service.MoveWholeLot(r.Context(), code, req.DstWarehouseID, req.TransferID)
	if err != nil {
		h.respondError(w, r, "relocate lot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal number")
		return
	}
	result, err := h.service.ConsumeLots(r.Context(), ConsumeInput{
		WarehouseID: req.WarehouseID,
		ProductID:   req.ProductID,
		Qty:         qty,
		Kind:        ConsumptionKind(req.Kind),
		Ref:         ConsumptionRef{Kind: RefKind(req.RefKind), ID: req.RefID},
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, "consume", err)
		return
	}
	h.metrics.CountConsumption(req.Kind)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"consumptions": toConsumptionResponses(result.Consumptions),
		"total_cost":   result.TotalCost.String(),
	})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal number")
		return
	}
	result, err := h.service.Transfer(r.Context(), TransferInput{
		ProductID:    req.ProductID,
		SrcWarehouse: req.SrcWarehouse,
		DstWarehouse: req.DstWarehouse,
		Qty:          qty,
		TransferID:   req.TransferID,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, "transfer", err)
		return
	}
	payload := map[string]any{
		"total_cost":   result.TotalCost.String(),
		"consumptions": toConsumptionResponses(result.Consumptions),
		"created_lots": toLotResponses(result.CreatedLots),
	}
	if result.WholeLot != nil {
		payload["whole_lot"] = toLotResponse(*result.WholeLot)
	}
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.CancelTransfer(r.Context(), id); err != nil {
		h.respondError(w, r, "cancel transfer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleCancelPurchase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.CancelPurchase(r.Context(), id); err != nil {
		h.respondError(w, r, "cancel purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	var req cancelSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	refs := make([]ConsumptionRef, 0, len(req.LineRefs))
	for _, lineID := range req.LineRefs {
		refs = append(refs, SaleLineRef(lineID))
	}
	created, err := h.service.CancelSale(r.Context(), req.WarehouseID, refs)
	if err != nil {
		h.respondError(w, r, "cancel sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"restitution_lots": toLotResponses(created)})
}

func (h *Handler) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.service.GetLot(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, r, "get lot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LotFilter{
		WarehouseID: parseID(q.Get("warehouse_id")),
		ProductID:   parseID(q.Get("product_id")),
		Status:      LotStatus(q.Get("status")),
		Limit:       int(parseID(q.Get("limit"))),
	}
	lots, err := h.service.ListLots(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, "list lots", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lots": toLotResponses(lots)})
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID := parseID(q.Get("warehouse_id"))
	productID := parseID(q.Get("product_id"))
	if warehouseID == 0 || productID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "warehouse_id and product_id are required")
		return
	}
	visible, err := h.service.VisibleStock(r.Context(), warehouseID, productID)
	if err != nil {
		h.respondError(w, r, "visible stock", err)
		return
	}
	sellable, err := h.service.SellableStock(r.Context(), warehouseID, productID)
	if err != nil {
		h.respondError(w, r, "sellable stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{
		"visible":  visible.String(),
		"sellable": sellable.String(),
	})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTransfer):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrLotNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrHasConsumptions), errors.Is(err, ErrDuplicateLotCode),
		errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusServiceUnavailable, "Concurrency Conflict", "the operation hit a lock conflict, retry")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseID(raw string) int64 {
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
