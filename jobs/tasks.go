package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockAudit reconciles stock_balances against the lot ledger.
	TaskStockAudit = "stock:audit"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// StockAuditPayload narrows an audit run to one warehouse, zero meaning all.
type StockAuditPayload struct {
	WarehouseID int64 `json:"warehouse_id"`
	Repair      bool  `json:"repair"`
}

// NewStockAuditTask constructs an Asynq task for a reconciliation run.
func NewStockAuditTask(payload StockAuditPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockAudit, data), nil
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
