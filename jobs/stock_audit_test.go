package jobs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/kardex-erp/kardex-erp/internal/jobs"
	_ "github.com/kardex-erp/kardex-erp/internal/testing/guard"
)

type fakeAuditStore struct {
	warehouses []int64
	balances   map[string]decimal.Decimal
	totals     map[string]decimal.Decimal
	repaired   map[string]decimal.Decimal
}

func auditKey(warehouseID, productID int64) string {
	return fmt.Sprintf("%d:%d", warehouseID, productID)
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{
		balances: map[string]decimal.Decimal{},
		totals:   map[string]decimal.Decimal{},
		repaired: map[string]decimal.Decimal{},
	}
}

func (s *fakeAuditStore) Warehouses(ctx context.Context) ([]int64, error) {
	return s.warehouses, nil
}

func (s *fakeAuditStore) rowsFor(src map[string]decimal.Decimal, warehouseID int64) map[int64]decimal.Decimal {
	out := map[int64]decimal.Decimal{}
	for key, qty := range src {
		var wh, product int64
		if _, err := fmt.Sscanf(key, "%d:%d", &wh, &product); err != nil {
			continue
		}
		if wh == warehouseID {
			out[product] = qty
		}
	}
	return out
}

func (s *fakeAuditStore) BalanceRows(ctx context.Context, warehouseID int64) (map[int64]decimal.Decimal, error) {
	return s.rowsFor(s.balances, warehouseID), nil
}

func (s *fakeAuditStore) LotTotals(ctx context.Context, warehouseID int64) (map[int64]decimal.Decimal, error) {
	return s.rowsFor(s.totals, warehouseID), nil
}

func (s *fakeAuditStore) RepairBalance(ctx context.Context, warehouseID, productID int64, qty decimal.Decimal) error {
	s.repaired[auditKey(warehouseID, productID)] = qty
	return nil
}

func testLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

func TestStockAuditDetectsDrift(t *testing.T) {
	store := newFakeAuditStore()
	store.warehouses = []int64{1, 2}
	store.balances[auditKey(1, 10)] = decimal.NewFromInt(50)
	store.totals[auditKey(1, 10)] = decimal.NewFromInt(50)
	// Cache says 30, ledger says 45.
	store.balances[auditKey(2, 10)] = decimal.NewFromInt(30)
	store.totals[auditKey(2, 10)] = decimal.NewFromInt(45)
	// Cache row with no live lots behind it.
	store.balances[auditKey(2, 11)] = decimal.NewFromInt(7)

	logger, buf := testLogger()
	registry := prometheus.NewRegistry()
	auditor := NewStockAuditor(store, logger, jobmetrics.NewMetrics(registry))

	require.NoError(t, auditor.Run(context.Background(), StockAuditPayload{}))
	require.Contains(t, buf.String(), "stock balance drift")
	require.Empty(t, store.repaired)

	drift, err := testutil.GatherAndCount(registry, "kardex_stock_drift_total")
	require.NoError(t, err)
	require.Equal(t, 1, drift)
}

func TestStockAuditRepairsWhenAsked(t *testing.T) {
	store := newFakeAuditStore()
	store.balances[auditKey(3, 10)] = decimal.NewFromInt(30)
	store.totals[auditKey(3, 10)] = decimal.NewFromInt(45)
	store.balances[auditKey(3, 11)] = decimal.NewFromInt(7)

	logger, _ := testLogger()
	auditor := NewStockAuditor(store, logger, nil)

	require.NoError(t, auditor.Run(context.Background(), StockAuditPayload{WarehouseID: 3, Repair: true}))
	require.True(t, store.repaired[auditKey(3, 10)].Equal(decimal.NewFromInt(45)))
	require.True(t, store.repaired[auditKey(3, 11)].IsZero())
}

func TestStockAuditCleanRunIsQuiet(t *testing.T) {
	store := newFakeAuditStore()
	store.warehouses = []int64{1}
	store.balances[auditKey(1, 10)] = decimal.NewFromInt(12)
	store.totals[auditKey(1, 10)] = decimal.NewFromInt(12)

	logger, buf := testLogger()
	auditor := NewStockAuditor(store, logger, nil)

	require.NoError(t, auditor.Run(context.Background(), StockAuditPayload{}))
	require.NotContains(t, buf.String(), "drift")
}
