package lots

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/kardex-erp/kardex-erp/internal/testing/guard"
)

func newTestServer(t *testing.T) (*memoryRepo, *Service, *httptest.Server) {
	t.Helper()
	repo := newMemoryRepo()
	svc := newTestService(repo)
	handler := NewHandler(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), svc, nil)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return repo, svc, srv
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHandlerCreateAndFetchLot(t *testing.T) {
	_, _, srv := newTestServer(t)
	purchaseID := uuid.NewString()

	resp := postJSON(t, srv.URL+"/lots", map[string]any{
		"product_id":    1,
		"warehouse_id":  1,
		"qty":           "25.000",
		"currency_id":   "USD",
		"unit_cost":     "9.5",
		"exchange_rate": "1",
		"source_type":   "PURCHASE",
		"source_id":     purchaseID,
		"source_line":   1,
		"entry_date":    "2026-01-05",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created lotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "ACTIVE", created.Status)
	require.Equal(t, "9.5", created.UnitCostBase)

	get, err := http.Get(srv.URL + "/lots/" + created.Code)
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	stock, err := http.Get(srv.URL + "/stock?warehouse_id=1&product_id=1")
	require.NoError(t, err)
	defer stock.Body.Close()
	var figures map[string]string
	require.NoError(t, json.NewDecoder(stock.Body).Decode(&figures))
	require.Equal(t, "25", figures["visible"])
	require.Equal(t, "25", figures["sellable"])
}

func TestHandlerErrorMapping(t *testing.T) {
	_, svc, srv := newTestServer(t)

	// Unknown lot.
	resp, err := http.Get(srv.URL + "/lots/LOT-MISSING")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Oversell maps to conflict.
	seedLot(t, svc, 1, "5", "10", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	resp = postJSON(t, srv.URL+"/consumptions", map[string]any{
		"warehouse_id": 1,
		"product_id":   1,
		"qty":          "9",
		"kind":         "SALE",
		"ref_kind":     "SALE_LINE",
		"ref_id":       "line-1",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Malformed payload.
	resp = postJSON(t, srv.URL+"/transfers", map[string]any{
		"product_id":       1,
		"src_warehouse_id": 1,
		"dst_warehouse_id": 2,
		"qty":              "1",
		"transfer_id":      "nope",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerDuplicateLotCodeMapsToConflict(t *testing.T) {
	handler := NewHandler(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/lots", nil)

	handler.respondError(rec, req, "create lot", fmt.Errorf("%w: lots_code_key", ErrDuplicateLotCode))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerConsumeFlow(t *testing.T) {
	repo, svc, srv := newTestServer(t)
	seedLot(t, svc, 1, "10", "10", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))

	resp := postJSON(t, srv.URL+"/consumptions", map[string]any{
		"warehouse_id": 1,
		"product_id":   1,
		"qty":          "4",
		"kind":         "SALE",
		"ref_kind":     "SALE_LINE",
		"ref_id":       "line-7",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Consumptions []consumptionResponse `json:"consumptions"`
		TotalCost    string                `json:"total_cost"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Consumptions, 1)
	require.Equal(t, "40", payload.TotalCost)
	require.True(t, repo.balances[balKey(1, 1)].Equal(dec("6")))
}
