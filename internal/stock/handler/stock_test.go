package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmstock/internal/stock/handler"
	"github.com/medflow/pharmstock/internal/stock/service"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/httputil"
	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/medflow/pharmstock/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *httputil.ErrorBody `json:"error"`
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	now := func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	svc := service.NewStockService(store.NewMemory(), nil, nil, service.Options{Now: now}, logger.Nop())
	h := handler.NewStockHandler(svc, logger.Nop())

	r := chi.NewRouter()
	r.Use(httputil.ActorMiddleware)
	r.Mount("/api/v1/stock", h.Routes())
	return r
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	req := testutil.WithActorHeaders(testutil.NewHTTPRequest(method, path, body), "user-42", "Kwame Boateng")
	rec := testutil.ExecuteRequest(router, req)

	var env envelope
	if rec.Body.Len() > 0 {
		testutil.ParseJSONBody(t, rec, &env)
	}
	return rec, env
}

func createDrug(t *testing.T, router http.Handler, body map[string]interface{}) string {
	t.Helper()
	rec, env := do(t, router, http.MethodPost, "/api/v1/stock/drugs", body)
	testutil.AssertStatus(t, rec, http.StatusCreated)
	require.Equal(t, http.StatusCreated, rec.Code)

	var drug struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &drug))
	return drug.ID
}

func TestSellEndpoint(t *testing.T) {
	router := newTestRouter(t)
	id := createDrug(t, router, map[string]interface{}{
		"name": "Paracetamol", "selling_price": "8.00", "quantity": 10,
	})

	rec, env := do(t, router, http.MethodPost, "/api/v1/stock/drugs/"+id+"/sell", map[string]interface{}{"quantity": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, env.Success)

	var result struct {
		SoldQuantity int    `json:"sold_quantity"`
		TotalAmount  string `json:"total_amount"`
		Sale         struct {
			SoldBy     string `json:"sold_by"`
			SoldByName string `json:"sold_by_name"`
		} `json:"sale"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 5, result.SoldQuantity)
	assert.Equal(t, "40", result.TotalAmount)
	assert.Equal(t, "user-42", result.Sale.SoldBy)
	assert.Equal(t, "Kwame Boateng", result.Sale.SoldByName)
}

func TestSellEndpoint_Errors(t *testing.T) {
	router := newTestRouter(t)
	id := createDrug(t, router, map[string]interface{}{
		"name": "Ibuprofen", "selling_price": "2.00", "quantity": 3,
	})

	tests := []struct {
		name     string
		path     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{"insufficient stock", "/api/v1/stock/drugs/" + id + "/sell", map[string]interface{}{"quantity": 4}, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{"zero quantity", "/api/v1/stock/drugs/" + id + "/sell", map[string]interface{}{"quantity": 0}, http.StatusBadRequest, "INVALID_QUANTITY"},
		{"fractional quantity", "/api/v1/stock/drugs/" + id + "/sell", `{"quantity": 1.5}`, http.StatusBadRequest, "INVALID_QUANTITY"},
		{"quantity beyond range", "/api/v1/stock/drugs/" + id + "/restock", `{"quantity": 9223372036854775807}`, http.StatusBadRequest, "INVALID_QUANTITY"},
		{"delta beyond range", "/api/v1/stock/drugs/" + id + "/adjust", `{"delta": -3000000000}`, http.StatusBadRequest, "INVALID_QUANTITY"},
		{"unknown policy", "/api/v1/stock/drugs/" + id + "/sell", map[string]interface{}{"quantity": 1, "policy": "LIFO"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown drug", "/api/v1/stock/drugs/nope/sell", map[string]interface{}{"quantity": 1}, http.StatusNotFound, "NOT_FOUND"},
		{"malformed body", "/api/v1/stock/drugs/" + id + "/sell", `{"quantity":`, http.StatusBadRequest, "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantErr, env.Error.Code)
		})
	}

	t.Run("insufficient stock reports availability", func(t *testing.T) {
		_, env := do(t, router, http.MethodPost, "/api/v1/stock/drugs/"+id+"/sell", map[string]interface{}{"quantity": 4})
		require.NotNil(t, env.Error)
		assert.Equal(t, "3", env.Error.Details["available"])
		assert.Equal(t, "4", env.Error.Details["requested"])
	})
}

func TestLotLifecycleEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := createDrug(t, router, map[string]interface{}{
		"name": "Amoxicillin", "selling_price": "5.00", "track_lots": true,
		"batch_number": "AMX-1", "quantity": 10, "expiry_date": "2025-01-01",
	})

	rec, _ := do(t, router, http.MethodPost, "/api/v1/stock/drugs/"+id+"/restock", map[string]interface{}{
		"quantity": 10, "batch_number": "AMX-2", "expiry_date": "2025-06-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = do(t, router, http.MethodPost, "/api/v1/stock/drugs/"+id+"/restock", map[string]interface{}{"quantity": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "lot-tracked restock needs an expiry date")

	rec, env := do(t, router, http.MethodPost, "/api/v1/stock/drugs/"+id+"/sell", map[string]interface{}{"quantity": 15, "policy": "FEFO"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sale struct {
		Plan struct {
			Deductions []struct {
				BatchNumber string `json:"batch_number"`
				Quantity    int    `json:"quantity"`
			} `json:"deductions"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sale))
	require.Len(t, sale.Plan.Deductions, 2)
	assert.Equal(t, "AMX-1", sale.Plan.Deductions[0].BatchNumber)
	assert.Equal(t, 10, sale.Plan.Deductions[0].Quantity)

	rec, env = do(t, router, http.MethodGet, "/api/v1/stock/drugs/"+id+"/lots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lots []struct {
		BatchNumber string `json:"batch_number"`
		Quantity    int    `json:"quantity"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &lots))
	require.Len(t, lots, 2)
	assert.Equal(t, 0, lots[0].Quantity)
	assert.Equal(t, 5, lots[1].Quantity)

	rec, _ = do(t, router, http.MethodPost, "/api/v1/stock/drugs/"+id+"/adjust", map[string]interface{}{"delta": -2, "reason": "Broken vial"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = do(t, router, http.MethodGet, "/api/v1/stock/movements?drug_id="+id+"&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var movements []struct {
		Type      string `json:"type"`
		Reference string `json:"reference"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &movements))
	require.Len(t, movements, 2)
	assert.Equal(t, "ADJUSTMENT", movements[0].Type)
	assert.Equal(t, "Broken vial", movements[0].Reference)
	assert.Equal(t, "SALE", movements[1].Type)
}

func TestDrugCatalogEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := createDrug(t, router, map[string]interface{}{
		"name": "Cetirizine", "manufacturer": "Acme", "selling_price": "1.10", "quantity": 2,
	})

	rec, env := do(t, router, http.MethodGet, "/api/v1/stock/drugs?low_stock=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drugs []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &drugs))
	require.Len(t, drugs, 1)
	assert.Equal(t, "low_stock", drugs[0].Status)

	rec, _ = do(t, router, http.MethodGet, "/api/v1/stock/drugs?sort=price", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, router, http.MethodPut, "/api/v1/stock/drugs/"+id, map[string]interface{}{"reorder_level": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated struct {
		Quantity int    `json:"quantity"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, 2, updated.Quantity)
	assert.Equal(t, "in_stock", updated.Status)

	rec, _ = do(t, router, http.MethodPut, "/api/v1/stock/drugs/"+id, map[string]interface{}{"quantity": 99})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "quantity is not an editable field")

	rec, env = do(t, router, http.MethodPost, "/api/v1/stock/drugs", map[string]interface{}{"selling_price": "1.00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Details, "name")

	rec, _ = do(t, router, http.MethodDelete, "/api/v1/stock/drugs/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/api/v1/stock/drugs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = do(t, router, http.MethodGet, "/api/v1/stock/movements?drug_id="+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(string(env.Data), "Initial stock"), "ledger survives deletion")
}

func TestReportEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := createDrug(t, router, map[string]interface{}{
		"name": "Metformin", "cost_price": "0.50", "selling_price": "1.00", "quantity": 100,
	})

	rec, env := do(t, router, http.MethodGet, "/api/v1/stock/valuation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var valuation struct {
		TotalCostValue   string `json:"total_cost_value"`
		TotalRetailValue string `json:"total_retail_value"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &valuation))
	assert.Equal(t, "50", valuation.TotalCostValue)
	assert.Equal(t, "100", valuation.TotalRetailValue)

	rec, env = do(t, router, http.MethodGet, "/api/v1/stock/drugs/"+id+"/reorder?ordering_cost=50&holding_cost=2&annual_demand=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var suggestion struct {
		EOQ float64 `json:"eoq"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &suggestion))
	assert.Equal(t, 223.61, suggestion.EOQ)

	rec, _ = do(t, router, http.MethodGet, "/api/v1/stock/drugs/"+id+"/reorder?ordering_cost=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/api/v1/stock/drugs/"+id+"/write-off?as_of=2024-05-01", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
