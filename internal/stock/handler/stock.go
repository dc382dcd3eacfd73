package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmstock/internal/stock/service"
	apperrors "github.com/medflow/pharmstock/pkg/errors"
	"github.com/medflow/pharmstock/pkg/httputil"
	"github.com/medflow/pharmstock/pkg/logger"
)

// StockHandler handles drug, lot and ledger endpoints
type StockHandler struct {
	service *service.StockService
	logger  *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(svc *service.StockService, log *logger.Logger) *StockHandler {
	return &StockHandler{
		service: svc,
		logger:  log,
	}
}

// Routes returns the router mounted at /api/v1/stock
func (h *StockHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/drugs", func(r chi.Router) {
		r.Get("/", h.ListDrugs)
		r.Post("/", h.CreateDrug)
		r.Get("/{id}", h.GetDrug)
		r.Put("/{id}", h.UpdateDrug)
		r.Delete("/{id}", h.DeleteDrug)
		r.Get("/{id}/lots", h.ListLots)
		r.Post("/{id}/sell", h.Sell)
		r.Post("/{id}/restock", h.Restock)
		r.Post("/{id}/adjust", h.Adjust)
		r.Post("/{id}/write-off", h.WriteOff)
		r.Get("/{id}/reorder", h.Reorder)
	})

	r.Get("/movements", h.ListMovements)
	r.Get("/sales", h.ListSales)
	r.Get("/valuation", h.Valuation)

	return r
}

func (h *StockHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := toAppError(err)
	var appErr *apperrors.AppError
	if !errors.As(mapped, &appErr) {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled stock error")
	}
	httputil.Error(w, mapped)
}

// ListDrugs lists drugs
func (h *StockHandler) ListDrugs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lowStock, err := httputil.QueryBool(r, "low_stock")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	drugs, err := h.service.ListDrugs(r.Context(), service.ListDrugsRequest{
		Search:       q.Get("search"),
		Manufacturer: q.Get("manufacturer"),
		BatchNumber:  q.Get("batch_number"),
		LowStock:     lowStock,
		Expiry:       strings.ToLower(q.Get("expiry")),
		Sort:         strings.ToLower(q.Get("sort")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, drugs, &httputil.Meta{Total: int64(len(drugs))})
}

// CreateDrug creates a drug with optional starting stock
func (h *StockHandler) CreateDrug(w http.ResponseWriter, r *http.Request) {
	var req CreateDrugRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	qty, err := quantity("quantity", req.Quantity)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	expiry, err := optionalDate("expiry_date", req.ExpiryDate)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	drug, err := h.service.CreateDrug(r.Context(), service.CreateDrugRequest{
		Name:         req.Name,
		BatchNumber:  req.BatchNumber,
		Manufacturer: req.Manufacturer,
		BarcodeQR:    req.BarcodeQR,
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		ReorderLevel: req.ReorderLevel,
		TrackLots:    req.TrackLots,
		Quantity:     qty,
		ExpiryDate:   expiry,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.Created(w, drug)
}

// GetDrug gets a drug by ID
func (h *StockHandler) GetDrug(w http.ResponseWriter, r *http.Request) {
	drug, err := h.service.GetDrug(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drug)
}

// UpdateDrug updates catalog fields of a drug
func (h *StockHandler) UpdateDrug(w http.ResponseWriter, r *http.Request) {
	var req UpdateDrugRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	update := service.UpdateDrugRequest{
		Name:         req.Name,
		BatchNumber:  req.BatchNumber,
		Manufacturer: req.Manufacturer,
		BarcodeQR:    req.BarcodeQR,
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		ReorderLevel: req.ReorderLevel,
	}
	if req.ExpiryDate != nil {
		expiry, err := optionalDate("expiry_date", *req.ExpiryDate)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		update.ExpiryDate = expiry
	}

	drug, err := h.service.UpdateDrug(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drug)
}

// DeleteDrug deletes a drug and its lots
func (h *StockHandler) DeleteDrug(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteDrug(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.NoContent(w)
}

// ListLots lists the lots of a drug
func (h *StockHandler) ListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.service.ListLots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// Sell records a sale
func (h *StockHandler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	qty, err := quantity("quantity", req.Quantity)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.service.Sell(r.Context(), service.SellRequest{
		DrugID:         chi.URLParam(r, "id"),
		Quantity:       qty,
		Policy:         req.Policy,
		ExcludeExpired: req.ExcludeExpired,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Restock books incoming stock
func (h *StockHandler) Restock(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	qty, err := quantity("quantity", req.Quantity)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	expiry, err := parseDate("expiry_date", req.ExpiryDate)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	movement, err := h.service.Restock(r.Context(), service.RestockRequest{
		DrugID:      chi.URLParam(r, "id"),
		Quantity:    qty,
		BatchNumber: req.BatchNumber,
		ExpiryDate:  expiry,
		CostPrice:   req.CostPrice,
		Reference:   req.Reference,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.Created(w, movement)
}

// Adjust records a manual stock correction
func (h *StockHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}
	delta, err := quantity("delta", req.Delta)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	movements, err := h.service.Adjust(r.Context(), service.AdjustRequest{
		DrugID: chi.URLParam(r, "id"),
		LotID:  req.LotID,
		Delta:  delta,
		Reason: req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movements)
}

// WriteOff zeroes expired lots. ?as_of defaults to now.
func (h *StockHandler) WriteOff(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseDate("as_of", r.URL.Query().Get("as_of"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	movements, err := h.service.WriteOffExpired(r.Context(), chi.URLParam(r, "id"), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movements)
}

// Reorder computes the economic order quantity for a drug
func (h *StockHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	orderingCost, err := httputil.QueryFloat(r, "ordering_cost", 0)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	holdingCost, err := httputil.QueryFloat(r, "holding_cost", 0)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	demand, err := httputil.QueryInt(r, "annual_demand", 0)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	suggestion, err := h.service.ReorderSuggestion(r.Context(), service.ReorderRequest{
		DrugID:       chi.URLParam(r, "id"),
		OrderingCost: orderingCost,
		HoldingCost:  holdingCost,
		AnnualDemand: demand,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, suggestion)
}

// ListMovements lists ledger entries, most recent first
func (h *StockHandler) ListMovements(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 0)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	movements, err := h.service.ListMovements(r.Context(), r.URL.Query().Get("drug_id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, movements, &httputil.Meta{Total: int64(len(movements))})
}

// ListSales lists sales, most recent first
func (h *StockHandler) ListSales(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 0)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	sales, err := h.service.ListSales(r.Context(), r.URL.Query().Get("drug_id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, sales, &httputil.Meta{Total: int64(len(sales))})
}

// Valuation values the stock on hand
func (h *StockHandler) Valuation(w http.ResponseWriter, r *http.Request) {
	valuation, err := h.service.StockValuation(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, valuation)
}
