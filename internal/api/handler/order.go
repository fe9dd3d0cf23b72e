package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gigmarket/ordersync/internal/api"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/service"
)

// OrderHandler handles order and lifecycle action requests
type OrderHandler struct {
	engine *service.Engine
	query  service.Query
}

// NewOrderHandler creates a new order handler. query is the default filter
// for refreshes that do not name one.
func NewOrderHandler(engine *service.Engine, query service.Query) *OrderHandler {
	return &OrderHandler{
		engine: engine,
		query:  query,
	}
}

type advanceRequest struct {
	Status models.OrderStatus `json:"status"`
}

type refreshRequest struct {
	UserID    string `json:"user_id"`
	ToID      string `json:"to_id"`
	CompanyID string `json:"company_id"`
}

type refreshResponse struct {
	Orders    []models.Order `json:"orders"`
	Conflicts any            `json:"conflicts"`
}

// ListOrders handles GET /api/orders?status=
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var status *models.OrderStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := models.OrderStatus(v)
		if !s.Valid() {
			api.BadRequest(w, "invalid status")
			return
		}
		status = &s
	}

	orders := h.engine.Orders().ListOrders(status)
	if orders == nil {
		orders = []models.Order{}
	}
	api.JSON(w, http.StatusOK, orders)
}

// Refresh handles POST /api/orders/refresh
func (h *OrderHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	q := h.query
	if r.ContentLength != 0 {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.BadRequest(w, "invalid request body")
			return
		}
		if req.UserID != "" || req.ToID != "" || req.CompanyID != "" {
			q = service.Query{UserID: req.UserID, ToID: req.ToID, CompanyID: req.CompanyID}
		}
	}

	orders, conflicts, err := h.engine.Orders().Refresh(r.Context(), q)
	if err != nil {
		api.FromError(w, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	api.JSON(w, http.StatusOK, refreshResponse{Orders: orders, Conflicts: conflicts})
}

// GetOrder handles GET /api/orders/{id}. Unknown orders are fetched.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	order, err := h.engine.Orders().GetOrder(id)
	if err != nil {
		order, err = h.engine.Orders().Fetch(r.Context(), id)
	}
	if err != nil {
		api.FromError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, order)
}

// Open handles POST /api/orders/{id}/open
func (h *OrderHandler) Open(w http.ResponseWriter, r *http.Request) {
	order, err := h.engine.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.FromError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, order)
}

// Advance handles POST /api/orders/{id}/advance
func (h *OrderHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.BadRequest(w, "invalid request body")
		return
	}

	order, err := h.engine.Coordinator().Advance(r.Context(), chi.URLParam(r, "id"), req.Status)
	h.respond(w, order, err)
}

// RequestExtra handles POST /api/orders/{id}/extras
func (h *OrderHandler) RequestExtra(w http.ResponseWriter, r *http.Request) {
	var req service.ExtraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.BadRequest(w, "invalid request body")
		return
	}
	req.OrderID = chi.URLParam(r, "id")

	order, err := h.engine.Coordinator().RequestExtra(r.Context(), req)
	h.respond(w, order, err)
}

// ResolveExtra handles POST /api/orders/{id}/extras/resolve
func (h *OrderHandler) ResolveExtra(w http.ResponseWriter, r *http.Request) {
	order, err := h.engine.Coordinator().ResolveExtra(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, order, err)
}

// Cancel handles POST /api/orders/{id}/cancel
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	order, err := h.engine.Coordinator().CancelOrder(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, order, err)
}

// Complete handles POST /api/orders/{id}/complete. The review is optional.
func (h *OrderHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var review *models.Review
	if r.ContentLength != 0 {
		var req models.Review
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.BadRequest(w, "invalid request body")
			return
		}
		if req.Rating != 0 || req.Comment != "" {
			review = &req
		}
	}

	order, err := h.engine.Coordinator().CompleteOrder(r.Context(), chi.URLParam(r, "id"), review)
	h.respond(w, order, err)
}

// Actions handles GET /api/orders/{id}/actions
func (h *OrderHandler) Actions(w http.ResponseWriter, r *http.Request) {
	actions := h.engine.Coordinator().Actions(chi.URLParam(r, "id"))
	if actions == nil {
		actions = []models.PendingAction{}
	}
	api.JSON(w, http.StatusOK, actions)
}

// Session handles GET /api/session
func (h *OrderHandler) Session(w http.ResponseWriter, r *http.Request) {
	order, err := h.engine.ActiveOrder()
	if err != nil {
		api.FromError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, order)
}

// Resume handles POST /api/session/resume
func (h *OrderHandler) Resume(w http.ResponseWriter, r *http.Request) {
	order, err := h.engine.Resume(r.Context())
	if err != nil {
		api.FromError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, order)
}

// Leave handles DELETE /api/session
func (h *OrderHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Leave(r.Context()); err != nil {
		api.FromError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandler) respond(w http.ResponseWriter, order models.Order, err error) {
	if err != nil {
		api.FromError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, order)
}
