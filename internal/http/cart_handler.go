package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/cart"
	"github.com/fjod/go_cart/storefront-cart/internal/domain"
	"github.com/fjod/go_cart/storefront-cart/internal/remote"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Carts resolves the cart of a session. Snapshot serves reads without
// creating a cart for sessions that never wrote one.
type Carts interface {
	Get(ctx context.Context, sessionID string) (cart.Cart, error)
	Snapshot(ctx context.Context, sessionID string) (cart.Snapshot, error)
}

// Checkouter places an order for a session cart.
type Checkouter interface {
	Checkout(ctx context.Context, sessionID string, c cart.Cart) (json.RawMessage, error)
}

type CartHandler struct {
	carts    Carts
	checkout Checkouter
	timeout  time.Duration
	log      *zap.Logger
}

// NewCartHandler builds the cart endpoints. checkout may be nil, in which
// case the checkout route is not registered.
func NewCartHandler(carts Carts, checkout Checkouter, timeout time.Duration, log *zap.Logger) *CartHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CartHandler{
		carts:    carts,
		checkout: checkout,
		timeout:  timeout,
		log:      log,
	}
}

type AddItemRequestDTO struct {
	Product  domain.Product `json:"product"`
	Quantity int            `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity *int `json:"quantity"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *CartHandler) Routes(r chi.Router) {
	r.Get("/", h.GetCart)
	r.Delete("/", h.ClearCart)
	r.Post("/items", h.AddItem)
	r.Patch("/items/{product_id}", h.UpdateQuantity)
	r.Delete("/items/{product_id}", h.RemoveItem)
	r.Put("/shipping", h.SetShippingInfo)
	if h.checkout != nil {
		r.Post("/checkout", h.Checkout)
	}
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.carts.Snapshot(ctx, getSessionID(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Product.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_product", err.Error())
		return
	}

	h.withCart(w, r, http.StatusCreated, func(ctx context.Context, c cart.Cart) error {
		return c.AddItem(ctx, req.Product, req.Quantity)
	})
}

// PATCH /api/v1/cart/items/{product_id}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "product_id")

	var req UpdateQuantityRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Quantity == nil {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity is required")
		return
	}

	h.withCart(w, r, http.StatusOK, func(ctx context.Context, c cart.Cart) error {
		return c.UpdateQuantity(ctx, productID, *req.Quantity)
	})
}

// DELETE /api/v1/cart/items/{product_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "product_id")
	h.withCart(w, r, http.StatusOK, func(ctx context.Context, c cart.Cart) error {
		return c.RemoveItem(ctx, productID)
	})
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	h.withCart(w, r, http.StatusOK, func(ctx context.Context, c cart.Cart) error {
		return c.Clear(ctx)
	})
}

// PUT /api/v1/cart/shipping
func (h *CartHandler) SetShippingInfo(w http.ResponseWriter, r *http.Request) {
	var info *domain.ShippingInfo
	if !decodeBody(w, r, &info) {
		return
	}
	h.withCart(w, r, http.StatusOK, func(ctx context.Context, c cart.Cart) error {
		return c.SetShippingInfo(ctx, info)
	})
}

// POST /api/v1/cart/checkout
func (h *CartHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessionID := getSessionID(r.Context())
	c, err := h.carts.Get(ctx, sessionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	order, err := h.checkout.Checkout(ctx, sessionID, c)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

// withCart runs mutate against the session cart and responds with the
// resulting snapshot.
func (h *CartHandler) withCart(w http.ResponseWriter, r *http.Request, status int, mutate func(context.Context, cart.Cart) error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.carts.Get(ctx, getSessionID(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := mutate(ctx, c); err != nil {
		h.handleError(w, r, err)
		return
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, status, snap)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleError converts cart and backend errors to HTTP responses.
func (h *CartHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *remote.APIError

	switch {
	case errors.Is(err, domain.ErrInvalidProduct):
		respondError(w, http.StatusBadRequest, "invalid_product", err.Error())
	case errors.Is(err, remote.ErrEmptyCart):
		respondError(w, http.StatusBadRequest, "empty_cart", err.Error())
	case errors.Is(err, remote.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "service_unavailable", "cart backend unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	case errors.Is(err, remote.ErrTransport):
		h.log.Error("cart backend unreachable",
			zap.String("request_id", getRequestID(r.Context())),
			zap.Error(err))
		respondError(w, http.StatusBadGateway, "upstream_error", "cart backend unreachable")
	case errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError:
		// the backend rejected the request itself; pass its verdict through
		respondJSON(w, apiErr.Status, ErrorResponse{
			Error:   apiErr.Message,
			Code:    "upstream_rejected",
			Details: http.StatusText(apiErr.Status),
		})
	case apiErr != nil:
		h.log.Error("cart backend failed",
			zap.String("request_id", getRequestID(r.Context())),
			zap.Error(err))
		respondError(w, http.StatusBadGateway, "upstream_error", apiErr.Message)
	default:
		h.log.Error("cart operation failed",
			zap.String("request_id", getRequestID(r.Context())),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
