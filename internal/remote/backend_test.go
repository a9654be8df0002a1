package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type recordedRequest struct {
	Method    string
	Path      string
	SessionID string
	Auth      string
	Body      []byte
}

// fakeBackend serves the storefront cart and order endpoints from memory.
type fakeBackend struct {
	mu       sync.Mutex
	catalog  map[string]domain.Product
	carts    map[string][]CartItem
	nextItem int
	requests []recordedRequest
	orders   [][]CheckoutItem

	failGet      bool
	failMutation int
	failMessage  string
	getDelay     time.Duration
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	b := &fakeBackend{
		catalog: map[string]domain.Product{
			"A": {ID: "A", Name: "Alpha", Price: decimal.NewFromInt(50)},
			"B": {ID: "B", Name: "Beta", Price: decimal.NewFromInt(30)},
			"C": {ID: "C", Name: "Gamma", Price: decimal.RequireFromString("2.5")},
		},
		carts: map[string][]CartItem{},
	}

	r := chi.NewRouter()
	r.Use(b.record)
	r.Get("/carts", b.getCart)
	r.Post("/carts", b.addItem)
	r.Patch("/carts/{item_id}", b.updateItem)
	r.Delete("/carts/{item_id}", b.removeItem)
	r.Post("/orders/checkout", b.checkout)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *fakeBackend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, recordedRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			SessionID: r.Header.Get("X-Session-ID"),
			Auth:      r.Header.Get("Authorization"),
			Body:      body,
		})
		b.mu.Unlock()

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (b *fakeBackend) setGetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getDelay = d
}

func (b *fakeBackend) getCart(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fail, delay := b.failGet, b.getDelay
	items := append([]CartItem(nil), b.carts[r.Header.Get("X-Session-ID")]...)
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database unavailable"})
		return
	}
	if items == nil {
		items = []CartItem{}
	}
	writeJSON(w, http.StatusOK, CartResponse{ID: "cart-" + r.Header.Get("X-Session-ID"), Items: items})
}

func (b *fakeBackend) addItem(w http.ResponseWriter, r *http.Request) {
	var req AddToCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	if b.rejectMutation(w) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.catalog[req.ProductID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "product not found"})
		return
	}
	session := r.Header.Get("X-Session-ID")
	items := b.carts[session]
	for i := range items {
		if items[i].ProductID == req.ProductID {
			items[i].Quantity += req.Quantity
			writeJSON(w, http.StatusCreated, items[i])
			return
		}
	}
	b.nextItem++
	item := CartItem{
		ItemID:    fmt.Sprintf("item-%d", b.nextItem),
		CartID:    "cart-" + session,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Product:   p,
	}
	b.carts[session] = append(items, item)
	writeJSON(w, http.StatusCreated, item)
}

func (b *fakeBackend) updateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	if b.rejectMutation(w) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.carts[r.Header.Get("X-Session-ID")]
	for i := range items {
		if items[i].ItemID == chi.URLParam(r, "item_id") {
			items[i].Quantity = req.Quantity
			writeJSON(w, http.StatusOK, items[i])
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "item not found"})
}

func (b *fakeBackend) removeItem(w http.ResponseWriter, r *http.Request) {
	if b.rejectMutation(w) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	session := r.Header.Get("X-Session-ID")
	items := b.carts[session]
	for i := range items {
		if items[i].ItemID == chi.URLParam(r, "item_id") {
			b.carts[session] = append(items[:i:i], items[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "item not found"})
}

func (b *fakeBackend) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "no items"})
		return
	}
	if b.rejectMutation(w) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, req.Items)
	writeJSON(w, http.StatusCreated, map[string]any{"order_id": fmt.Sprintf("order-%d", len(b.orders)), "status": "pending"})
}

func (b *fakeBackend) rejectMutation(w http.ResponseWriter) bool {
	b.mu.Lock()
	status, msg := b.failMutation, b.failMessage
	b.mu.Unlock()
	if status == 0 {
		return false
	}
	writeJSON(w, status, map[string]string{"message": msg})
	return true
}

func (b *fakeBackend) setFailGet(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failGet = v
}

func (b *fakeBackend) setFailMutation(status int, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failMutation, b.failMessage = status, msg
}

func (b *fakeBackend) lines(session string) []CartItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CartItem(nil), b.carts[session]...)
}

func (b *fakeBackend) placedOrders() [][]CheckoutItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]CheckoutItem(nil), b.orders...)
}

func (b *fakeBackend) seed(session, productID string, qty int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextItem++
	b.carts[session] = append(b.carts[session], CartItem{
		ItemID:    fmt.Sprintf("item-%d", b.nextItem),
		ProductID: productID,
		Quantity:  qty,
		Product:   b.catalog[productID],
	})
}

// count returns how many requests matched method. An empty method counts
// every request.
func (b *fakeBackend) count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, req := range b.requests {
		if method == "" || req.Method == method {
			n++
		}
	}
	return n
}

func (b *fakeBackend) requestsFor(method string) []recordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedRequest
	for _, req := range b.requests {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
