package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/domain"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrUnavailable is returned while the circuit breaker rejects calls.
	ErrUnavailable = errors.New("cart backend unavailable")
	ErrEmptyCart   = errors.New("cart is empty")
	// ErrTransport marks requests that never got an HTTP answer.
	ErrTransport = errors.New("cart backend request failed")
)

const maxResponseBody = 1 << 20

// errCallerGone marks failures caused by the caller's own context ending.
var errCallerGone = errors.New("request abandoned by caller")

func callerError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", errCallerGone, err)
	}
	return err
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend responded %d: %s", e.Status, e.Message)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// CartItem is a line of the backend cart resource.
type CartItem struct {
	ItemID    string         `json:"item_id"`
	CartID    string         `json:"cart_id"`
	ProductID string         `json:"product_id"`
	Quantity  int            `json:"item_qty"`
	Product   domain.Product `json:"product"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type CartResponse struct {
	ID    string     `json:"id"`
	Items []CartItem `json:"items"`
}

type AddToCartRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"item_qty"`
	SessionID string `json:"session_id,omitempty"`
}

type UpdateCartRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"item_qty"`
}

type CheckoutItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"item_qty"`
}

type CheckoutRequest struct {
	Items []CheckoutItem `json:"items"`
}

// Client talks to the storefront backend cart and order endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "cart-backend",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// client errors and abandoned requests say nothing about backend health
		IsSuccessful: func(err error) bool {
			if errors.Is(err, errCallerGone) {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < http.StatusInternalServerError
			}
			return err == nil
		},
	})
	return c
}

func (c *Client) GetCart(ctx context.Context, sessionID string) (*CartResponse, error) {
	data, err := c.do(ctx, http.MethodGet, "/carts", sessionID, nil)
	if err != nil {
		return nil, err
	}

	var cart CartResponse
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &cart, nil
}

func (c *Client) AddItem(ctx context.Context, sessionID, productID string, quantity int) error {
	_, err := c.do(ctx, http.MethodPost, "/carts", sessionID, AddToCartRequest{
		ProductID: productID,
		Quantity:  quantity,
		SessionID: sessionID,
	})
	return err
}

func (c *Client) UpdateItem(ctx context.Context, sessionID, itemID string, quantity int) error {
	_, err := c.do(ctx, http.MethodPatch, "/carts/"+url.PathEscape(itemID), sessionID, UpdateCartRequest{
		ItemID:   itemID,
		Quantity: quantity,
	})
	return err
}

func (c *Client) RemoveItem(ctx context.Context, sessionID, itemID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/carts/"+url.PathEscape(itemID), sessionID, nil)
	return err
}

// Checkout places an order for items and returns the backend's order payload
// unchanged.
func (c *Client) Checkout(ctx context.Context, sessionID string, items []CheckoutItem) (json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodPost, "/orders/checkout", sessionID, CheckoutRequest{Items: items})
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(data), nil
}

func (c *Client) do(ctx context.Context, method, path, sessionID string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request failed: %w", err)
		}
	}

	data, err := c.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if sessionID != "" {
			req.Header.Set("X-Session-ID", sessionID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, callerError(ctx, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, callerError(ctx, fmt.Errorf("read response failed: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
		}
		return data, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrTransport, err)
	}
	return data, nil
}

func errorMessage(body []byte, status string) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 {
		return text
	}
	return status
}
