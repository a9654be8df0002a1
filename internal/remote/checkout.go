package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fjod/go_cart/storefront-cart/internal/cart"
	"go.uber.org/zap"
)

// Checkouter turns a session cart into a backend order.
type Checkouter struct {
	client *Client
	log    *zap.Logger
}

func NewCheckouter(client *Client, log *zap.Logger) *Checkouter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checkouter{client: client, log: log}
}

// Checkout submits the lines of c as an order. The cart is cleared once the
// backend accepts the order; a failed clear is logged and the order result is
// still returned.
func (k *Checkouter) Checkout(ctx context.Context, sessionID string, c cart.Cart) (json.RawMessage, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	if len(snap.Items) == 0 {
		return nil, ErrEmptyCart
	}

	items := make([]CheckoutItem, 0, len(snap.Items))
	for _, line := range snap.Items {
		items = append(items, CheckoutItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	order, err := k.client.Checkout(ctx, sessionID, items)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}

	if err := c.Clear(ctx); err != nil {
		k.log.Warn("failed to clear cart after checkout",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	return order, nil
}
