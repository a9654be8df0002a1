package cart

import (
	"context"

	"github.com/fjod/go_cart/storefront-cart/internal/domain"
)

// DefaultKey is the slot key of a cart that is not scoped to a session.
const DefaultKey = "shop_cart"

// Cart is the contract UI consumers depend on. It holds for the local Store
// and for the server-backed remote.Store alike.
type Cart interface {
	AddItem(ctx context.Context, product domain.Product, quantity int) error
	RemoveItem(ctx context.Context, productID string) error
	UpdateQuantity(ctx context.Context, productID string, quantity int) error
	Clear(ctx context.Context) error
	SetShippingInfo(ctx context.Context, info *domain.ShippingInfo) error
	Snapshot(ctx context.Context) (Snapshot, error)
}

type Snapshot struct {
	Items        []domain.Line        `json:"items"`
	ShippingInfo *domain.ShippingInfo `json:"shipping_info"`
	Totals
}

func NewSnapshot(state domain.State, policy ShippingPolicy) Snapshot {
	st := state.Clone()
	return Snapshot{
		Items:        st.Items,
		ShippingInfo: st.ShippingInfo,
		Totals:       ComputeTotals(st.Items, policy),
	}
}
