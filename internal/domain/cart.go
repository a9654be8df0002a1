package domain

import "time"

type ShippingInfo struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Notes      string `json:"notes,omitempty"`
}

// Line is one row of the cart. A cart holds at most one line per ProductID
// and never a line with Quantity < 1.
type Line struct {
	ID        string    `json:"item_id"`
	ProductID string    `json:"product_id"`
	Product   Product   `json:"product"`
	Quantity  int       `json:"item_qty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type State struct {
	Items        []Line        `json:"items"`
	ShippingInfo *ShippingInfo `json:"shipping_info"`
}

func EmptyState() State {
	return State{Items: []Line{}}
}

// Clone returns a copy that shares no mutable memory with s.
func (s State) Clone() State {
	out := State{Items: make([]Line, len(s.Items))}
	copy(out.Items, s.Items)
	if s.ShippingInfo != nil {
		info := *s.ShippingInfo
		out.ShippingInfo = &info
	}
	return out
}

func (s State) IndexOf(productID string) int {
	for i, line := range s.Items {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

// IsEmpty reports whether s holds neither lines nor shipping info.
func (s State) IsEmpty() bool {
	return len(s.Items) == 0 && s.ShippingInfo == nil
}
