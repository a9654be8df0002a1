package cart

import (
	"github.com/fjod/go_cart/storefront-cart/internal/domain"
	"github.com/shopspring/decimal"
)

// ShippingPolicy decides the shipping fee for a subtotal.
type ShippingPolicy interface {
	Fee(subtotal decimal.Decimal) decimal.Decimal
}

// FlatRate charges Amount unless the subtotal is strictly above Threshold.
type FlatRate struct {
	Threshold decimal.Decimal
	Amount    decimal.Decimal
}

func (f FlatRate) Fee(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.GreaterThan(f.Threshold) {
		return decimal.Zero
	}
	return f.Amount
}

func DefaultShipping() FlatRate {
	return FlatRate{
		Threshold: decimal.NewFromInt(100),
		Amount:    decimal.NewFromInt(12),
	}
}

type ShippingFunc func(subtotal decimal.Decimal) decimal.Decimal

func (f ShippingFunc) Fee(subtotal decimal.Decimal) decimal.Decimal {
	return f(subtotal)
}

// Totals are derived from the lines on every read and never stored.
type Totals struct {
	ItemCount int             `json:"item_count"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Shipping  decimal.Decimal `json:"shipping"`
	Total     decimal.Decimal `json:"total"`
}

func ComputeTotals(lines []domain.Line, policy ShippingPolicy) Totals {
	t := Totals{Subtotal: decimal.Zero}
	for _, line := range lines {
		t.ItemCount = addQuantity(t.ItemCount, line.Quantity)
		t.Subtotal = t.Subtotal.Add(line.Product.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if policy == nil {
		policy = DefaultShipping()
	}
	t.Shipping = policy.Fee(t.Subtotal)
	t.Total = t.Subtotal.Add(t.Shipping)
	return t
}
