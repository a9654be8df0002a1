package domain

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidProduct = errors.New("product id is required")

// Product is the display snapshot taken when an item is added to the cart.
// It is never re-fetched; price changes on the backend do not reach it.
type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	ImageURL string          `json:"image_url,omitempty"`
}

func (p Product) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidProduct
	}
	return nil
}

// UnmarshalJSON accepts the loose shapes the storefront backend produces:
// numeric or string ids, and prices given as numbers, numeric strings, null
// or garbage. Anything that is not a number becomes a zero price.
func (p *Product) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       json.RawMessage `json:"id"`
		Name     string          `json:"name"`
		Price    json.RawMessage `json:"price"`
		ImageURL string          `json:"image_url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.ID = parseID(raw.ID)
	p.Name = raw.Name
	p.Price = parsePrice(raw.Price)
	p.ImageURL = raw.ImageURL
	return nil
}

func parseID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Prices outside these bounds are treated as non-numeric. Arithmetic on
// decimals with huge exponents allocates without limit.
const (
	maxPriceLen      = 40
	maxPriceDigits   = 30
	maxPriceExponent = 18
)

func parsePrice(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 || len(raw) > maxPriceLen+2 {
		return decimal.Zero
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n != "" {
		return boundedDecimal(n.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return boundedDecimal(strings.TrimSpace(s))
	}
	return decimal.Zero
}

func boundedDecimal(s string) decimal.Decimal {
	if s == "" || len(s) > maxPriceLen {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	exp := d.Exponent()
	if exp > maxPriceExponent || exp < -maxPriceExponent {
		return decimal.Zero
	}
	if len(d.Coefficient().String()) > maxPriceDigits {
		return decimal.Zero
	}
	return d
}
