package cart

import (
	"math"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/domain"
)

// Action is one of the state transitions accepted by Reduce.
type Action interface {
	isAction()
}

// AddItem carries the generated line id and timestamp so that replaying a
// recorded action sequence yields the same state.
type AddItem struct {
	Product  domain.Product
	Quantity int
	LineID   string
	At       time.Time
}

type RemoveItem struct {
	ProductID string
}

type UpdateQuantity struct {
	ProductID string
	Quantity  int
	At        time.Time
}

type ClearCart struct{}

type SetShippingInfo struct {
	Info *domain.ShippingInfo
}

type LoadCart struct {
	State domain.State
}

func (AddItem) isAction()         {}
func (RemoveItem) isAction()      {}
func (UpdateQuantity) isAction()  {}
func (ClearCart) isAction()       {}
func (SetShippingInfo) isAction() {}
func (LoadCart) isAction()        {}

// Reduce returns the state that follows state after action. It never
// modifies state; unchanged results may share memory with it.
func Reduce(state domain.State, action Action) domain.State {
	switch a := action.(type) {
	case AddItem:
		if a.Product.Validate() != nil {
			return state
		}
		qty := a.Quantity
		if qty < 1 {
			qty = 1
		}
		next := state.Clone()
		if i := next.IndexOf(a.Product.ID); i >= 0 {
			next.Items[i].Quantity = addQuantity(next.Items[i].Quantity, qty)
			next.Items[i].UpdatedAt = a.At
			return next
		}
		next.Items = append(next.Items, domain.Line{
			ID:        a.LineID,
			ProductID: a.Product.ID,
			Product:   a.Product,
			Quantity:  qty,
			CreatedAt: a.At,
			UpdatedAt: a.At,
		})
		return next

	case RemoveItem:
		return removeLine(state, a.ProductID)

	case UpdateQuantity:
		// zero or negative means "not in cart"
		if a.Quantity <= 0 {
			return removeLine(state, a.ProductID)
		}
		i := state.IndexOf(a.ProductID)
		if i < 0 {
			return state
		}
		next := state.Clone()
		next.Items[i].Quantity = a.Quantity
		next.Items[i].UpdatedAt = a.At
		return next

	case ClearCart:
		return domain.EmptyState()

	case SetShippingInfo:
		next := state.Clone()
		next.ShippingInfo = nil
		if a.Info != nil {
			info := *a.Info
			next.ShippingInfo = &info
		}
		return next

	case LoadCart:
		return Sanitize(a.State)
	}
	return state
}

func removeLine(state domain.State, productID string) domain.State {
	i := state.IndexOf(productID)
	if i < 0 {
		return state
	}
	next := state.Clone()
	next.Items = append(next.Items[:i], next.Items[i+1:]...)
	return next
}

// Sanitize restores the line invariants on state read from outside the
// reducer: lines without a product or with quantity below one are dropped and
// duplicate product lines are merged into the first occurrence.
func Sanitize(state domain.State) domain.State {
	out := domain.EmptyState()
	if state.ShippingInfo != nil {
		info := *state.ShippingInfo
		out.ShippingInfo = &info
	}
	for _, line := range state.Items {
		if line.ProductID == "" {
			line.ProductID = line.Product.ID
		}
		if line.ProductID == "" || line.Quantity < 1 {
			continue
		}
		if line.Product.ID == "" {
			line.Product.ID = line.ProductID
		}
		if i := out.IndexOf(line.ProductID); i >= 0 {
			out.Items[i].Quantity = addQuantity(out.Items[i].Quantity, line.Quantity)
			continue
		}
		out.Items = append(out.Items, line)
	}
	return out
}

// addQuantity sums two positive quantities, saturating at math.MaxInt.
func addQuantity(a, b int) int {
	if a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}
