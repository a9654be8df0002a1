package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/cart"
	"github.com/fjod/go_cart/storefront-cart/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Store mirrors the backend cart of one session. The backend is
// authoritative: mutations are applied only once it confirms them, after
// which the observed view is refreshed. Until the refresh lands readers keep
// seeing the previous view.
type Store struct {
	client    *Client
	sessionID string
	policy    cart.ShippingPolicy
	log       *zap.Logger

	// serializes mutations so none of them is lost to an interleaved refresh
	mutate sync.Mutex

	mu       sync.RWMutex
	view     *domain.State
	shipping *domain.ShippingInfo
	seq      uint64
	applied  uint64

	sfg singleflight.Group
}

type Option func(*Store)

func WithShippingPolicy(p cart.ShippingPolicy) Option {
	return func(s *Store) { s.policy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

func NewStore(client *Client, sessionID string, opts ...Option) *Store {
	s := &Store{
		client:    client,
		sessionID: sessionID,
		policy:    cart.DefaultShipping(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session_id", sessionID))
	return s
}

// Factory builds remote stores for a cart.Registry.
func Factory(client *Client, opts ...Option) cart.Factory {
	return func(_ context.Context, sessionID string) (cart.Cart, error) {
		return NewStore(client, sessionID, opts...), nil
	}
}

func (s *Store) AddItem(ctx context.Context, product domain.Product, quantity int) error {
	if err := product.Validate(); err != nil {
		return err
	}
	if quantity < 1 {
		quantity = 1
	}

	s.mutate.Lock()
	defer s.mutate.Unlock()

	if err := s.client.AddItem(ctx, s.sessionID, product.ID, quantity); err != nil {
		return fmt.Errorf("add item: %w", err)
	}
	s.refreshAfterMutation(ctx)
	return nil
}

func (s *Store) RemoveItem(ctx context.Context, productID string) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	itemID, err := s.lineID(ctx, productID)
	if err != nil || itemID == "" {
		return err
	}
	if err := s.client.RemoveItem(ctx, s.sessionID, itemID); err != nil && !IsNotFound(err) {
		return fmt.Errorf("remove item: %w", err)
	}
	s.refreshAfterMutation(ctx)
	return nil
}

func (s *Store) UpdateQuantity(ctx context.Context, productID string, quantity int) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	itemID, err := s.lineID(ctx, productID)
	if err != nil || itemID == "" {
		return err
	}

	if quantity <= 0 {
		err = s.client.RemoveItem(ctx, s.sessionID, itemID)
		if IsNotFound(err) {
			err = nil
		}
	} else {
		err = s.client.UpdateItem(ctx, s.sessionID, itemID, quantity)
	}
	if err != nil {
		return fmt.Errorf("update quantity: %w", err)
	}
	s.refreshAfterMutation(ctx)
	return nil
}

// Clear deletes every line the backend currently holds. The shipping snapshot
// is dropped only once every delete succeeded.
func (s *Store) Clear(ctx context.Context) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	state, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	var errs []error
	for _, line := range state.Items {
		if err := s.client.RemoveItem(ctx, s.sessionID, line.ID); err != nil && !IsNotFound(err) {
			errs = append(errs, err)
		}
	}

	if len(state.Items) > 0 {
		s.refreshAfterMutation(ctx)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	s.mu.Lock()
	s.shipping = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) SetShippingInfo(_ context.Context, info *domain.ShippingInfo) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipping = nil
	if info != nil {
		copied := *info
		s.shipping = &copied
	}
	return nil
}

func (s *Store) Snapshot(ctx context.Context) (cart.Snapshot, error) {
	state, err := s.current(ctx)
	if err != nil {
		return cart.Snapshot{}, err
	}

	s.mu.RLock()
	state.ShippingInfo = s.shipping
	s.mu.RUnlock()
	return cart.NewSnapshot(state, s.policy), nil
}

func (s *Store) lineID(ctx context.Context, productID string) (string, error) {
	state, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	if i := state.IndexOf(productID); i >= 0 {
		return state.Items[i].ID, nil
	}
	return "", nil
}

const loadTimeout = 10 * time.Second

// current returns the observed view, loading it once if nothing has been
// observed yet. Concurrent first loads share one request.
func (s *Store) current(ctx context.Context) (domain.State, error) {
	s.mu.RLock()
	if s.view != nil {
		v := s.view.Clone()
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	ch := s.sfg.DoChan(s.sessionID, func() (interface{}, error) {
		// shared by every waiting reader, so not bound to the first one's context
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return s.fetch(loadCtx)
	})

	select {
	case <-ctx.Done():
		return domain.State{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.State{}, res.Err
		}
		return res.Val.(domain.State).Clone(), nil
	}
}

// fetch reads the backend cart. A response is only applied when no later
// fetch has been applied already, so a slow read cannot roll the view back.
func (s *Store) fetch(ctx context.Context) (domain.State, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	resp, err := s.client.GetCart(ctx, s.sessionID)
	if err != nil {
		return domain.State{}, fmt.Errorf("get cart: %w", err)
	}
	state := toState(resp)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.applied {
		s.applied = seq
		s.view = &state
	}
	return state.Clone(), nil
}

// refreshAfterMutation re-reads the cart once a mutation is confirmed. If the
// read fails the view is dropped so that the next reader loads it again.
func (s *Store) refreshAfterMutation(ctx context.Context) {
	if _, err := s.fetch(ctx); err != nil {
		s.log.Warn("cart refresh failed, invalidating view", zap.Error(err))
		s.mu.Lock()
		s.view = nil
		s.applied = s.seq
		s.mu.Unlock()
	}
}

func toState(resp *CartResponse) domain.State {
	state := domain.EmptyState()
	if resp == nil {
		return state
	}
	for _, item := range resp.Items {
		productID := item.ProductID
		if productID == "" {
			productID = item.Product.ID
		}
		state.Items = append(state.Items, domain.Line{
			ID:        item.ItemID,
			ProductID: productID,
			Product:   item.Product,
			Quantity:  item.Quantity,
			CreatedAt: item.CreatedAt,
			UpdatedAt: item.UpdatedAt,
		})
	}
	return cart.Sanitize(state)
}
