package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Factory builds the cart of one shopper session.
type Factory func(ctx context.Context, sessionID string) (Cart, error)

// SessionKey scopes a slot key to a session.
func SessionKey(base, sessionID string) string {
	return fmt.Sprintf("%s:%s", base, sessionID)
}

// LocalFactory creates persisted local stores keyed by SessionKey.
func LocalFactory(slot storage.Slot, baseKey string, opts ...Option) Factory {
	return func(ctx context.Context, sessionID string) (Cart, error) {
		all := make([]Option, 0, len(opts)+1)
		all = append(all, opts...)
		all = append(all, WithKey(SessionKey(baseKey, sessionID)))
		return NewStore(ctx, slot, all...), nil
	}
}

var ErrNoSession = errors.New("session id is required")

const buildTimeout = 10 * time.Second

type entry struct {
	cart     Cart
	lastUsed time.Time
}

// Registry hands out one cart per session, creating it on first write.
// Carts left unused for longer than the idle TTL are closed and dropped by
// EvictIdle; their persisted state is loaded again on the next use.
type Registry struct {
	mu      sync.Mutex
	carts   map[string]*entry
	factory Factory
	sfg     singleflight.Group

	idleTTL time.Duration
	now     func() time.Time
	log     *zap.Logger
}

type RegistryOption func(*Registry)

// WithIdleTTL sets how long a cart may go unused before eviction. Zero
// disables eviction.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTTL = d }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		carts:   make(map[string]*entry),
		factory: factory,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lookup(sessionID string) (Cart, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.carts[sessionID]
	if !ok {
		return nil, false
	}
	e.lastUsed = r.now()
	return e.cart, true
}

// Get returns the session's cart, building and registering it on first use.
// Concurrent first calls for one session share a single build, and builds
// never block other sessions.
func (r *Registry) Get(ctx context.Context, sessionID string) (Cart, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	if c, ok := r.lookup(sessionID); ok {
		return c, nil
	}

	ch := r.sfg.DoChan(sessionID, func() (interface{}, error) {
		if c, ok := r.lookup(sessionID); ok {
			return c, nil
		}
		// the build outlives a caller that gives up so others sharing it still get a cart
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()

		c, err := r.factory(buildCtx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("create cart for session %s: %w", sessionID, err)
		}
		r.mu.Lock()
		r.carts[sessionID] = &entry{cart: c, lastUsed: r.now()}
		r.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Cart), nil
	}
}

// Snapshot reads the session's cart. A session without a registered cart is
// read through a throwaway cart so that reads alone never grow the registry.
func (r *Registry) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if sessionID == "" {
		return Snapshot{}, ErrNoSession
	}
	if c, ok := r.lookup(sessionID); ok {
		return c.Snapshot(ctx)
	}

	c, err := r.factory(ctx, sessionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("create cart for session %s: %w", sessionID, err)
	}
	defer r.release(ctx, sessionID, c)
	return c.Snapshot(ctx)
}

// Clear empties the session's cart, including a persisted cart that is not
// loaded in memory.
func (r *Registry) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	if c, ok := r.lookup(sessionID); ok {
		return c.Clear(ctx)
	}

	c, err := r.factory(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("create cart for session %s: %w", sessionID, err)
	}
	defer r.release(ctx, sessionID, c)
	return c.Clear(ctx)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.carts)
}

// EvictIdle closes and drops every cart unused for longer than the idle TTL
// and returns how many were evicted.
func (r *Registry) EvictIdle(ctx context.Context) int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	idle := make(map[string]Cart)
	r.mu.Lock()
	for id, e := range r.carts {
		if e.lastUsed.Before(cutoff) {
			idle[id] = e.cart
			delete(r.carts, id)
		}
	}
	r.mu.Unlock()

	for id, c := range idle {
		r.release(ctx, id, c)
	}
	if len(idle) > 0 {
		r.log.Debug("evicted idle carts", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (r *Registry) RunEviction(ctx context.Context, interval time.Duration) {
	if r.idleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(ctx)
		}
	}
}

func (r *Registry) release(ctx context.Context, sessionID string, c Cart) {
	if err := closeCart(ctx, c); err != nil {
		r.log.Warn("failed to flush cart", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func closeCart(ctx context.Context, c Cart) error {
	closer, ok := c.(interface{ Close(context.Context) error })
	if !ok {
		return nil
	}
	return closer.Close(ctx)
}

// Close closes every registered cart.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, e := range r.carts {
		if err := closeCart(ctx, e.cart); err != nil {
			errs = append(errs, fmt.Errorf("close cart %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
