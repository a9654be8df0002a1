package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/domain"
	"github.com/fjod/go_cart/storefront-cart/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the local cart. Every mutation is applied through Reduce under a
// lock and the resulting state is handed to a background writer that saves
// it to the slot. A failed save never rolls back the in-memory state.
type Store struct {
	mu    sync.Mutex
	state domain.State

	key    string
	policy ShippingPolicy
	log    *zap.Logger
	now    func() time.Time
	newID  func() string

	persist *writer
}

type Option func(*Store)

func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithShippingPolicy(p ShippingPolicy) Option {
	return func(s *Store) { s.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// NewStore restores the cart saved under the store key. A missing or
// unreadable slot yields an empty cart.
func NewStore(ctx context.Context, slot storage.Slot, opts ...Option) *Store {
	s := &Store{
		key:    DefaultKey,
		policy: DefaultShipping(),
		log:    zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("cart_key", s.key))

	s.state = s.restore(ctx, slot)
	s.persist = newWriter(slot, s.key, s.log)
	return s
}

func (s *Store) restore(ctx context.Context, slot storage.Slot) domain.State {
	data, err := slot.Load(ctx, s.key)
	if errors.Is(err, storage.ErrSlotEmpty) {
		return domain.EmptyState()
	}
	if err != nil {
		s.log.Warn("failed to read cart slot, starting empty", zap.Error(err))
		return domain.EmptyState()
	}

	var stored domain.State
	if err := json.Unmarshal(data, &stored); err != nil {
		s.log.Warn("discarding malformed cart", zap.Error(err))
		return domain.EmptyState()
	}

	state := Reduce(domain.EmptyState(), LoadCart{State: stored})
	if len(state.Items) != len(stored.Items) {
		s.log.Info("dropped invalid cart lines on restore",
			zap.Int("stored", len(stored.Items)),
			zap.Int("kept", len(state.Items)))
	}
	return state
}

func (s *Store) dispatch(action Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Reduce(s.state, action)
	if s.state.IsEmpty() {
		s.persist.enqueue(nil)
		return
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		s.log.Error("failed to encode cart", zap.Error(err))
		return
	}
	s.persist.enqueue(data)
}

// AddItem adds quantity units of product; a quantity below one adds a single
// unit. Adding a product already in the cart increments its line.
func (s *Store) AddItem(_ context.Context, product domain.Product, quantity int) error {
	if err := product.Validate(); err != nil {
		return err
	}
	s.dispatch(AddItem{
		Product:  product,
		Quantity: quantity,
		LineID:   s.newID(),
		At:       s.now(),
	})
	return nil
}

func (s *Store) RemoveItem(_ context.Context, productID string) error {
	s.dispatch(RemoveItem{ProductID: productID})
	return nil
}

// UpdateQuantity replaces the quantity of the product's line. Zero or a
// negative quantity removes the line.
func (s *Store) UpdateQuantity(_ context.Context, productID string, quantity int) error {
	s.dispatch(UpdateQuantity{ProductID: productID, Quantity: quantity, At: s.now()})
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	s.dispatch(ClearCart{})
	return nil
}

func (s *Store) SetShippingInfo(_ context.Context, info *domain.ShippingInfo) error {
	s.dispatch(SetShippingInfo{Info: info})
	return nil
}

func (s *Store) Snapshot(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewSnapshot(s.state, s.policy), nil
}

func (s *Store) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Store) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ComputeTotals(s.state.Items, s.policy)
}

// Close writes any pending state and stops the background writer.
func (s *Store) Close(ctx context.Context) error {
	return s.persist.close(ctx)
}

const saveTimeout = 5 * time.Second

// writer saves the most recent encoded state. Intermediate states that were
// superseded before the goroutine got to them are skipped. A nil state
// deletes the slot. The goroutine starts with the first write, so carts that
// are only read hold no goroutine.
type writer struct {
	slot storage.Slot
	key  string
	log  *zap.Logger

	mu         sync.Mutex
	pending    []byte
	hasPending bool
	started    bool
	closed     bool

	// keeps saves in enqueue order when a closed writer flushes inline
	saveMu sync.Mutex

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newWriter(slot storage.Slot, key string, log *zap.Logger) *writer {
	return &writer{
		slot:   slot,
		key:    key,
		log:    log,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *writer) enqueue(data []byte) {
	w.mu.Lock()
	w.pending = data
	w.hasPending = true
	closed := w.closed
	if !closed && !w.started {
		w.started = true
		go w.run()
	}
	w.mu.Unlock()

	if closed {
		// a request still holding an evicted cart
		w.flush()
		return
	}
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.signal:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *writer) flush() {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	w.mu.Lock()
	data, ok := w.pending, w.hasPending
	w.pending, w.hasPending = nil, false
	w.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if data == nil {
		if err := w.slot.Delete(ctx, w.key); err != nil {
			w.log.Warn("failed to delete cart slot", zap.Error(err))
		}
		return
	}
	if err := w.slot.Save(ctx, w.key, data); err != nil {
		w.log.Warn("failed to persist cart", zap.Error(err))
	}
}

func (w *writer) close(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	if !w.closed {
		w.closed = true
		close(w.stop)
	}
	w.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
