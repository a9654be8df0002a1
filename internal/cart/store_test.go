package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/domain"
	"github.com/fjod/go_cart/storefront-cart/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockSlot struct {
	m       sync.RWMutex
	values  map[string][]byte
	saves   int
	loadErr error
	saveErr error
}

func newMockSlot() *mockSlot {
	return &mockSlot{values: map[string][]byte{}}
}

func (m *mockSlot) Load(_ context.Context, key string) ([]byte, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	v, ok := m.values[key]
	if !ok {
		return nil, storage.ErrSlotEmpty
	}
	return v, nil
}

func (m *mockSlot) Save(_ context.Context, key string, value []byte) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.values[key] = value
	return nil
}

func (m *mockSlot) Delete(_ context.Context, key string) error {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.values, key)
	return nil
}

func (m *mockSlot) get(key string) ([]byte, bool) {
	m.m.RLock()
	defer m.m.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *mockSlot) saveCount() int {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.saves
}

func storedState(t *testing.T, slot *mockSlot, key string) (domain.State, bool) {
	data, ok := slot.get(key)
	if !ok {
		return domain.State{}, false
	}
	var s domain.State
	require.NoError(t, json.Unmarshal(data, &s))
	return s, true
}

func newTestStore(t *testing.T, slot storage.Slot, opts ...Option) *Store {
	counter := 0
	base := []Option{
		WithClock(func() time.Time { return t0 }),
		WithIDGenerator(func() string {
			counter++
			return fmt.Sprintf("line-%d", counter)
		}),
	}
	s := NewStore(context.Background(), slot, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

func TestStore_StartsEmpty(t *testing.T) {
	s := newTestStore(t, newMockSlot())

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Items)
	assert.Nil(t, snap.ShippingInfo)
	assert.Equal(t, 0, snap.ItemCount)
}

func TestStore_Scenario_TwoProducts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockSlot())

	require.NoError(t, s.AddItem(ctx, product("A", 50), 2))
	require.NoError(t, s.AddItem(ctx, product("B", 30), 1))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.ItemCount)
	assertDecimal(t, "130", snap.Subtotal)
	assertDecimal(t, "0", snap.Shipping)
	assertDecimal(t, "130", snap.Total)
	assert.Equal(t, "line-1", snap.Items[0].ID)
	assert.Equal(t, "line-2", snap.Items[1].ID)
}

func TestStore_Scenario_DecrementToZeroRemoves(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockSlot())

	require.NoError(t, s.AddItem(ctx, product("A", 50), 1))
	require.NoError(t, s.UpdateQuantity(ctx, "A", 0))

	totals := s.Totals()
	assert.Empty(t, s.State().Items)
	assert.Equal(t, 0, totals.ItemCount)
	assertDecimal(t, "0", totals.Subtotal)
}

func TestStore_AddItem_InvalidProduct(t *testing.T) {
	slot := newMockSlot()
	s := newTestStore(t, slot)

	err := s.AddItem(context.Background(), domain.Product{Name: "nameless"}, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)
	assert.Empty(t, s.State().Items)
}

func TestStore_NoOpMutationsAreNotErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockSlot())

	assert.NoError(t, s.RemoveItem(ctx, "missing"))
	assert.NoError(t, s.UpdateQuantity(ctx, "missing", 3))
	assert.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.State().Items)
}

func TestStore_PersistsAfterMutation(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()
	s := newTestStore(t, slot)

	require.NoError(t, s.AddItem(ctx, product("A", 50), 2))
	require.NoError(t, s.SetShippingInfo(ctx, &domain.ShippingInfo{Name: "Ann"}))

	require.Eventually(t, func() bool {
		st, ok := storedState(t, slot, DefaultKey)
		return ok && len(st.Items) == 1 && st.ShippingInfo != nil
	}, time.Second, 10*time.Millisecond, "cart was not persisted")
}

func TestStore_ClearDeletesSlot(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()
	s := newTestStore(t, slot)

	require.NoError(t, s.AddItem(ctx, product("A", 50), 2))
	require.NoError(t, s.SetShippingInfo(ctx, &domain.ShippingInfo{Name: "Ann"}))
	require.Eventually(t, func() bool {
		st, ok := storedState(t, slot, DefaultKey)
		return ok && st.ShippingInfo != nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.State().Items)
	assert.Nil(t, s.State().ShippingInfo)

	require.Eventually(t, func() bool {
		_, ok := slot.get(DefaultKey)
		return !ok
	}, time.Second, 10*time.Millisecond, "slot still holds the cleared cart")
}

func TestStore_RemovingLastLineKeepsShipping(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()
	s := NewStore(ctx, slot)

	require.NoError(t, s.AddItem(ctx, product("A", 50), 1))
	require.NoError(t, s.SetShippingInfo(ctx, &domain.ShippingInfo{Name: "Ann"}))
	require.NoError(t, s.RemoveItem(ctx, "A"))
	require.NoError(t, s.Close(ctx))

	st, ok := storedState(t, slot, DefaultKey)
	require.True(t, ok)
	assert.Empty(t, st.Items)
	require.NotNil(t, st.ShippingInfo)
	assert.Equal(t, "Ann", st.ShippingInfo.Name)
}

func TestStore_ReadOnlyStoreStartsNoWriter(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()
	s := NewStore(ctx, slot)

	_, err := s.Snapshot(ctx)
	require.NoError(t, err)

	s.persist.mu.Lock()
	started := s.persist.started
	s.persist.mu.Unlock()
	assert.False(t, started)

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, slot.saveCount())
}

func TestStore_WriteAfterCloseIsSaved(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()
	s := NewStore(ctx, slot)

	require.NoError(t, s.AddItem(ctx, product("A", 10), 1))
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.AddItem(ctx, product("A", 10), 2))

	st, ok := storedState(t, slot, DefaultKey)
	require.True(t, ok)
	require.Len(t, st.Items, 1)
	assert.Equal(t, 3, st.Items[0].Quantity)
}

func TestStore_CloseFlushesLatestState(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()
	s := NewStore(ctx, slot)

	for i := 1; i <= 50; i++ {
		require.NoError(t, s.UpdateQuantity(ctx, "A", i))
		require.NoError(t, s.AddItem(ctx, product("A", 1), 1))
	}
	require.NoError(t, s.Close(ctx))

	st, ok := storedState(t, slot, DefaultKey)
	require.True(t, ok)
	require.Len(t, st.Items, 1)
	assert.Equal(t, s.State().Items[0].Quantity, st.Items[0].Quantity)
	assert.LessOrEqual(t, slot.saveCount(), 100)
}

func TestStore_RestoresFromSlot(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()

	first := NewStore(ctx, slot)
	require.NoError(t, first.AddItem(ctx, product("A", 50), 2))
	require.NoError(t, first.AddItem(ctx, product("B", 30), 1))
	require.NoError(t, first.SetShippingInfo(ctx, &domain.ShippingInfo{Name: "Ann", City: "Oslo"}))
	require.NoError(t, first.Close(ctx))

	second := newTestStore(t, slot)
	restored := second.State()
	original := first.State()

	want, err := json.Marshal(original)
	require.NoError(t, err)
	got, err := json.Marshal(restored)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
	assertDecimal(t, "130", second.Totals().Subtotal)
}

func TestStore_MalformedSlotStartsEmpty(t *testing.T) {
	slot := newMockSlot()
	slot.values[DefaultKey] = []byte(`{"items": [{"product_id": `)

	core, logs := observer.New(zap.WarnLevel)
	s := newTestStore(t, slot, WithLogger(zap.New(core)))

	assert.Empty(t, s.State().Items)
	assert.Equal(t, 1, logs.FilterMessage("discarding malformed cart").Len())
}

func TestStore_UnreadableSlotStartsEmpty(t *testing.T) {
	slot := newMockSlot()
	slot.loadErr = errors.New("disk on fire")

	core, logs := observer.New(zap.WarnLevel)
	s := newTestStore(t, slot, WithLogger(zap.New(core)))

	assert.Empty(t, s.State().Items)
	assert.Equal(t, 1, logs.Len())
}

func TestStore_SaveFailureKeepsMutation(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()
	slot.saveErr = errors.New("quota exceeded")

	core, logs := observer.New(zap.WarnLevel)
	s := newTestStore(t, slot, WithLogger(zap.New(core)))

	require.NoError(t, s.AddItem(ctx, product("A", 10), 2))
	assert.Equal(t, 2, s.Totals().ItemCount)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("failed to persist cart").Len() > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, s.Totals().ItemCount)
}

func TestStore_CustomKeyAndPolicy(t *testing.T) {
	ctx := context.Background()
	slot := newMockSlot()
	s := newTestStore(t, slot,
		WithKey("shop_cart:abc"),
		WithShippingPolicy(FlatRate{Threshold: decimal.NewFromInt(100), Amount: decimal.NewFromInt(100)}),
	)

	require.NoError(t, s.AddItem(ctx, product("A", 10), 1))
	assertDecimal(t, "100", s.Totals().Shipping)

	require.Eventually(t, func() bool {
		_, ok := slot.get("shop_cart:abc")
		return ok
	}, time.Second, 10*time.Millisecond)
	_, ok := slot.get(DefaultKey)
	assert.False(t, ok)
}

func TestStore_ConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockSlot())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i%4)
			_ = s.AddItem(ctx, product(id, 1), 1)
		}(i)
	}
	wg.Wait()

	st := s.State()
	require.Len(t, st.Items, 4)
	assert.Equal(t, 20, s.Totals().ItemCount)
	for _, line := range st.Items {
		assert.Equal(t, 5, line.Quantity)
	}
}

func TestStore_SnapshotIsDetached(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMockSlot())
	require.NoError(t, s.AddItem(ctx, product("A", 10), 1))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	snap.Items[0].Quantity = 99

	assert.Equal(t, 1, s.State().Items[0].Quantity)
}
