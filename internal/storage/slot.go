package storage

import (
	"context"
	"errors"
)

// Slot is a durable key/value location that holds one serialized cart.
// Implementations return ErrSlotEmpty from Load when the key was never written
// or has been deleted.
type Slot interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

var ErrSlotEmpty = errors.New("slot empty")
