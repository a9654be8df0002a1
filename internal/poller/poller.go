package poller

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const retryDelay = time.Second

// MessageReader is the part of *kafka.Reader the poller uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Clearer empties the cart of a session.
type Clearer interface {
	Clear(ctx context.Context, sessionID string) error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Poller consumes completed-checkout events and clears the cart of the
// session that placed the order.
type Poller struct {
	carts  Clearer
	reader MessageReader
	log    *zap.Logger
}

func NewPoller(carts Clearer, log *zap.Logger, cfg Config) *Poller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: 10e6, // 10MB
	})
	return NewWithReader(carts, reader, log)
}

func NewWithReader(carts Clearer, reader MessageReader, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{carts: carts, reader: reader, log: log.Named("poller")}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.next(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("error reading message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Warn("error closing reader", zap.Error(err))
	}
}

// next handles one message. Only read failures are returned; a message that
// cannot be processed is logged and skipped.
func (p *Poller) next(ctx context.Context) error {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		return err
	}

	log := p.log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	sessionID, err := sessionFromPayload(m.Value)
	if err != nil {
		log.Warn("skipping checkout event", zap.Error(err))
		return nil
	}

	if err := p.carts.Clear(ctx, sessionID); err != nil {
		log.Error("failed to clear cart", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	log.Info("cleared cart after checkout", zap.String("session_id", sessionID))
	return nil
}

var errNoSession = errors.New("missing or invalid session_id and user_id")

// sessionFromPayload reads session_id, falling back to user_id for events
// produced by older checkout services.
func sessionFromPayload(data []byte) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}
	for _, key := range []string{"session_id", "user_id"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	}
	return "", errNoSession
}
