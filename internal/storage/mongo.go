package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoPool bounds the driver's connection pool. Zero values keep the
// driver defaults.
type MongoPool struct {
	MaxSize uint64
	MinSize uint64
}

func (p MongoPool) apply(opts *options.ClientOptions) *options.ClientOptions {
	if p.MaxSize > 0 {
		opts.SetMaxPoolSize(p.MaxSize)
	}
	if p.MinSize > 0 {
		opts.SetMinPoolSize(p.MinSize)
	}
	return opts
}

// ConnectMongoDB opens a client, verifies it with a ping and returns the
// named database. A failed ping disconnects the client.
func ConnectMongoDB(ctx context.Context, uri, database string, pool MongoPool) (*mongo.Database, error) {
	clientOpts := pool.apply(options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second))

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo slot store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo slot store: %w", err)
	}
	return client.Database(database), nil
}

type slotDocument struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type MongoSlot struct {
	collection *mongo.Collection
}

func NewMongoSlot(db *mongo.Database) *MongoSlot {
	return &MongoSlot{
		collection: db.Collection("cart_slots"),
	}
}

func (m *MongoSlot) Load(ctx context.Context, key string) ([]byte, error) {
	var doc slotDocument
	err := m.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSlotEmpty
		}
		return nil, fmt.Errorf("failed to load slot: %w", err)
	}
	return doc.Value, nil
}

func (m *MongoSlot) Save(ctx context.Context, key string, value []byte) error {
	update := bson.M{"$set": bson.M{
		"value":      value,
		"updated_at": time.Now().UTC(),
	}}
	opts := options.Update().SetUpsert(true)

	if _, err := m.collection.UpdateOne(ctx, bson.M{"_id": key}, update, opts); err != nil {
		return fmt.Errorf("failed to save slot: %w", err)
	}
	return nil
}

func (m *MongoSlot) Delete(ctx context.Context, key string) error {
	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete slot: %w", err)
	}
	return nil
}
