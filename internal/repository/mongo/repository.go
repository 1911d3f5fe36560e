// Package mongo is the optional library store backed by MongoDB. It is
// selected when MONGO_URI is set; otherwise the embedded bolt store is used.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	watchHistoryCollection = "watch_history"
	preferencesCollection  = "track_preferences"
	settingsCollection     = "settings"
)

// Store implements ports.LibraryStore over three collections of one database.
type Store struct {
	client       *mongo.Client
	watchHistory *mongo.Collection
	preferences  *mongo.Collection
	settings     *mongo.Collection
}

func NewStore(client *mongo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		client:       client,
		watchHistory: db.Collection(watchHistoryCollection),
		preferences:  db.Collection(preferencesCollection),
		settings:     db.Collection(settingsCollection),
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.watchHistory == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "sourceUri", Value: 1}}},
	}
	_, err := s.watchHistory.Indexes().CreateMany(ctx, models)
	return err
}

// Close disconnects the client the store was built on.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
