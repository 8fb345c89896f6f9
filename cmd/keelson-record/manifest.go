package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/recorder/config"
	"github.com/rbaliyan/recorder/manifest"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// defaultManifestDB is used when a MongoDB URI names no database.
const defaultManifestDB = "keelson"

// openManifest opens the store named by setting. The returned close
// function releases the store and its connection.
func openManifest(ctx context.Context, setting string) (manifest.Store, func(), error) {
	kind, err := config.ManifestKind(setting)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch kind {
	case config.ManifestMemory:
		store := manifest.NewMemoryStore()
		return store, func() { _ = store.Close() }, nil

	case config.ManifestRedis:
		opts, err := goredis.ParseURL(setting)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid manifest url: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to manifest redis: %w", err)
		}
		store := manifest.NewRedisStore(client)
		return store, func() {
			_ = store.Close()
			_ = client.Close()
		}, nil

	case config.ManifestMongo:
		cs, err := connstring.ParseAndValidate(setting)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid manifest uri: %w", err)
		}
		db := cs.Database
		if db == "" {
			db = defaultManifestDB
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(setting))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to manifest mongodb: %w", err)
		}
		store := manifest.NewMongoStore(client.Database(db))
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("failed to create manifest indexes: %w", err)
		}
		return store, func() {
			_ = store.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		}, nil

	default:
		return nil, func() {}, nil
	}
}
