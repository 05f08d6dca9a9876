package session

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend    string
	SQLitePath string
	Redis      RedisConfig
	Firestore  FirestoreConfig
}

// Open creates the configured backend. An empty Backend means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "data/lectio.db"
		}
		return NewSQLiteStore(ctx, path)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case BackendFirestore:
		return NewFirestoreStore(ctx, cfg.Firestore)
	default:
		return nil, fmt.Errorf("unknown session store backend %q", cfg.Backend)
	}
}
