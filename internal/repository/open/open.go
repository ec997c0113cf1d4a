// Package open picks storage backend by DSN scheme
package open

import (
	"context"
	"fmt"
	"strings"

	"github.com/nkiryanov/authtoken/internal/db"
	"github.com/nkiryanov/authtoken/internal/repository"
	"github.com/nkiryanov/authtoken/internal/repository/postgres"
	"github.com/nkiryanov/authtoken/internal/repository/redis"
	"github.com/nkiryanov/authtoken/internal/repository/sqlite"
)

// Open storage for the DSN, applying migrations where the backend has a schema
//
//	postgres://... or postgresql://...   postgres
//	redis://... or rediss://...          redis
//	sqlite://<path> or sqlite://:memory: sqlite
//
// The returned func releases connections
func Open(ctx context.Context, dsn string) (repository.Storage, func(), error) {
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		return nil, nil, fmt.Errorf("storage dsn has no scheme: %q", redact(dsn))
	}

	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		pool, err := db.ConnectAndMigrate(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStorage(pool), pool.Close, nil

	case "redis", "rediss":
		client, err := redis.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return redis.NewStorage(client, redis.DefaultPrefix), func() { _ = client.Close() }, nil

	case "sqlite", "sqlite3":
		conn, err := db.OpenSQLite(ctx, rest)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewStorage(conn), func() { _ = conn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage scheme %q", scheme)
	}
}

// Hide credentials before putting dsn in errors
func redact(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		return "***" + dsn[at:]
	}
	return dsn
}
