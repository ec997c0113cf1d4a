// Package e2e runs the production router over a real Postgres store
package e2e

import (
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authtoken/internal/handlers"
	"github.com/nkiryanov/authtoken/internal/logger"
	"github.com/nkiryanov/authtoken/internal/repository"
	"github.com/nkiryanov/authtoken/internal/repository/postgres"
	"github.com/nkiryanov/authtoken/internal/service/auth"
	"github.com/nkiryanov/authtoken/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/authtoken/internal/testutil"
	"github.com/nkiryanov/authtoken/internal/token/jws"
)

type Services struct {
	AuthService  *auth.AuthService
	TokenManager *tokenmanager.TokenManager
}

// Create db transaction and run server in with that connection (one connection cause one transaction)
// The created transaction passed to inner function: so, you can safely use testutil.WithTx with it
func ServeWithTx(dbpool *pgxpool.Pool, t *testing.T, fn func(tx pgx.Tx, srvURL string, services Services)) {
	testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
		storage := postgres.NewStorage(tx)

		key, err := jws.NewKey(jws.AlgHS256, []byte("test-secret-key-32-bytes-long!!!"), nil)
		require.NoError(t, err)

		// Initialize services
		tokenManager, err := tokenmanager.New(
			tokenmanager.Config{Key: key},
			repository.Bounded(storage.Refresh(), repository.DefaultStoreTimeout),
		)
		require.NoError(t, err, "token manager should be created without errors")

		as, err := auth.NewService(auth.Config{}, tokenManager, storage.User())
		require.NoError(t, err, "auth service starting error", err)

		router := handlers.NewRouter(as, handlers.ServiceInfo{Name: "authtoken", Version: "e2e"}, logger.NewNoOpLogger())

		// Run http server with the router in transaction
		srv := httptest.NewServer(router)
		defer srv.Close()

		fn(tx, srv.URL, Services{
			AuthService:  as,
			TokenManager: tokenManager,
		})
	})
}
