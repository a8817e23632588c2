package systemtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	internalhttp "github.com/EternisAI/silo-warden/internal/api/http"
	"github.com/EternisAI/silo-warden/internal/credsync"
	"github.com/EternisAI/silo-warden/internal/db"
	"github.com/EternisAI/silo-warden/internal/engine"
	"github.com/EternisAI/silo-warden/internal/models"
	pgstore "github.com/EternisAI/silo-warden/internal/store/postgres"
	"github.com/EternisAI/silo-warden/systemtest/postgres"
	"github.com/EternisAI/silo-warden/systemtest/tests"
)

func intPtr(v int) *int { return &v }

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "warden", "warden", "warden")
	require.NoError(t, err)
	t.Cleanup(func() { _ = postgres.TerminatePostgres(context.Background(), container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.Migrate(ctx, dsn, "warden"))
	pool, err := db.Open(ctx, db.Config{URL: dsn, Schema: "warden"})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for _, a := range []models.Account{
		{ID: "port-user", Credential: "pw-port", Status: models.AccountStatusActive, AssignedPort: intPtr(6001),
			ConcurrencyLimit: 1, DeviceLimit: 5},
		{ID: "base-user", Credential: "pw-base", Status: models.AccountStatusActive, ConcurrencyLimit: 2, DeviceLimit: 5},
		{ID: "heavy-user", Credential: "pw-heavy", Status: models.AccountStatusActive, AssignedPort: intPtr(6002),
			ConcurrencyLimit: 1, DeviceLimit: 1, BandwidthUsed: 1000, BandwidthLimit: 1000},
		{ID: "store-user", Credential: "pw-store", Status: models.AccountStatusActive, AssignedPort: intPtr(6003),
			ConcurrencyLimit: 1, DeviceLimit: 1},
		{ID: "banned-user", Credential: "pw-banned", Status: models.AccountStatusBanned, ConcurrencyLimit: 1, DeviceLimit: 1},
	} {
		require.NoError(t, postgres.SeedAccount(ctx, pool, a))
	}

	st := pgstore.New(pool)

	t.Run("AccountStore", func(t *testing.T) { tests.TestAccountStore(t, st, "store-user", "banned-user") })
	t.Run("SessionStore", func(t *testing.T) { tests.TestSessionStore(t, st, "store-user") })

	runner := &tests.Runner{}
	credFile := filepath.Join(t.TempDir(), "config.json")
	syncer, err := credsync.NewSyncer(st, runner, nil, credsync.Config{ConfigFile: credFile})
	require.NoError(t, err)

	h := &tests.Harness{
		Store:          st,
		Discoverer:     &tests.Discoverer{},
		Dropper:        &tests.Dropper{},
		Runner:         runner,
		CredentialFile: credFile,
	}
	h.Engine = engine.New(engine.DefaultConfig(), st, h.Discoverer, h.Dropper, syncer, nil, nil)

	t.Run("EnforcementFlow", func(t *testing.T) { tests.TestEnforcementFlow(t, h) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	internalhttp.SetupRoute(router, &internalhttp.Services{
		Store:       st,
		Accounts:    h.Engine.Accounts(),
		Terminator:  h.Engine,
		Syncer:      syncer,
		AdminAPIKey: tests.APIKey,
	})

	t.Run("AdminAPI", func(t *testing.T) { tests.TestAdminAPI(t, router) })
}
