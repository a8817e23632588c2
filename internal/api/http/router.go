package http

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-warden/internal/api/http/handler"
	"github.com/EternisAI/silo-warden/internal/api/http/middleware"
	"github.com/EternisAI/silo-warden/internal/auth"
	"github.com/EternisAI/silo-warden/internal/credsync"
	"github.com/EternisAI/silo-warden/internal/store"
)

// Syncer is the credential sync as seen by the admin API.
type Syncer interface {
	Sync(ctx context.Context) error
	Health() credsync.Health
}

type Services struct {
	Store      store.Store
	Accounts   handler.AccountManager
	Terminator handler.SessionTerminator
	Syncer     Syncer
	Tasks      handler.TaskStatuses
	// Auth may be nil, in which case only the API key is accepted.
	Auth        *auth.Service
	AdminAPIKey string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	var syncHealth handler.SyncHealth
	var syncer handler.CredentialSyncer
	if srvs.Syncer != nil {
		syncHealth = srvs.Syncer
		syncer = srvs.Syncer
	}
	healthHandler := handler.NewHealthHandler(syncHealth, srvs.Tasks)
	engine.GET("/health", healthHandler.Check)

	var tokens middleware.TokenValidator
	if srvs.Auth != nil && srvs.Auth.Enabled() {
		authHandler := handler.NewAuthHandler(srvs.Auth)
		engine.POST("/auth/login", authHandler.Login)
		tokens = srvs.Auth
	}

	sessionHandler := handler.NewSessionHandler(srvs.Store)
	violationHandler := handler.NewViolationHandler(srvs.Store)
	accountHandler := handler.NewAccountHandler(srvs.Accounts, srvs.Terminator, syncer)

	api := engine.Group("/api/v1")
	api.Use(middleware.AdminAuth(srvs.AdminAPIKey, tokens))
	{
		api.GET("/sessions/live", sessionHandler.Live)
		api.GET("/accounts/:id/sessions", sessionHandler.AccountHistory)
		api.GET("/accounts/:id/live", sessionHandler.AccountLive)
		api.GET("/violations", violationHandler.List)
		api.POST("/accounts/:id/suspend", accountHandler.Suspend)
		api.POST("/accounts/:id/activate", accountHandler.Activate)
		api.POST("/accounts/:id/terminate", accountHandler.Terminate)
		api.POST("/sync", accountHandler.Sync)
	}
}
