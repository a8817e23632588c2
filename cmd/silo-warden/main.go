package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/EternisAI/silo-warden/internal/api/http"
	"github.com/EternisAI/silo-warden/internal/auth"
	"github.com/EternisAI/silo-warden/internal/command"
	"github.com/EternisAI/silo-warden/internal/conntrack"
	"github.com/EternisAI/silo-warden/internal/credsync"
	"github.com/EternisAI/silo-warden/internal/db"
	"github.com/EternisAI/silo-warden/internal/engine"
	grpcserver "github.com/EternisAI/silo-warden/internal/grpc/server"
	grpctls "github.com/EternisAI/silo-warden/internal/grpc/tls"
	"github.com/EternisAI/silo-warden/internal/notify"
	"github.com/EternisAI/silo-warden/internal/scheduler"
	"github.com/EternisAI/silo-warden/internal/store"
	"github.com/EternisAI/silo-warden/internal/store/postgres"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Warden", "version", AppVersion)

	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	st, closeStore, err := openStore(ctx, config.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, closeNotifier, err := openNotifier(ctx, config.Nats)
	if err != nil {
		return err
	}
	defer closeNotifier()

	ports, err := conntrack.NewPortSet(config.Tunnel.BasePort, config.Tunnel.PortRange.Start, config.Tunnel.PortRange.End)
	if err != nil {
		return fmt.Errorf("invalid tunnel ports: %w", err)
	}
	runner := command.NewExecRunner(config.Tunnel.CommandTimeout)
	discoverer := conntrack.NewDiscoverer(runner, config.Tunnel.ConntrackPath, ports)
	terminator := conntrack.NewTerminator(runner, config.Tunnel.ConntrackPath)

	syncer, err := credsync.NewSyncer(st, command.NewExecRunner(config.Sync.Timeout), notifier, config.syncConfig())
	if err != nil {
		return fmt.Errorf("credential sync: %w", err)
	}

	eng := engine.New(config.engineConfig(), st, discoverer, terminator, syncer, notifier, time.Now)

	if config.Grpc.TLS.Enabled && config.Grpc.TLS.AutoGenerate {
		if err := grpctls.EnsureServerCertificates(grpctls.Bootstrap{
			CACertFile: config.Grpc.TLS.CAFile,
			CAKeyFile:  config.Grpc.TLS.CAKeyFile,
			CertFile:   config.Grpc.TLS.CertFile,
			KeyFile:    config.Grpc.TLS.KeyFile,
			DNSNames:   config.Grpc.TLS.DNSNames,
		}); err != nil {
			return fmt.Errorf("grpc certificates: %w", err)
		}
	}

	tlsConfig := &grpcserver.TLSConfig{
		Enabled:    config.Grpc.TLS.Enabled,
		CertFile:   config.Grpc.TLS.CertFile,
		KeyFile:    config.Grpc.TLS.KeyFile,
		CAFile:     config.Grpc.TLS.CAFile,
		ClientAuth: config.Grpc.TLS.ClientAuth,
	}
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, tlsConfig)

	sched := scheduler.New()
	for _, task := range eng.Tasks() {
		if err := sched.Add(task); err != nil {
			return err
		}
	}
	if err := sched.Add(grpcSrv.HealthTask(syncer, config.Engine.HealthInterval)); err != nil {
		return err
	}

	var authSvc *auth.Service
	if config.Auth.AdminUsername != "" {
		authSvc = auth.NewService(auth.Admin{
			Username:     config.Auth.AdminUsername,
			PasswordHash: config.Auth.AdminPasswordHash,
		}, auth.Config{JWTSecret: config.Auth.JWTSecret, TokenTTL: config.Auth.TokenTTL})
		if !authSvc.Enabled() {
			slog.Warn("Admin login disabled: password hash or JWT secret missing")
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	router.Use(gin.Recovery())
	internalhttp.SetupRoute(router, &internalhttp.Services{
		Store:       st,
		Accounts:    eng.Accounts(),
		Terminator:  eng,
		Syncer:      syncer,
		Tasks:       sched,
		Auth:        authSvc,
		AdminAPIKey: config.Http.AdminAPIKey,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Http.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bring the tunnel server's credential list in line with the store
	// before enforcement starts.
	if err := syncer.Sync(ctx); err != nil {
		slog.Warn("Initial credential sync failed, will retry", "error", err)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")
	sched.Stop()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg DatabaseConfig) (store.Store, func(), error) {
	if cfg.URL == "" {
		slog.Warn("No database configured, using in-memory store; state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	if err := db.Migrate(ctx, cfg.URL, cfg.Schema); err != nil {
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	pool, err := db.Open(ctx, db.Config{
		URL:      cfg.URL,
		Schema:   cfg.Schema,
		MaxConns: cfg.MaxConns,
		MinConns: cfg.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	pg := postgres.New(pool)
	return pg, pg.Close, nil
}

func openNotifier(ctx context.Context, cfg NatsConfig) (notify.Notifier, func(), error) {
	if cfg.URL == "" {
		return notify.LogNotifier{}, func() {}, nil
	}

	js, nc, err := notify.Connect(ctx, cfg.URL, cfg.Stream, cfg.SubjectPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("Publishing events to NATS JetStream", "stream", cfg.Stream, "subject_prefix", cfg.SubjectPrefix)
	closer := func() {
		if err := nc.Drain(); err != nil {
			slog.Warn("Failed to drain NATS connection", "error", err)
		}
	}
	return notify.Multi{notify.LogNotifier{}, js}, closer, nil
}
