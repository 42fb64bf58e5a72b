package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"sparing.org/internal/audit"
	"sparing.org/internal/auth"
	"sparing.org/internal/config"
	"sparing.org/internal/httpapi"
	"sparing.org/internal/ids"
	"sparing.org/internal/obs"
	"sparing.org/internal/ratelimit"
	"sparing.org/internal/store/pg"
	"sparing.org/internal/stream"
	"sparing.org/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sparing-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, be.revocations,
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(tokens, be.users)
	if err != nil {
		return err
	}

	recorder, err := audit.NewRecorder(be.sink, audit.WithLogger(logger))
	if err != nil {
		return err
	}
	hub := stream.New()
	pipeline, err := telemetry.NewPipeline(be.store, recorder,
		telemetry.WithPublisher(hub),
		telemetry.WithLogger(logger),
		telemetry.WithMaxBatch(cfg.MaxBulkItems),
	)
	if err != nil {
		return err
	}
	devices, err := telemetry.NewDeviceDecoder(cfg.DeviceTokenSecret(), nil)
	if err != nil {
		return err
	}
	admission := ratelimit.NewController(be.limiter, cfg.RateLimitPrefixes,
		ratelimit.WithLogger(logger),
		ratelimit.WithRetryAfter(cfg.RateLimitWindow),
	)

	api, err := httpapi.New(httpapi.Deps{
		Auth:      authSvc,
		Pipeline:  pipeline,
		Reader:    telemetry.NewReader(be.store),
		Devices:   devices,
		Stream:    hub,
		Admission: admission,
		Ready:     be.store,
		Logger:    logger,
	}, httpapi.Options{
		Version:      version,
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORSOrigins:  cfg.CORSOrigins,
		Production:   cfg.IsProduction(),
	})
	if err != nil {
		return err
	}

	go auth.RunSweeper(ctx, be.revocations, cfg.RevocationSweepInterval, logger, obs.ObserveSwept)
	if be.window != nil {
		go sweepWindow(ctx, be.window, cfg.RateLimitWindow)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("http listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = grpc.NewServer()
		health := httpapi.NewGRPCHealth(be.store, logger)
		health.Register(grpcServer)
		go health.Run(ctx, 15*time.Second)
		go func() {
			logger.Info("grpc listening", slog.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errs <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
		logger.Error("server failed", slog.Any("error", runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	logger.Info("stopped")
	return runErr
}

type backends struct {
	store       telemetry.Store
	sink        audit.Sink
	users       auth.UserDirectory
	revocations auth.RevocationStore
	limiter     ratelimit.Backend
	window      *ratelimit.Window
	closers     []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	be := &backends{}

	var pgStore *pg.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		s, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, s.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = s.Ping(pingCtx)
		cancel()
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		pgStore = s
		be.store, be.sink, be.users = s, s, s
	default:
		mem := telemetry.NewInMemory()
		users := auth.NewMemoryDirectory()
		if err := seedMemory(mem, users, cfg.SeedPassword); err != nil {
			return nil, err
		}
		logger.Warn("using in-memory store; data is lost on restart")
		be.store, be.sink, be.users = mem, audit.NewMemorySink(), users
	}

	var rdb *redis.Client
	if cfg.RateLimitBackend == config.BackendRedis || cfg.RevocationBackend == config.BackendRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		be.closers = append(be.closers, rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
	}

	switch cfg.RevocationBackend {
	case config.BackendPostgres:
		be.revocations = pgStore
	case config.BackendRedis:
		be.revocations = auth.NewRedisRevocations(rdb, "")
	default:
		be.revocations = auth.NewMemoryRevocations()
	}

	switch cfg.RateLimitBackend {
	case config.BackendRedis:
		be.limiter = ratelimit.NewRedis(rdb, "", cfg.RateLimitPerMin, cfg.RateLimitWindow)
	default:
		be.window = ratelimit.NewWindow(cfg.RateLimitPerMin, cfg.RateLimitWindow)
		be.limiter = be.window
	}
	return be, nil
}

// seedMemory creates demo sites and one account per role for STORE_BACKEND=memory.
func seedMemory(store *telemetry.InMemory, users *auth.MemoryDirectory, password string) error {
	store.AddSite("SITE-001", "Outfall 1")
	store.AddSite("SITE-002", "Outfall 2")

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	users.Put(auth.User{ID: ids.New(), Name: "Admin", Email: "admin@sparing.local", PasswordHash: hash, Role: auth.RoleAdmin, Active: true})
	users.Put(auth.User{ID: ids.New(), Name: "Operator", Email: "operator@sparing.local", PasswordHash: hash, Role: auth.RoleOperator, Active: true})
	users.Put(auth.User{ID: ids.New(), Name: "Viewer", Email: "viewer@sparing.local", PasswordHash: hash, Role: auth.RoleViewer, Active: true}, "SITE-001")
	return nil
}

// sweepWindow drops idle rate-limit buckets so the key map stays bounded.
func sweepWindow(ctx context.Context, w *ratelimit.Window, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := w.Sweep(now); n > 0 {
				slog.Debug("rate limit sweep", slog.Int("removed", n))
			}
		}
	}
}
