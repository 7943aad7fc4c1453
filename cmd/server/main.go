package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"dataguard/internal/admin"
	"dataguard/internal/auth"
	"dataguard/internal/config"
	"dataguard/internal/engine"
	"dataguard/internal/instrument"
	"dataguard/internal/metadata"
	"dataguard/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default ./dataguard.yaml)")
	seedPath := flag.String("seed", "", "YAML policy file to import at startup (overrides policy_file)")
	issueToken := flag.String("issue-token", "", "print a signed access token for the given user id and exit")
	tokenTTL := flag.Duration("token-ttl", auth.AccessTokenTTL, "lifetime of tokens printed by --issue-token")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := auth.GenerateAccessToken(*issueToken, *tokenTTL, cfg.JWTSecret)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log := newLogger(cfg.Log)
	defer log.Sync()

	if err := run(cfg, *seedPath, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if cfg.Development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return l
}

func run(cfg *config.Config, seedPath string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.Name))

	// 2. Connect to database and bootstrap system tables
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Bootstrap(ctx, log); err != nil {
		return err
	}

	// 3. Import the seed file, then load the registry from the database
	if seedPath == "" {
		seedPath = cfg.PolicyFile
	}
	if seedPath != "" {
		seed, err := metadata.LoadSeedFile(seedPath)
		if err != nil {
			return err
		}
		if err := metadata.SaveSeed(ctx, db, seed); err != nil {
			return fmt.Errorf("import %s: %w", seedPath, err)
		}
		log.Info("imported policy file", zap.String("path", seedPath))
	}

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db, reg, log); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	// 4. Metrics and engine
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := engine.NewMetrics(promReg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	eng, err := engine.NewFromConfig(reg, cfg, log.Named("engine"), metrics)
	if err != nil {
		return err
	}

	sweeper := engine.NewCacheSweeper(eng.Resolver(), cfg.Cache.SweepInterval, log)
	sweeper.Start()
	defer sweeper.Stop()

	// 5. Access events
	var buffer *instrument.EventBuffer
	if cfg.Events.Enabled {
		sinks := []instrument.Sink{instrument.NewSQLSink(db.DB, db.Dialect)}
		if cfg.Events.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Events.RedisAddr,
				Password: cfg.Events.RedisPassword,
			})
			defer rdb.Close()
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				log.Warn("redis unreachable; events will be retried on every flush",
					zap.String("addr", cfg.Events.RedisAddr), zap.Error(err))
			}
			cancel()
			sinks = append(sinks, instrument.NewRedisSink(rdb, cfg.Events.RedisChannel))
		}
		buffer = instrument.NewEventBuffer(sinks, cfg.Events.BufferSize, cfg.Events.FlushIntervalMs, log.Named("events"))
		defer buffer.Stop()

		retention := instrument.NewRetentionScheduler(db.DB, db.Dialect, cfg.Events.RetentionDays, log)
		retention.Start(time.Hour)
		defer retention.Stop()
	}

	// 6. HTTP
	// Params and headers end up in the registry, metric labels and buffered
	// events, so they must not alias fiber's reused request buffers.
	app := fiber.New(fiber.Config{
		Immutable:    true,
		ErrorHandler: errorHandler(log),
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(buffer))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "registry_version": reg.Snapshot().Version})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	authMW := auth.AuthMiddleware(cfg.JWTSecret)

	engine.RegisterAccessRoutes(app, engine.NewHandler(eng), authMW,
		auth.RequirePermission(eng, metadata.ResourceAuditLog, metadata.ActionRead))

	var events *instrument.EventHandler
	if cfg.Events.Enabled {
		events = instrument.NewEventHandler(db.DB, db.Dialect)
	}
	adminHandler := admin.NewHandler(db, reg, eng.Resolver(), log.Named("admin"))
	admin.RegisterAdminRoutes(app, adminHandler, events, authMW,
		auth.RequirePermission(eng, metadata.ResourceSetting, metadata.ActionManage))

	// 7. Serve until interrupted
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", addr))
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var appErr *engine.AppError
		if errors.As(err, &appErr) {
			return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
			return c.Status(code).JSON(engine.ErrorResponse{
				Error: engine.NewAppError("HTTP_ERROR", code, fiberErr.Message),
			})
		}

		log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(code).JSON(engine.ErrorResponse{
			Error: engine.NewAppError("INTERNAL_ERROR", code, "Internal server error"),
		})
	}
}
