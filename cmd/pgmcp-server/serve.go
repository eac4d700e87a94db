package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/neverinfamous/postgresql-mcp/internal/api"
	"github.com/neverinfamous/postgresql-mcp/internal/bindings"
	"github.com/neverinfamous/postgresql-mcp/internal/codemode"
	"github.com/neverinfamous/postgresql-mcp/internal/config"
	"github.com/neverinfamous/postgresql-mcp/internal/logger"
	"github.com/neverinfamous/postgresql-mcp/internal/sandbox"
	"github.com/neverinfamous/postgresql-mcp/internal/security"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the code execution service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, port)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.Flags().IntVar(&port, "port", 0, "Override server port")
	return cmd
}

func runServe(configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	log := logger.New(cfg.Logging)

	// Audit sinks are additive; the structured log line is always on.
	var sinks []security.Sink
	if cfg.Audit.File != "" {
		sink, err := security.NewFileSink(cfg.Audit.File)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Audit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Audit.RedisAddr,
			Password: cfg.Audit.RedisPassword,
			DB:       cfg.Audit.RedisDB,
		})
		sinks = append(sinks, security.NewRedisSink(client))
	}
	if cfg.Audit.MongoURI != "" {
		sink, err := security.NewMongoSink(cfg.Audit.MongoURI, cfg.Audit.MongoDatabase)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}

	sec, err := security.NewManager(security.Config{
		MaxCodeLength:          cfg.Security.MaxCodeLength,
		MaxExecutionsPerMinute: cfg.Security.MaxExecutionsPerMinute,
		MaxResultSize:          cfg.Security.MaxResultSize,
		RulesFile:              cfg.Security.RulesFile,
	}, log, sinks...)
	if err != nil {
		return err
	}
	defer sec.Close()

	factory, err := sandbox.NewFactory(
		sandbox.Mode(cfg.Sandbox.Mode),
		sandbox.Options{
			MemoryLimitMB: cfg.Sandbox.MemoryLimitMB,
			Timeout:       cfg.Sandbox.Timeout,
			CPULimit:      cfg.Sandbox.CPULimit,
		},
		sandbox.PoolOptions{
			MinInstances: cfg.Pool.MinInstances,
			MaxInstances: cfg.Pool.MaxInstances,
			IdleTimeout:  cfg.Pool.IdleTimeout,
		},
		log,
	)
	if err != nil {
		return err
	}

	registry, cleanup, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	service, err := codemode.NewService(factory, sec, registry, log)
	if err != nil {
		return err
	}
	defer service.Close()

	server := api.NewServer(cfg, service, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("mode", cfg.Sandbox.Mode).Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}

// buildRegistry assembles the bound API surface. With a configured DSN
// the pg group proxies to PostgreSQL; otherwise a small utility group
// keeps the service runnable for development.
func buildRegistry(cfg *config.Config, log zerolog.Logger) (bindings.Registry, func(), error) {
	if cfg.Postgres.DSN == "" {
		log.Warn().Msg("no postgres DSN configured; using the util binding group only")
		return utilRegistry(), func() {}, nil
	}

	provider, err := bindings.NewPGProvider(cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, err
	}
	registry := bindings.Merge(provider.Registry(), utilRegistry())
	return registry, func() { provider.Close() }, nil
}

// utilRegistry exposes side-effect-free helpers, useful for smoke tests
// and development without a database.
func utilRegistry() bindings.Registry {
	return bindings.Registry{
		"util": {
			"echo": func(_ context.Context, params map[string]interface{}) (interface{}, error) {
				return params, nil
			},
			"now": func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
		},
	}
}
