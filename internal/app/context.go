package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"taskrelay/internal/config"
	"taskrelay/internal/db"
	"taskrelay/internal/engine"
	"taskrelay/internal/migrate"
	"taskrelay/internal/realtime"
	"taskrelay/internal/vault"
)

// Runtime holds the dependencies shared by CLI commands and the server.
type Runtime struct {
	Config *config.Config
	DB     *sql.DB
	Vault  *vault.Vault
	Hub    *realtime.Hub
	Engine engine.Engine
	Logger *slog.Logger

	bridge  *realtime.KafkaBridge
	closers []func() error
}

// Open migrates the workspace database and wires the engine. With Kafka
// brokers configured, events are published to the topic and the local hub
// is fed by a bridge consuming it under a consumer group of its own, so
// every process receives every partition.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	rt := &Runtime{Config: cfg, DB: conn, Logger: logger}
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rt.Vault = vault.New(cfg.KeySource(), logger)
	rt.Hub = realtime.NewHub(logger)

	var pub realtime.Publisher = rt.Hub
	if brokers := realtime.SplitBrokers(cfg.Realtime.KafkaBrokers); len(brokers) > 0 {
		kp, err := realtime.NewKafkaPublisher(brokers, cfg.Realtime.KafkaTopic)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		rt.closers = append(rt.closers, kp.Close)
		group := realtime.InstanceGroup(cfg.Realtime.KafkaGroup)
		rt.bridge = realtime.NewKafkaBridge(brokers, cfg.Realtime.KafkaTopic, group, rt.Hub, logger)
		rt.closers = append(rt.closers, rt.bridge.Close)
		pub = kp
		logger.Info("realtime fan-out via kafka", "brokers", brokers, "topic", cfg.Realtime.KafkaTopic, "group", group)
	}

	rt.Engine = engine.New(conn, cfg, rt.Vault, pub, logger)
	return rt, nil
}

// StartRealtime runs the Kafka bridge, if any, until ctx is cancelled.
func (r *Runtime) StartRealtime(ctx context.Context) {
	if r.bridge == nil {
		return
	}
	go func() {
		if err := r.bridge.Run(ctx); err != nil {
			r.Logger.Error("kafka bridge stopped", "error", err)
		}
	}()
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
