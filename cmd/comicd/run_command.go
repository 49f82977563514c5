package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"comic-rpc/config"
	"comic-rpc/loadbalance"
	"comic-rpc/registry"
	"comic-rpc/supervisor"
)

// shutdownTimeout bounds Manager.Stop; workers still alive afterwards are killed.
const shutdownTimeout = 30 * time.Second

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start all configured workers and supervise them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			lock := flock.New(cfg.LockFile)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return errors.New("another comicd instance is already running")
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release lock", zap.Error(err))
				}
			}()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHost(sigCtx, cfg, logger)
		},
	}
}

// runHost starts every worker and blocks until ctx is done.
func runHost(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg, err := newRegistry(cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	balancer, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return err
	}

	specs := make([]supervisor.Spec, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		spec, err := supervisor.SpecFromConfig(w)
		if err != nil {
			return fmt.Errorf("worker %s: %w", w.Name, err)
		}
		specs = append(specs, spec)
	}

	m := supervisor.NewManager(reg, balancer,
		supervisor.WithRegistryTTL(cfg.Registry.TTL.D()),
		supervisor.WithManagerLogger(logger))
	if err := m.Start(ctx, specs); err != nil {
		return err
	}
	for _, w := range m.Workers() {
		logger.Info("worker running",
			zap.String("worker", w.Name()),
			zap.String("group", w.Group()),
			zap.Int("pid", w.PID()),
			zap.Int("port", w.Port()))
	}

	<-ctx.Done()
	logger.Info("shutting down", zap.Int("workers", len(m.Workers())))

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return m.Stop(stopCtx)
}

// newRegistry uses etcd when endpoints are configured and an in-process
// registry otherwise.
func newRegistry(cfg config.Registry, logger *zap.Logger) (registry.Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return registry.NewMemory(), nil
	}
	reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout.D(),
		Prefix:      cfg.Prefix,
		Logger:      logger.Named("registry"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	return reg, nil
}
