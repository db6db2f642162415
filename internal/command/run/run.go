package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cmdflags "vistara-arbiter/internal/command/flags"
	"vistara-arbiter/internal/config"
	"vistara-arbiter/internal/inject"
	"vistara-arbiter/pkg/api"
	"vistara-arbiter/pkg/arbiter"
	"vistara-arbiter/pkg/client"
	"vistara-arbiter/pkg/log"
	"vistara-arbiter/pkg/models"
)

const shutdownTimeout = 5 * time.Second

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the GPU arbiter with simulated devices",
		PreRunE: func(c *cobra.Command, _ []string) error {
			cmdflags.BindCommandToViper(c)

			logger := log.GetLogger(c.Context())
			logger.Infof("Starting arbiterd")

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	cmdflags.AddArbiterFlagsToCommand(cmd, cfg)
	cmdflags.AddAPIFlagsToCommand(cmd, cfg)
	cmdflags.AddClientFlagsToCommand(cmd, cfg)

	if err := cmdflags.AddHiddenFlagsToCommand(cmd, cfg); err != nil {
		return nil, err
	}

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := log.GetLogger(ctx)

	topology, err := config.LoadTopology(inject.FileSystem(), cfg.TopologyFile)
	if err != nil {
		return err
	}
	cfg.ApplyTopology(topology)

	logger.WithFields(logrus.Fields{
		"topology":   cfg.TopologyFile,
		"separation": topology.Separation,
		"resources":  len(topology.Resources()),
		"policy":     cfg.Policy,
	}).Info("loaded topology")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p, err := inject.InitializePorts(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing devices: %w", err)
	}

	arb, err := inject.InitializeArbiter(cfg, p, logger, reg)
	if err != nil {
		return fmt.Errorf("initializing arbiter: %w", err)
	}

	// The workers outlive the signal so sessions can still be revoked
	// while closing.
	if err := arb.Start(context.WithoutCancel(log.WithLogger(ctx, logger))); err != nil {
		return err
	}
	defer arb.Stop()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := inject.InitializeClientManager(cfg, arb, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if !cfg.DisableAPI {
		serveAPI(gctx, g, cfg, arb, manager, reg, logger)
	}

	startClients(gctx, g, cfg, manager, topology.Resources(), logger)

	err = g.Wait()
	logger.Debug("Shutdown signal received, waiting for work to finish")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if closeErr := manager.Close(closeCtx); closeErr != nil {
		logger.WithError(closeErr).Warn("closing client sessions")
	}

	logger.Info("Finished all tasks, exiting")

	return err
}

func serveAPI(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	arb *arbiter.Arbiter,
	manager *client.Manager,
	reg *prometheus.Registry,
	logger *logrus.Entry,
) {
	srv := &http.Server{
		Addr:              cfg.HTTPBindAddr,
		Handler:           api.New(arb, manager, reg, logger).Router(),
		ReadHeaderTimeout: shutdownTimeout,
	}

	g.Go(func() error {
		logger.Infof("Starting status API on %s", cfg.HTTPBindAddr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving status API: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down status API")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})
}

// startClients opens one emulated driver per configured client, spread over
// the resources. A driver that is not granted in time is logged and dropped.
func startClients(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	manager *client.Manager,
	resources []models.ResourceID,
	logger *logrus.Entry,
) {
	for i := 0; i < cfg.Clients.Count; i++ {
		vm := models.VMID(cfg.Clients.VMBase + uint32(i))
		resource := resources[i%len(resources)]

		g.Go(func() error {
			if _, err := manager.Open(ctx, vm, resource); err != nil {
				logger.WithFields(logrus.Fields{"vm": vm, "resource": resource}).WithError(err).Warn("emulated client did not start")
			}

			return nil
		})
	}
}
