// Package run contains the command to run a corelay pipeline server.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/corelay/corelay/internal/fulltext"
	"github.com/corelay/corelay/internal/middleware"
	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/hierarchy"
	"github.com/corelay/corelay/pkg/logger"
	"github.com/corelay/corelay/pkg/pipeline"
	"github.com/corelay/corelay/pkg/storage"
	"github.com/corelay/corelay/pkg/storage/memory"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the corelay pipeline server",
		Long:  "Run the corelay pipeline server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := RunServer(context.Background(), config); err != nil {
		panic(err)
	}
}

// ReadConfig returns the corelay server configuration based on the values by
// viper.
func ReadConfig() (*Config, error) {
	config := DefaultConfig()

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	return config, nil
}

// RunServer boots the pipeline and blocks until the context is cancelled or
// a termination signal arrives.
func RunServer(ctx context.Context, config *Config) error {
	if err := config.Verify(); err != nil {
		return err
	}

	log := logger.MustNewLogger(config.Log.Format, config.Log.Level)

	h := hierarchy.New()

	adapters := storage.NewRegistry()
	for _, d := range []core.Domain{
		core.DomainModel,
		core.DomainTx,
		core.DomainSpace,
		core.DomainConfiguration,
		core.DomainNotification,
		core.DomainDoc,
	} {
		adapters.Register(d, memory.New(h))
	}
	adapters.SetDefault(core.DomainDoc)

	pctx := &pipeline.Context{
		Workspace: config.Workspace,
		Hierarchy: h,
		Adapters:  adapters,
		Logger:    log.ForWorkspace(config.Workspace),
	}
	if config.Fulltext.Endpoint != "" {
		pctx.Fulltext = fulltext.NewClient(config.Fulltext.Endpoint, config.Workspace, log)
	}

	constructors := []pipeline.Constructor{
		middleware.NewDomains,
		middleware.NewModel,
		middleware.NewPersistence,
		middleware.NewConfiguration,
		middleware.NewSpacePermissions(),
		middleware.NewSpaceSecurity,
		middleware.NewPrivacy,
		middleware.NewTelemetry,
		middleware.NewModified,
		middleware.NewFulltext,
		middleware.NewLookup,
		middleware.NewQueryJoin,
		middleware.NewTriggers(middleware.WithMaxDeriveDepth(config.MaxDeriveDepth)),
		middleware.NewApplyIf,
		middleware.NewBroadcast(middleware.WithBroadcastThreshold(config.BroadcastThreshold)),
		middleware.NewSessionTracker,
	}

	head, err := pipeline.Build(ctx, pctx, constructors)
	if err != nil {
		adapters.Close()
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	log.Info("pipeline ready", zap.String("workspace", config.Workspace))

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}
		go func() {
			log.Info(fmt.Sprintf("starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			log.Info("metrics server shut down.")
		}()
	}

	// wait for cancellation signal
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, os.Kill, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("attempting to shutdown gracefully")

	head.Close()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	adapters.Close()

	log.Info("server exited. goodbye 👋")

	return nil
}
