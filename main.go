package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/kidcam/camhls/cmd"
	"github.com/kidcam/camhls/internal/app"
	"github.com/kidcam/camhls/internal/config"
	"github.com/kidcam/camhls/internal/logging"
	"github.com/kidcam/camhls/internal/metrics"
	"github.com/kidcam/camhls/internal/metrics/exporters"
	"github.com/kidcam/camhls/internal/systemd"
	"github.com/kidcam/camhls/internal/version"
)

// shutdownTimeout bounds the metrics server drain.
const shutdownTimeout = 5 * time.Second

func main() {
	var cli humacli.CLI

	// Daemon: run the reconciliation monitor until signalled
	cli = humacli.New(func(hooks humacli.Hooks, opts *app.Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Error("Failed to load config", "error", loadErr)
			os.Exit(1)
		}

		logging.Initialize(opts.LoggingConfig())
		logger := logging.GetLogger("main")
		notifier := systemd.NewNotifier(logger)

		ctx, cancel := context.WithCancel(context.Background())
		finished := make(chan struct{})

		hooks.OnStart(func() {
			defer close(finished)

			a, err := app.New(ctx, opts)
			if err != nil {
				logger.Error("Failed to initialize", "error", err)
				os.Exit(1)
			}

			var stopWatchers []func()
			if stop, watchErr := a.WatchConfig(); watchErr != nil {
				logger.Warn("Config hot reload disabled", "error", watchErr)
			} else {
				stopWatchers = append(stopWatchers, stop)
			}
			if stop, watchErr := a.WatchCatalog(); watchErr != nil {
				logger.Warn("Catalog hot reload disabled", "error", watchErr)
			} else {
				stopWatchers = append(stopWatchers, stop)
			}

			var metricsServer *exporters.Server
			if opts.MetricsAddr != "" {
				build := version.Get()
				metrics.SetBuildInfo(build.Version, build.GitCommit, build.GoVersion)
				metricsServer = exporters.NewServer(opts.MetricsAddr, a.Health, logging.GetLogger("metrics"))
				if startErr := metricsServer.Start(); startErr != nil {
					logger.Error("Failed to start metrics server", "error", startErr)
					os.Exit(1)
				}
			}

			monitorDone := make(chan struct{})
			go func() {
				defer close(monitorDone)
				a.Monitor.Run(ctx)
			}()
			go notifier.RunWatchdog(ctx)

			notifier.Ready()
			notifier.Status(fmt.Sprintf("Supervising streams under %s", a.Resolver.Root()))
			logger.Info("camhls started", "version", version.String(), "streams_root", a.Resolver.Root(), "catalog", opts.CatalogDriver)

			<-ctx.Done()
			<-monitorDone

			for _, stop := range stopWatchers {
				stop()
			}

			// Transcoders outlive the daemon unless told otherwise; the next
			// instance adopts them.
			if opts.StreamsStopOnExit {
				if stopErr := a.Supervisor.StopAll(context.Background()); stopErr != nil {
					logger.Error("Error stopping transcoders", "error", stopErr)
				}
				a.Supervisor.Wait()
			}

			if metricsServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				if stopErr := metricsServer.Shutdown(shutdownCtx); stopErr != nil {
					logger.Error("Error stopping metrics server", "error", stopErr)
				}
				shutdownCancel()
			}

			if closeErr := a.Close(); closeErr != nil {
				logger.Error("Error closing", "error", closeErr)
			}
			logger.Info("camhls stopped")
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			notifier.Stopping()
			cancel()
			<-finished
		})
	})

	root := cli.Root()
	root.Use = "camhls"
	root.Short = "Camera RTSP to HLS stream orchestrator"
	root.Version = version.String()

	root.AddCommand(
		cmd.CreateStartCmd(),
		cmd.CreateStopCmd(),
		cmd.CreateRestartCmd(),
		cmd.CreateStatusCmd(),
		cmd.CreateReconcileCmd(),
		cmd.CreateRecordCmd(),
		cmd.CreateVersionCmd(),
	)

	// Run the CLI
	cli.Run()
}
