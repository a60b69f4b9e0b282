// Package serve runs the streamer: it starts the configured capture and
// delivery modules and blocks until shutdown.
package serve

import (
	"context"
	"time"

	"github.com/tphakala/framecast/internal/buildinfo"
	"github.com/tphakala/framecast/internal/conf"
	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"

	// Built-in capture and delivery modules
	_ "github.com/tphakala/framecast/internal/modules/all"
)

// sentryFlushTimeout bounds how long buffered error reports may delay exit.
const sentryFlushTimeout = 2 * time.Second

// Run starts the modules named in settings and waits for a signal, a module
// shutdown request or ctx to end. It returns the process exit status.
func Run(ctx context.Context, settings *conf.Settings, info *buildinfo.Context) int {
	return run(ctx, settings, info, host.DefaultRegistry())
}

func run(ctx context.Context, settings *conf.Settings, info *buildinfo.Context, registry *host.Registry) int {
	log := logger.Global().Module("framecast")

	if settings.Telemetry.Sentry.Enabled {
		flush, err := errors.InitSentry(settings.Telemetry.Sentry.DSN, info.Version())
		if err != nil {
			log.Warn("error telemetry disabled", logger.Error(err))
		} else {
			defer flush(sentryFlushTimeout)
		}
	}

	log.Info("starting framecast",
		logger.String("name", settings.Main.Name),
		logger.String("version", info.Version()),
		logger.String("system_id", info.SystemID()),
		logger.String("input", settings.Modules.Input),
		logger.Int("outputs", len(settings.Modules.Outputs)))

	metrics, err := host.NewMetrics(nil)
	if err != nil {
		log.Error("failed to create metrics", logger.Error(err))
		return 1
	}
	state, err := host.NewState(host.StateOptions{Metrics: metrics})
	if err != nil {
		log.Error("failed to create host state", logger.Error(err))
		return 1
	}

	registry.SetSearchPaths(settings.Modules.SearchPaths)
	manager := host.NewManager(state, registry)
	coordinator := host.NewCoordinator(state, manager, host.ShutdownConfig{
		StopTimeout: settings.Shutdown.StopTimeout,
		GracePeriod: settings.Shutdown.GracePeriod,
	})

	return coordinator.Serve(ctx, func() error {
		return start(manager, settings)
	})
}

// start brings the capture module up first so deliveries never see a
// channel without a producer, then runs everything.
func start(manager *host.Manager, settings *conf.Settings) error {
	if err := manager.StartCapture(settings.Modules.Input); err != nil {
		return err
	}
	if err := manager.StartDelivery(settings.Modules.Outputs); err != nil {
		return err
	}
	return manager.Run()
}
