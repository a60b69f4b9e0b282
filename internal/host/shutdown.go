package host

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/logger"
)

// ShutdownConfig bounds the teardown sequence.
type ShutdownConfig struct {
	StopTimeout time.Duration // per-module stop bound, 0 waits forever
	GracePeriod time.Duration // sleep between the last stop and unload
}

// DefaultShutdownConfig matches the stock configuration file.
var DefaultShutdownConfig = ShutdownConfig{
	StopTimeout: 5 * time.Second,
	GracePeriod: time.Second,
}

// Coordinator owns the stop flag and tears the process down exactly once.
type Coordinator struct {
	state   *State
	manager *Manager
	cfg     ShutdownConfig
	log     logger.Logger

	// ExitFunc, when set, is called with the exit status at the end of the
	// teardown. main sets it to os.Exit.
	ExitFunc func(code int)

	// sleep is swapped in tests
	sleep func(time.Duration)

	once   sync.Once
	done   chan struct{}
	status int
	errs   []error
}

// NewCoordinator creates a coordinator for the modules started by manager.
func NewCoordinator(state *State, manager *Manager, cfg ShutdownConfig) *Coordinator {
	return &Coordinator{
		state:   state,
		manager: manager,
		cfg:     cfg,
		log:     state.log.Module("shutdown"),
		sleep:   time.Sleep,
		done:    make(chan struct{}),
	}
}

// Serve installs the SIGINT and SIGTERM handler, runs start and then blocks
// like WaitSignals. The handler is in place before start is called, so a
// signal that arrives while modules are initializing still tears them down.
func (c *Coordinator) Serve(ctx context.Context, start func() error) int {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return c.Start(ctx, sigCh, start)
}

// Start runs start while listening on signals. On a signal or ctx ending
// before start returns, the stop flag is raised so no further module is
// loaded, and the teardown runs as soon as the in-flight init returns. A
// start error aborts with ExitCode of the error. Otherwise Start continues
// as WaitSignals.
func (c *Coordinator) Start(ctx context.Context, signals <-chan os.Signal, start func() error) int {
	errCh := make(chan error, 1)
	go func() { errCh <- start() }()

	var reason string
	select {
	case err := <-errCh:
		if err != nil {
			return c.Abort(err)
		}
		return c.WaitSignals(ctx, signals)
	case sig := <-signals:
		reason = "signal " + sig.String() + " during startup"
	case <-ctx.Done():
		reason = "context done during startup"
	}

	c.log.Info("stop requested during startup, waiting for module init to return",
		logger.String("reason", reason))
	c.state.requestStop()
	if err := <-errCh; err != nil && ExitCode(err) != 0 {
		return c.Abort(err)
	}
	return c.Shutdown(reason)
}

// WaitSignals blocks until a value arrives on signals, a module requests
// shutdown, or ctx is done, then runs the teardown and returns the exit
// status. Signals received while tearing down are ignored.
func (c *Coordinator) WaitSignals(ctx context.Context, signals <-chan os.Signal) int {
	var reason string
	select {
	case sig := <-signals:
		reason = "signal " + sig.String()
	case r := <-c.state.shutdownRequests():
		reason = r
	case <-ctx.Done():
		reason = "context done"
	case <-c.done:
		return c.status
	}

	// Drain repeated signals so a second Ctrl-C does not kill the process mid-teardown
	go func() {
		for {
			select {
			case sig := <-signals:
				c.log.Info("shutdown already in progress, ignoring signal", logger.String("signal", sig.String()))
			case <-c.done:
				return
			}
		}
	}()

	return c.Shutdown(reason)
}

// Shutdown runs the teardown sequence and returns exit status 0. Only the
// first call does any work; later and concurrent calls wait for it and
// return the same status.
func (c *Coordinator) Shutdown(reason string) int {
	return c.run(reason, 0, nil)
}

// Abort tears down after a startup failure. The status is ExitCode(cause).
func (c *Coordinator) Abort(cause error) int {
	return c.run("startup failed", ExitCode(cause), cause)
}

// Done is closed once the teardown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Errors returns the stop errors collected during teardown.
func (c *Coordinator) Errors() []error {
	<-c.done
	return c.errs
}

func (c *Coordinator) run(reason string, status int, cause error) int {
	c.once.Do(func() {
		start := time.Now()
		fields := []logger.Field{logger.String("reason", reason)}
		if cause != nil && status != 0 {
			fields = append(fields, logger.Error(cause))
		}
		c.log.Info("shutting down", fields...)

		// 1. stop flag
		c.state.requestStop()

		// 2. capture, then 3. deliveries in registration order
		if capture := c.manager.Capture(); capture != nil {
			c.stopBinding(capture)
		}
		for _, b := range c.manager.Deliveries() {
			c.stopBinding(b)
		}

		// 4. grace period for in-flight work
		if c.cfg.GracePeriod > 0 {
			c.sleep(c.cfg.GracePeriod)
		}

		// 5. unload
		for _, b := range c.manager.Bindings() {
			if err := b.unload(); err != nil {
				c.errs = append(c.errs, err)
				c.log.Warn("unload failed", logger.String("module", b.ID()), logger.Error(err))
			}
		}

		// 6. frame channel teardown
		c.state.channel.Close()

		c.status = status
		c.log.Info("shutdown complete",
			logger.Int("status", status),
			logger.Duration("elapsed", time.Since(start)))
		close(c.done)

		// 7. exit
		if c.ExitFunc != nil {
			c.ExitFunc(status)
		}
	})

	<-c.done
	return c.status
}

func (c *Coordinator) stopBinding(b *Binding) {
	if !b.needsStop() {
		return
	}

	c.log.Debug("stopping module", logger.String("module", b.ID()))
	err := b.stop(c.cfg.StopTimeout)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrModuleStopTimeout):
		c.log.Warn("module did not stop in time, continuing shutdown",
			logger.String("module", b.ID()),
			logger.Duration("timeout", c.cfg.StopTimeout))
	default:
		c.log.Warn("module stop failed", logger.String("module", b.ID()), logger.Error(err))
	}
	c.errs = append(c.errs, err)
}
