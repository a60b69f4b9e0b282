package host

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/framecast/internal/errors"
)

func startPipeline(t *testing.T, fx *fixture, outputs ...string) {
	t.Helper()
	require.NoError(t, fx.manager.StartCapture("cam"))
	require.NoError(t, fx.manager.StartDelivery(outputs))
	require.NoError(t, fx.manager.Run())
}

func TestShutdownSequenceOrder(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", nil)
	fx.add(t, RoleDelivery, "b", nil)
	fx.add(t, RoleDelivery, "c", nil)
	startPipeline(t, fx, "b", "c")

	c := fx.coordinator()
	var graceAt atomic.Int32
	c.sleep = func(d time.Duration) {
		graceAt.Store(int32(len(fx.log.all())))
	}
	c.cfg.GracePeriod = time.Second

	assert.Equal(t, 0, c.Shutdown("test"))

	assert.True(t, fx.state.StopRequested())
	assert.Equal(t, []string{"cam:stop", "b:stop", "c:stop"}, fx.log.matching(":stop"))
	assert.Equal(t, int32(len(fx.log.all())), graceAt.Load(), "grace period follows the last stop")

	for _, b := range fx.manager.Bindings() {
		assert.Equal(t, StateUnloaded, b.State(), b.ID())
	}
	_, err := fx.state.channel.Publish([]byte{1})
	assert.ErrorIs(t, err, ErrChannelClosed)
	select {
	case <-fx.state.Done():
	default:
		t.Fatal("state context not cancelled")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", nil)
	fx.add(t, RoleDelivery, "b", nil)
	startPipeline(t, fx, "b")

	c := fx.coordinator()
	var exits atomic.Int32
	c.ExitFunc = func(int) { exits.Add(1) }

	var wg sync.WaitGroup
	statuses := make([]int, 4)
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = c.Shutdown("concurrent")
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.Shutdown("again"))

	assert.Equal(t, []int{0, 0, 0, 0}, statuses)
	assert.Equal(t, int32(1), fx.module("cam").stopCalls.Load())
	assert.Equal(t, int32(1), fx.module("b").stopCalls.Load())
	assert.Equal(t, int32(1), exits.Load())
	assert.False(t, fx.state.channel.Close(), "channel already closed once")
}

func TestShutdownStopTimeoutContinues(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", func(m *fakeModule) { m.stopGate = gate })
	fx.add(t, RoleDelivery, "b", nil)
	startPipeline(t, fx, "b")

	c := fx.coordinator()
	c.cfg.StopTimeout = 20 * time.Millisecond

	start := time.Now()
	assert.Equal(t, 0, c.Shutdown("test"))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, []string{"cam:stop", "b:stop"}, fx.log.matching(":stop"))
	errs := c.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrModuleStopTimeout)
	assert.Contains(t, errs[0].Error(), "cam")

	var ee *errors.EnhancedError
	require.True(t, errors.As(errs[0], &ee))
	assert.Equal(t, "module-stop", ee.Context["operation"])
	assert.GreaterOrEqual(t, ee.Context["duration_ms"], int64(20))
}

func TestWaitSignalsIgnoresSecondSignal(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", func(m *fakeModule) { m.stopGate = gate })
	fx.add(t, RoleDelivery, "b", nil)
	startPipeline(t, fx, "b")

	c := fx.coordinator()
	signals := make(chan os.Signal, 2)
	status := make(chan int, 1)
	go func() { status <- c.WaitSignals(t.Context(), signals) }()

	signals <- syscall.SIGINT
	waitForCondition(t, time.Second, time.Millisecond, func() bool {
		return len(fx.log.matching(":stop")) == 1
	}, "capture stop to begin")

	// Second signal while the capture module is still stopping
	signals <- syscall.SIGTERM
	close(gate)

	select {
	case s := <-status:
		assert.Equal(t, 0, s)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, int32(1), fx.module("cam").stopCalls.Load())
	assert.Equal(t, int32(1), fx.module("b").stopCalls.Load())
}

func TestModuleRequestedShutdown(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", nil)
	fx.add(t, RoleDelivery, "b", nil)
	startPipeline(t, fx, "b")

	c := fx.coordinator()
	fx.module("b").params.State.RequestShutdown("end of input")
	fx.module("b").params.State.RequestShutdown("ignored")

	assert.Equal(t, 0, c.WaitSignals(context.Background(), nil))
	<-c.Done()
	assert.True(t, fx.state.StopRequested())
}

func TestWaitReturnsWhenAlreadyAborted(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	c := fx.coordinator()
	assert.Equal(t, 1, c.Abort(ErrModuleNotFound))
	assert.Equal(t, 1, c.WaitSignals(t.Context(), nil))
}

func startFunc(fx *fixture, outputs ...string) func() error {
	return func() error {
		if err := fx.manager.StartCapture("cam"); err != nil {
			return err
		}
		if err := fx.manager.StartDelivery(outputs); err != nil {
			return err
		}
		return fx.manager.Run()
	}
}

func TestSignalDuringStartupStopsInitializedModules(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", nil)
	fx.add(t, RoleDelivery, "b", func(m *fakeModule) { m.initGate = gate })
	fx.add(t, RoleDelivery, "c", nil)

	c := fx.coordinator()
	signals := make(chan os.Signal, 2)
	status := make(chan int, 1)
	go func() { status <- c.Start(t.Context(), signals, startFunc(fx, "b", "c")) }()

	waitForCondition(t, time.Second, time.Millisecond, func() bool {
		return len(fx.log.matching("b:init")) == 1
	}, "delivery b to enter init")

	signals <- syscall.SIGTERM
	waitForCondition(t, time.Second, time.Millisecond, fx.state.StopRequested, "stop flag")
	close(gate)

	select {
	case s := <-status:
		assert.Equal(t, 0, s)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	assert.Equal(t, 0, fx.createdCount("c"), "no module is loaded after the signal")
	assert.Empty(t, fx.log.matching(":run"))
	assert.Equal(t, []string{"cam:stop", "b:stop"}, fx.log.matching(":stop"))
	for _, b := range fx.manager.Bindings() {
		assert.Equal(t, StateUnloaded, b.State(), b.ID())
	}
}

func TestWaitSignalsHandlesSignalQueuedDuringStartup(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", nil)
	fx.add(t, RoleDelivery, "b", nil)

	signals := make(chan os.Signal, 2)
	signals <- syscall.SIGINT

	c := fx.coordinator()
	assert.Equal(t, 0, c.Start(t.Context(), signals, startFunc(fx, "b")))

	<-c.Done()
	assert.True(t, fx.state.StopRequested())
	for _, b := range fx.manager.Bindings() {
		assert.Equal(t, StateUnloaded, b.State(), b.ID())
	}
}

func TestStartAbortsOnStartupError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", nil)

	c := fx.coordinator()
	status := c.Start(t.Context(), make(chan os.Signal), startFunc(fx, "missing"))
	assert.Equal(t, 1, status, "an unknown delivery module exits non-zero")
	assert.Equal(t, []string{"cam:stop"}, fx.log.matching(":stop"))
}
