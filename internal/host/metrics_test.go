package host

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordPublishAndDelivery(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.add(t, RoleCapture, "cam", nil)
	fx.add(t, RoleDelivery, "b", func(m *fakeModule) { m.consume = false })
	require.NoError(t, fx.manager.StartCapture("cam"))
	require.NoError(t, fx.manager.StartDelivery([]string{"b"}))

	m := fx.state.Metrics()
	for range 3 {
		fx.publish(t, make([]byte, 100))
	}
	assert.InDelta(t, 3, testutil.ToFloat64(m.framesPublished), 0)
	assert.InDelta(t, 300, testutil.ToFloat64(m.bytesPublished), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.generation), 0)

	src := fx.module("b").params.Source
	frame, err := src.AwaitFrame(0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), frame.Generation)

	for range 4 {
		fx.publish(t, []byte{1})
	}
	_, err = src.AwaitFrame(frame.Generation, nil)
	require.NoError(t, err)

	assert.InDelta(t, 2, testutil.ToFloat64(m.framesDelivered.WithLabelValues("b#0")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.framesSuperseded.WithLabelValues("b#0")), 0,
		"generations 4 to 6 were overwritten before the read of 7")
	assert.InDelta(t, 1, testutil.ToFloat64(m.outputs), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.transitions.WithLabelValues("b#0", "delivery", "initialized")), 0)

	fx.coordinator().Shutdown("test")
	assert.InDelta(t, 1, testutil.ToFloat64(m.transitions.WithLabelValues("cam", "capture", "unloaded")), 0)
}

func TestMetricsStopTimeout(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	m.RecordStop("cam", 10*time.Millisecond, true)
	m.RecordStop("cam", time.Millisecond, false)
	assert.InDelta(t, 1, testutil.ToFloat64(m.stopTimeouts.WithLabelValues("cam")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.stopDuration))
}

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPublish(1, 10)
		m.RecordDelivery("x", 1)
		m.RecordTransition("x", RoleCapture, StateLoaded)
		m.RecordStop("x", time.Second, true)
		m.SetOutputs(1)
	})
	assert.Nil(t, m.Registry())
}
