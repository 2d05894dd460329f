package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/smartenergy/schedulerd/core/metrics"
	"github.com/smartenergy/schedulerd/core/model"
)

func TestPromSinkRecordsCommandEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordCommandEvent(coremetrics.CommandEvent{
		CommandID: "c-1",
		DeviceID:  1,
		Action:    model.ActionOn,
		Status:    model.StatusAckOK,
		Time:      time.Now(),
	}))
	require.NoError(t, sink.RecordCommandEvent(coremetrics.CommandEvent{
		CommandID: "c-2",
		DeviceID:  2,
		Action:    model.ActionOn,
		Status:    model.StatusAckOK,
		Time:      time.Now(),
	}))

	ps := sink.(*PromSink)
	assert.Equal(t, 2.0, testutil.ToFloat64(ps.events.WithLabelValues("ON", "ACK_OK")))
}

func TestPromSinkRecordsSkips(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordSkip(coremetrics.SkipEvent{
		DeviceID: 7,
		Kind:     model.DecisionSkipThresholdUnmet,
		Reason:   model.ReasonThresholdNotMet,
		Time:     time.Now(),
	}))

	ps := sink.(*PromSink)
	assert.Equal(t, 1.0, testutil.ToFloat64(ps.skips.WithLabelValues(model.ReasonThresholdNotMet)))
}

func TestPromSinkDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	require.NoError(t, err)
	_, err = NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	assert.NoError(t, err)
}

func TestMultiSinkFansOut(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	require.NoError(t, err)
	multi := NewMultiSink(prom, coremetrics.NopSink{})

	require.NoError(t, multi.RecordAckLatency(coremetrics.AckLatency{
		CommandID:    "c-1",
		Action:       model.ActionOff,
		Acknowledged: true,
		Latency:      120 * time.Millisecond,
	}))

	ps := prom.(*PromSink)
	count := testutil.CollectAndCount(ps.latency)
	assert.Equal(t, 1, count)
}
