package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/smartenergy/schedulerd/core/metrics"
	"github.com/smartenergy/schedulerd/infra/logger"
)

// InfluxSink writes command lifecycle events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordCommandEvent writes a lifecycle transition as a point.
func (s *InfluxSink) RecordCommandEvent(ev coremetrics.CommandEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("command_event").
		AddTag("device_id", strconv.FormatInt(ev.DeviceID, 10)).
		AddTag("microcontroller", ev.MicrocontrollerUUID).
		AddTag("action", string(ev.Action)).
		AddTag("status", string(ev.Status)).
		AddTag("component", "dispatcher").
		AddField("command_id", ev.CommandID).
		AddField("attempt", ev.Attempt).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordAckLatency writes the publish-to-ack latency.
func (s *InfluxSink) RecordAckLatency(lat coremetrics.AckLatency) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("command_ack").
		AddTag("action", string(lat.Action)).
		AddTag("acknowledged", strconv.FormatBool(lat.Acknowledged)).
		AddTag("component", "dispatcher").
		AddField("command_id", lat.CommandID).
		AddField("latency_ms", float64(lat.Latency.Milliseconds())).
		SetTime(time.Now())
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSkip writes a skipped evaluation.
func (s *InfluxSink) RecordSkip(ev coremetrics.SkipEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("schedule_skip").
		AddTag("device_id", strconv.FormatInt(ev.DeviceID, 10)).
		AddTag("kind", string(ev.Kind)).
		AddTag("reason", ev.Reason).
		AddTag("component", "schedule").
		AddField("count", 1).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}
