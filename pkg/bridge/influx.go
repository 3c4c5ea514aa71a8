package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/mash-protocol/upnp-go/pkg/subscription"
)

// ErrInfluxConnect is returned when the InfluxDB server cannot be reached.
var ErrInfluxConnect = errors.New("bridge: influxdb connection failed")

// DefaultMeasurement is the measurement notifications are written to.
const DefaultMeasurement = "upnp_event"

// PointWriter is the part of the InfluxDB write API the recorder uses.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// InfluxConfig configures the InfluxDB recorder.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	Measurement string

	// BatchSize and FlushInterval tune the non-blocking write API.
	BatchSize     uint
	FlushInterval time.Duration

	// Clock stamps points. Nil means time.Now.
	Clock func() time.Time

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultInfluxConfig returns the standard recorder configuration.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:           "http://localhost:8086",
		Measurement:   DefaultMeasurement,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
	}
}

// InfluxRecorder writes every notification property as a point:
// measurement Measurement, tags udn, service_id and variable, field
// "value" with the raw text and "number" when the text is numeric.
type InfluxRecorder struct {
	writer      PointWriter
	measurement string
	now         func() time.Time
	logger      *slog.Logger

	client influxdb2.Client
}

// NewInfluxRecorder creates a recorder over writer.
func NewInfluxRecorder(writer PointWriter, config InfluxConfig) *InfluxRecorder {
	measurement := config.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &InfluxRecorder{writer: writer, measurement: measurement, now: now, logger: logger}
}

// ConnectInflux pings the server and returns a recorder over a batching
// write API. Close flushes it.
func ConnectInflux(ctx context.Context, config InfluxConfig) (*InfluxRecorder, error) {
	opts := influxdb2.DefaultOptions()
	if config.BatchSize > 0 {
		opts.SetBatchSize(config.BatchSize)
	}
	if config.FlushInterval > 0 {
		opts.SetFlushInterval(uint(config.FlushInterval / time.Millisecond))
	}
	client := influxdb2.NewClientWithOptions(config.URL, config.Token, opts)

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrInfluxConnect, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrInfluxConnect)
	}

	writeAPI := client.WriteAPI(config.Org, config.Bucket)
	r := NewInfluxRecorder(writeAPI, config)
	r.client = client
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("influxdb write failed", "error", err)
		}
	}()
	return r, nil
}

// Attach registers the recorder on a control point.
func (r *InfluxRecorder) Attach(cp Observable) {
	cp.OnNotification(func(_ *subscription.Subscriber, n *subscription.Notification, err error) {
		if err == nil {
			r.Record(n)
		}
	})
}

// Record writes one point per property of n.
func (r *InfluxRecorder) Record(n *subscription.Notification) {
	ts := r.now()
	for _, prop := range n.Properties {
		fields := map[string]interface{}{"value": prop.Value}
		if f, err := strconv.ParseFloat(prop.Value, 64); err == nil {
			fields["number"] = f
		}
		r.writer.WritePoint(write.NewPoint(
			r.measurement,
			map[string]string{
				"udn":        n.UDN,
				"service_id": n.ServiceID,
				"variable":   prop.Name,
			},
			fields,
			ts,
		))
	}
}

// Close flushes pending points and closes the client opened by
// ConnectInflux.
func (r *InfluxRecorder) Close() {
	if r.client == nil {
		return
	}
	if f, ok := r.writer.(interface{ Flush() }); ok {
		f.Flush()
	}
	r.client.Close()
}
