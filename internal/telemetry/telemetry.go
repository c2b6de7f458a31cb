package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/oshokin/torchd/internal/config"
	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/logger"
)

const (
	// MeasurementState holds current and max intensity.
	MeasurementState = "torch_state"
	// MeasurementError counts lifecycle errors by kind.
	MeasurementError = "torch_error"

	connectTimeout = 10 * time.Second
	// flushIntervalMS batches points for at most a second.
	flushIntervalMS = 1000
	batchSize       = 50
)

var (
	// ErrDisabled is returned by Connect when telemetry is disabled.
	ErrDisabled = errors.New("influxdb telemetry is disabled")
	// ErrUnhealthy is returned when the server does not answer the ping.
	ErrUnhealthy = errors.New("influxdb server is not healthy")
)

// PointWriter is the subset of the InfluxDB write API the exporter needs.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Exporter is a session listener writing points to InfluxDB.
type Exporter struct {
	writer PointWriter
	tags   map[string]string
	now    func() time.Time
	close  func()
}

// NewExporter creates an exporter on top of an existing writer.
func NewExporter(writer PointWriter, hostname string) *Exporter {
	return &Exporter{
		writer: writer,
		tags:   map[string]string{"host": hostname},
		now:    time.Now,
		close:  func() {},
	}
}

// Connect pings the server and returns an exporter using the non-blocking write API.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Exporter, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushIntervalMS))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()

		return nil, fmt.Errorf("ping influxdb: %w", err)
	}

	if !healthy {
		client.Close()

		return nil, ErrUnhealthy
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	go func() {
		for writeErr := range writeAPI.Errors() {
			logger.WarnKV(ctx, "Failed to write telemetry", "error", writeErr)
		}
	}()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	e := NewExporter(writeAPI, hostname)
	e.close = client.Close

	logger.InfoKV(ctx, "Telemetry connected", "url", cfg.URL, "bucket", cfg.Bucket)

	return e, nil
}

// OnStateChanged implements session.Listener.
func (e *Exporter) OnStateChanged(_ context.Context, current, maxIntensity int) {
	e.writer.WritePoint(write.NewPoint(
		MeasurementState,
		e.tags,
		map[string]any{
			"current": current,
			"max":     maxIntensity,
			"on":      current > 0,
		},
		e.now(),
	))
}

// OnError implements session.Listener.
func (e *Exporter) OnError(_ context.Context, kind torch.ErrorKind) {
	tags := make(map[string]string, len(e.tags)+1)
	for k, v := range e.tags {
		tags[k] = v
	}

	tags["kind"] = kind.String()

	e.writer.WritePoint(write.NewPoint(
		MeasurementError,
		tags,
		map[string]any{
			"count":       1,
			"recoverable": kind.Recoverable(),
		},
		e.now(),
	))
}

// Close flushes buffered points and closes the client.
func (e *Exporter) Close() {
	e.writer.Flush()
	e.close()
}
