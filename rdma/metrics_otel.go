package rdma

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	progressDrained metric.Int64Counter
	cqErrors        metric.Int64Counter
	sendCompleted   metric.Int64Counter
	sendFailed      metric.Int64Counter
	recvCompleted   metric.Int64Counter
	recvFailed      metric.Int64Counter
	bounceRefilled  metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter
// measurements for endpoint progress, send/recv completions, and bounce
// pool refills.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/netfabric/ofi-rdma/rdma"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	var err error
	o := &OTelMetrics{}
	if o.progressDrained, err = meter.Int64Counter("rdma.endpoint.progress.drained"); err != nil {
		return nil, err
	}
	if o.cqErrors, err = meter.Int64Counter("rdma.endpoint.cq.errors"); err != nil {
		return nil, err
	}
	if o.sendCompleted, err = meter.Int64Counter("rdma.send.completed"); err != nil {
		return nil, err
	}
	if o.sendFailed, err = meter.Int64Counter("rdma.send.failed"); err != nil {
		return nil, err
	}
	if o.recvCompleted, err = meter.Int64Counter("rdma.recv.completed"); err != nil {
		return nil, err
	}
	if o.recvFailed, err = meter.Int64Counter("rdma.recv.failed"); err != nil {
		return nil, err
	}
	if o.bounceRefilled, err = meter.Int64Counter("rdma.bounce.refilled"); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OTelMetrics) ProgressDrained(completions, errors int, _ map[string]string) {
	o.progressDrained.Add(context.Background(), int64(completions+errors))
}

func (o *OTelMetrics) CompletionQueueError(rail int, _ error, attrs map[string]string) {
	kvs := []attribute.KeyValue{attribute.Int(labelRail, rail)}
	if v := attrs[labelKind]; v != "" {
		kvs = append(kvs, attribute.String(labelKind, v))
	}
	o.cqErrors.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(opAttrs(attrs)...))
}

func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(opAttrs(attrs)...))
}

func (o *OTelMetrics) RecvCompleted(attrs map[string]string) {
	o.recvCompleted.Add(context.Background(), 1, metric.WithAttributes(opAttrs(attrs)...))
}

func (o *OTelMetrics) RecvFailed(_ error, attrs map[string]string) {
	o.recvFailed.Add(context.Background(), 1, metric.WithAttributes(opAttrs(attrs)...))
}

func (o *OTelMetrics) BounceRefilled(rail int, posted int, _ map[string]string) {
	o.bounceRefilled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int(labelRail, rail),
		attribute.Int("posted", posted),
	))
}

func opAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, 2)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
