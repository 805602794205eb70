package rdma

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	progressDrained *prometheus.CounterVec
	cqErrors        *prometheus.CounterVec
	sendCompleted   *prometheus.CounterVec
	sendFailed      *prometheus.CounterVec
	recvCompleted   *prometheus.CounterVec
	recvFailed      *prometheus.CounterVec
	bounceRefilled  *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		progressDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdma_endpoint_progress_drained_total",
			Help:        "Number of completions and errors drained by Progress calls",
			ConstLabels: opts.ConstLabels,
		}, nil),
		cqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdma_endpoint_cq_errors_total",
			Help:        "Number of completion queue errors observed",
			ConstLabels: opts.ConstLabels,
		}, []string{labelRail, labelKind}),
		sendCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdma_send_completed_total",
			Help:        "Number of successful send completions",
			ConstLabels: opts.ConstLabels,
		}, []string{labelOperation, labelStatus}),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdma_send_failed_total",
			Help:        "Number of errored send completions",
			ConstLabels: opts.ConstLabels,
		}, []string{labelOperation}),
		recvCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdma_recv_completed_total",
			Help:        "Number of successful receive completions",
			ConstLabels: opts.ConstLabels,
		}, []string{labelOperation, labelStatus}),
		recvFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdma_recv_failed_total",
			Help:        "Number of errored receive completions",
			ConstLabels: opts.ConstLabels,
		}, []string{labelOperation}),
		bounceRefilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rdma_bounce_refilled_total",
			Help:        "Number of bounce buffers reposted to a rail",
			ConstLabels: opts.ConstLabels,
		}, []string{labelRail}),
	}

	var err error
	if p.progressDrained, err = registerCounterVec(reg, p.progressDrained); err != nil {
		return nil, err
	}
	if p.cqErrors, err = registerCounterVec(reg, p.cqErrors); err != nil {
		return nil, err
	}
	if p.sendCompleted, err = registerCounterVec(reg, p.sendCompleted); err != nil {
		return nil, err
	}
	if p.sendFailed, err = registerCounterVec(reg, p.sendFailed); err != nil {
		return nil, err
	}
	if p.recvCompleted, err = registerCounterVec(reg, p.recvCompleted); err != nil {
		return nil, err
	}
	if p.recvFailed, err = registerCounterVec(reg, p.recvFailed); err != nil {
		return nil, err
	}
	if p.bounceRefilled, err = registerCounterVec(reg, p.bounceRefilled); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) ProgressDrained(completions, errors int, _ map[string]string) {
	p.progressDrained.With(nil).Add(float64(completions + errors))
}

func (p *PrometheusMetrics) CompletionQueueError(rail int, _ error, attrs map[string]string) {
	p.cqErrors.WithLabelValues(strconv.Itoa(rail), attrs[labelKind]).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.WithLabelValues(attrs[labelOperation], attrs[labelStatus]).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.WithLabelValues(attrs[labelOperation]).Inc()
}

func (p *PrometheusMetrics) RecvCompleted(attrs map[string]string) {
	p.recvCompleted.WithLabelValues(attrs[labelOperation], attrs[labelStatus]).Inc()
}

func (p *PrometheusMetrics) RecvFailed(_ error, attrs map[string]string) {
	p.recvFailed.WithLabelValues(attrs[labelOperation]).Inc()
}

func (p *PrometheusMetrics) BounceRefilled(rail int, _ int, _ map[string]string) {
	p.bounceRefilled.WithLabelValues(strconv.Itoa(rail)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}
