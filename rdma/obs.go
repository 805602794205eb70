package rdma

// Logger provides structured debug logging hooks for the endpoint.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a tracing attribute attached to progress spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap progress-engine activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records one progress-engine call's lifecycle, events, and errors for
// tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures endpoint-level telemetry events. Label maps are built
// once per call site and passed through unmodified so a hook can attach
// whichever subset of labels its backend wants.
type MetricHook interface {
	ProgressDrained(completions, errors int, attrs map[string]string)
	CompletionQueueError(rail int, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	RecvCompleted(attrs map[string]string)
	RecvFailed(err error, attrs map[string]string)
	BounceRefilled(rail int, posted int, attrs map[string]string)
}

const (
	labelRail      = "rail"
	labelOperation = "operation"
	labelStatus    = "status"
	labelKind      = "kind"
)

// obs bundles the optional observability hooks an Endpoint was constructed
// with. Every field may be nil; callers in progress.go/send.go/recv.go check
// before using any of them, so an Endpoint with no hooks attached pays only
// the cost of a few nil checks per Progress call.
type obs struct {
	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
}

func (o *obs) logEvent(event string, fields ...logField) {
	if o == nil {
		return
	}
	if o.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, f := range fields {
			kv = append(kv, f.key, f.value)
		}
		o.structuredLogger.Debugw("rdma endpoint", kv...)
		return
	}
	if o.logger != nil {
		o.logger.Debugf("rdma endpoint event=%s", event)
	}
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField { return logField{key: key, value: value} }

func sendAttrs(operation, status string) map[string]string {
	return map[string]string{labelOperation: operation, labelStatus: status}
}
