package rdma_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/netfabric/ofi-rdma/rdma"
)

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

// TestStructuredLoggingViaZapSugaredLogger confirms that a zap
// *SugaredLogger can be attached directly as an rdma.StructuredLogger
// without any adapter, since its Debugw method already satisfies the
// interface's signature.
func TestStructuredLoggingViaZapSugaredLogger(t *testing.T) {
	sugared, logs := newObservedLogger()

	sc, rc, sendHandle, recvHandle := newConnectedPair(t)
	sendHandle.Endpoint().SetStructuredLogger(sugared)
	recvHandle.Endpoint().SetStructuredLogger(sugared)

	msg := []byte("logged")
	sendMem, err := sendHandle.Endpoint().Rails()[0].RegisterMemory(msg)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	sreq, err := sc.ISend(msg, sendMem)
	if err != nil || sreq == nil {
		t.Fatalf("ISend: req=%v err=%v", sreq, err)
	}

	recvBuf := make([]byte, len(msg))
	recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
	if err != nil {
		t.Fatalf("RegisterMemory recv: %v", err)
	}
	rreq, err := rc.IRecv(recvBuf, recvMem)
	if err != nil {
		t.Fatalf("IRecv: %v", err)
	}
	if rreq == nil {
		rreq, err = rc.IRecv(recvBuf, recvMem)
		if err != nil || rreq == nil {
			t.Fatalf("IRecv retry: req=%v err=%v", rreq, err)
		}
	}

	if _, err := waitDone(t, sendHandle.Endpoint(), sreq); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := waitDone(t, recvHandle.Endpoint(), rreq); err != nil {
		t.Fatalf("recv: %v", err)
	}

	found := false
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == "progress.drained" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected at least one progress.drained log entry, got %d entries", len(logs.All()))
	}
}

// TestOTelMetricHookCountsSendCompletion confirms rdma.OTelMetrics records a
// send completion through a real in-memory OTel meter reader.
func TestOTelMetricHookCountsSendCompletion(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))

	hook, err := rdma.NewOTelMetrics(rdma.OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	sc, rc, sendHandle, recvHandle := newConnectedPair(t)
	sendHandle.Endpoint().SetMetricHook(hook)

	msg := []byte("metered")
	sendMem, err := sendHandle.Endpoint().Rails()[0].RegisterMemory(msg)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	sreq, err := sc.ISend(msg, sendMem)
	if err != nil || sreq == nil {
		t.Fatalf("ISend: req=%v err=%v", sreq, err)
	}

	recvBuf := make([]byte, len(msg))
	recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
	if err != nil {
		t.Fatalf("RegisterMemory recv: %v", err)
	}
	rreq, err := rc.IRecv(recvBuf, recvMem)
	if err != nil {
		t.Fatalf("IRecv: %v", err)
	}
	if rreq == nil {
		rreq, err = rc.IRecv(recvBuf, recvMem)
		if err != nil || rreq == nil {
			t.Fatalf("IRecv retry: req=%v err=%v", rreq, err)
		}
	}

	if _, err := waitDone(t, sendHandle.Endpoint(), sreq); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := waitDone(t, recvHandle.Endpoint(), rreq); err != nil {
		t.Fatalf("recv: %v", err)
	}

	var data metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &data); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var sawSendCompleted bool
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "rdma.send.completed" {
				sawSendCompleted = true
			}
		}
	}
	if !sawSendCompleted {
		t.Fatalf("expected rdma.send.completed metric to be recorded")
	}
}
