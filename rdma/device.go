package rdma

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/netfabric/ofi-rdma/internal/container"
	"github.com/netfabric/ofi-rdma/rdma/rdmaconfig"
)

// GDRSupport is the tri-state latch for GPU-direct RDMA support: unknown
// until the first endpoint is realized, then pinned to Supported or
// Unsupported for the device's lifetime.
type GDRSupport int

const (
	GDRUnknown GDRSupport = iota
	GDRSupported
	GDRUnsupported
)

func (s GDRSupport) String() string {
	switch s {
	case GDRSupported:
		return "SUPPORTED"
	case GDRUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Device is a logical NIC group: an ordered list of rails, the scheduler and
// mr-key id pool shared across every endpoint realized on it, and a
// per-caller-supplied-key slot holding at most one live Endpoint per key
// (the Go stand-in for "thread-local", since goroutines carry no OS-thread
// identity of their own).
type Device struct {
	rails     []Rail
	scheduler *Scheduler
	mrKeys    *container.IDPool
	cfg       *Cfg

	mu         sync.Mutex
	gdr        GDRSupport
	endpoints  map[any]*Endpoint
}

// Cfg is the subset of rdmaconfig.Config the protocol core consumes
// directly, kept as plain fields here so this package has no import-time
// dependency on the viper-backed loader (rdmaconfig.Config can be converted
// into one with ConfigFromLoaded).
type Cfg struct {
	EagerMaxSize           int64
	RoundRobinThreshold    uint64
	MinPostedBounceBuffers int
	MaxPostedBounceBuffers int
	CQReadCount            int
	MRKeyBits              int
	MaxSendRequests        int
	MaxRecvRequests        int
	GDRFlushDisable        bool
	CUDAFlushEnable        bool
	SupportGDR             bool
}

// ConfigFromLoaded converts an environment-loaded rdmaconfig.Config into the
// plain Cfg this package consumes directly, leaving the protocol core free
// of an import-time dependency on viper.
func ConfigFromLoaded(c *rdmaconfig.Config) *Cfg {
	return &Cfg{
		EagerMaxSize:           c.EagerMaxSize,
		RoundRobinThreshold:    uint64(c.RoundRobinThreshold),
		MinPostedBounceBuffers: c.MinPostedBounceBuffers,
		MaxPostedBounceBuffers: c.MaxPostedBounceBuffers,
		CQReadCount:            c.CQReadCount,
		MRKeyBits:              c.MRKeySize,
		MaxSendRequests:        c.MaxSendRequests,
		MaxRecvRequests:        c.MaxRecvRequests,
		GDRFlushDisable:        c.GDRFlushDisable,
		CUDAFlushEnable:        c.CUDAFlushEnable,
		SupportGDR:             c.SupportGDR,
	}
}

// NewDevice constructs a Device over already-opened rails. Rail bring-up
// (opening the fabric, domain, endpoint, CQ, AV per rail) happens above this
// package, through fabric_ofi.go's NewOFIRail for real hardware or
// rdmatest.Network for tests.
func NewDevice(rails []Rail, cfg *Cfg) (*Device, error) {
	if len(rails) == 0 {
		return nil, fmt.Errorf("rdma: device requires at least one rail")
	}
	if cfg == nil {
		return nil, fmt.Errorf("rdma: device requires a configuration")
	}
	mrKeyCapacity := 1 << uint(cfg.MRKeyBits*8-1)
	if cfg.MRKeyBits <= 0 || mrKeyCapacity <= 0 || mrKeyCapacity > 1<<24 {
		mrKeyCapacity = 1 << 16
	}
	return &Device{
		rails:     rails,
		scheduler: NewScheduler(cfg.RoundRobinThreshold),
		mrKeys:    container.NewIDPool(mrKeyCapacity),
		cfg:       cfg,
		endpoints: make(map[any]*Endpoint),
	}, nil
}

// NumRails reports the device's rail count.
func (d *Device) NumRails() int { return len(d.rails) }

// GDRSupport reports the tri-state GPU-direct latch.
func (d *Device) GDRSupport() GDRSupport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gdr
}

// latchGDR pins the tri-state latch on first endpoint realization; later
// calls with a different value are a programming error and are ignored
// rather than flip a latch that must never change after it is set.
func (d *Device) latchGDR(supported bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gdr != GDRUnknown {
		return
	}
	if supported {
		d.gdr = GDRSupported
	} else {
		d.gdr = GDRUnsupported
	}
}

// EndpointHandle scopes one caller's lease on a Device's per-key Endpoint.
// Communicators hold their EndpointHandle for their lifetime; Release must
// be called exactly once to drop the device's reference count.
type EndpointHandle struct {
	device   *Device
	key      any
	endpoint *Endpoint
	released bool
}

// Endpoint returns the handle's underlying Endpoint.
func (h *EndpointHandle) Endpoint() *Endpoint { return h.endpoint }

// Release decrements the endpoint's reference count and removes the endpoint
// from the device's key table once the count reaches zero. It closes nothing
// else: the endpoint's rails, bounce pool and communicators are left as they are.
func (h *EndpointHandle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	h.device.mu.Lock()
	defer h.device.mu.Unlock()
	h.endpoint.refCount--
	if h.endpoint.refCount <= 0 {
		delete(h.device.endpoints, h.key)
	}
}

// Acquire looks up or lazily constructs the Endpoint for the given caller
// key, incrementing its reference count and returning a handle the caller
// must Release exactly once. A typical key is a value obtained once per
// dedicated goroutine pinned with runtime.LockOSThread, mirroring a real
// NCCL plugin thread pinning itself.
func (d *Device) Acquire(key any) (*EndpointHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep, ok := d.endpoints[key]
	if !ok {
		var err error
		ep, err = newEndpoint(d)
		if err != nil {
			return nil, err
		}
		d.endpoints[key] = ep
	}
	ep.refCount++
	return &EndpointHandle{device: d, key: key, endpoint: ep}, nil
}

// Endpoint is the per-thread aggregation of a device's rails: a
// communicator lookup table indexed by the 18-bit local communicator id,
// the id pool issuing those ids, the bounce-buffer pool (requests +
// payloads), the pending-request deque, and the request tag table used by
// the fabric adapter's completion contexts.
type Endpoint struct {
	device   *Device
	refCount int
	id       uuid.UUID

	commIDs *container.IDPool
	comms   map[uint32]any // *SendComm | *RecvComm | *ListenComm

	bounce   *BouncePool
	pending  *container.Deque[*Request]
	requests *requestPool
	obs      obs
}

// SetLogger attaches a debug logger; nil disables it.
func (e *Endpoint) SetLogger(l Logger) { e.obs.logger = l }

// SetStructuredLogger attaches a structured logger; nil disables it. When
// set it takes priority over a plain Logger.
func (e *Endpoint) SetStructuredLogger(l StructuredLogger) { e.obs.structuredLogger = l }

// SetTracer attaches a tracer for progress-engine spans; nil disables it.
func (e *Endpoint) SetTracer(t Tracer) { e.obs.tracer = t }

// SetMetricHook attaches a metrics sink; nil disables it.
func (e *Endpoint) SetMetricHook(m MetricHook) { e.obs.metrics = m }

func newEndpoint(d *Device) (*Endpoint, error) {
	d.latchGDR(d.cfg.SupportGDR)

	bounce, err := NewBouncePool(d.rails, d.cfg.MinPostedBounceBuffers, d.cfg.MaxPostedBounceBuffers)
	if err != nil {
		return nil, fmt.Errorf("rdma: endpoint bounce pool: %w", err)
	}
	if err := bounce.Refill(); err != nil {
		return nil, fmt.Errorf("rdma: endpoint bounce pool initial refill: %w", err)
	}
	ep := &Endpoint{
		device:   d,
		id:       uuid.New(),
		commIDs:  container.NewIDPool(MaxCommID),
		comms:    make(map[uint32]any),
		bounce:   bounce,
		pending:  container.NewDeque[*Request](),
		requests: newRequestPool(),
	}
	return ep, nil
}

// ID returns the endpoint's process-local unique identity, generated once at
// construction and stable for its lifetime. Logging and tracing hooks use it
// to correlate events from the same endpoint across a multi-rail, multi-comm
// session.
func (e *Endpoint) ID() uuid.UUID { return e.id }

// Rails exposes the underlying rails for handshake/send/recv/flush code in
// this package.
func (e *Endpoint) Rails() []Rail { return e.device.rails }

// Scheduler returns the device's striping scheduler.
func (e *Endpoint) Scheduler() *Scheduler { return e.device.scheduler }

// Config returns the device's resolved configuration.
func (e *Endpoint) Config() *Cfg { return e.device.cfg }

func (e *Endpoint) allocCommID() (uint32, error) {
	id, err := e.commIDs.Allocate()
	if err != nil {
		return 0, fmt.Errorf("rdma: communicator id exhausted: %w", err)
	}
	return uint32(id), nil
}

func (e *Endpoint) freeCommID(id uint32) {
	_ = e.commIDs.Free(int(id))
}
