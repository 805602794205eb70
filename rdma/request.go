package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/netfabric/ofi-rdma/internal/container"
)

// RequestKind discriminates the tagged-union Request model.
type RequestKind int

const (
	RequestSend RequestKind = iota
	RequestRecv
	RequestSendCtrl
	RequestRecvSegms
	RequestEagerCopy
	RequestFlush
	RequestBounce
	RequestSendConn
	RequestRecvConn
	RequestSendConnResp
	RequestRecvConnResp
)

func (k RequestKind) String() string {
	switch k {
	case RequestSend:
		return "SEND"
	case RequestRecv:
		return "RECV"
	case RequestSendCtrl:
		return "SEND_CTRL"
	case RequestRecvSegms:
		return "RECV_SEGMS"
	case RequestEagerCopy:
		return "EAGER_COPY"
	case RequestFlush:
		return "FLUSH"
	case RequestBounce:
		return "BOUNCE"
	case RequestSendConn:
		return "SEND_CONN"
	case RequestRecvConn:
		return "RECV_CONN"
	case RequestSendConnResp:
		return "SEND_CONN_RESP"
	case RequestRecvConnResp:
		return "RECV_CONN_RESP"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// RequestState is the request's progress through posting and completion.
type RequestState int

const (
	RequestCreated RequestState = iota
	RequestPosted
	RequestDone
	RequestError
)

func (s RequestState) String() string {
	switch s {
	case RequestCreated:
		return "CREATED"
	case RequestPosted:
		return "POSTED"
	case RequestDone:
		return "DONE"
	case RequestError:
		return "ERROR"
	default:
		return fmt.Sprintf("RequestState(%d)", int(s))
	}
}

// Request is the single tagged-union struct backing every in-flight
// operation this transport tracks: user-facing SEND/RECV, the rendezvous
// sub-requests they spawn (SEND_CTRL, RECV_SEGMS, EAGER_COPY), FLUSH, the
// bounce-buffer receives bouncing unsolicited arrivals, and the handshake's
// four message requests.
//
// A parent request's CompletionsNeeded/CompletionsSeen counters let a
// rendezvous send wait on every striped segment's write completion before
// it reports done to the caller; sub-requests reference their Parent so the
// progress engine can walk back up on each completion.
type Request struct {
	mu sync.Mutex

	Kind  RequestKind
	State RequestState
	Tag   uint64

	CommID uint32
	SeqNum uint32

	Buffer []byte
	Mem    MemoryHandle
	Size   uint64

	Segments []Segment

	Parent *Request
	// children counts sub-requests spawned from this request. NewChild
	// increments it alongside CompletionsNeeded; nothing reads it, and
	// completion is decided by CompletionsNeeded alone, so a caller that
	// overwrites CompletionsNeeded also overrides the per-child count.
	children int

	CompletionsNeeded int
	CompletionsSeen   int

	Err error

	// bouncePayload links a BOUNCE request back to its pool slot so
	// BouncePool.Repost/Release can recover it from the Request alone.
	bouncePayload *bouncePayload

	// ctrlSlot links a SEND_CTRL request back to its pre-registered slot so
	// it returns to the freelist once the send completes.
	ctrlSlot *ctrlSlot

	// CtrlAddr/CtrlKeys/CtrlLen cache the destination buffer's remote
	// address, per-rail memory keys, and length, copied out of an arrived
	// CTRL message so a rendezvous SEND request can post its striped writes
	// once scheduling is decided. Every write targets CtrlAddr plus the
	// segment's offset into the destination buffer, never the offset alone.
	CtrlAddr uint64
	CtrlKeys [MaxRails]uint64
	CtrlLen  uint64

	// NumSegExpected/NumSegSeen track a RECV_SEGMS sub-request's progress
	// toward "all segments arrived", decoded from the first remote-write
	// immediate and incremented by the progress engine on each subsequent
	// one for the same (comm, seq).
	NumSegExpected int
	NumSegSeen     int
	AccumulatedLen uint64

	// retry reposts a request that previously hit ErrWouldBlock. Set by the
	// send/receive/flush code paths before enqueueing onto the endpoint's
	// pending-request deque.
	retry func() error

	// pendingNode links this request into the endpoint's pending-request
	// deque, so it can be removed by identity if it completes out of band.
	pendingNode *container.Node[*Request]

	// userDone, if set, is closed by MarkDone so IFlush/Test callers with no
	// polling loop of their own can select on it.
	userDone chan struct{}
}

// NewRequest constructs a Request of the given kind with a fresh done
// channel.
func NewRequest(kind RequestKind) *Request {
	return &Request{Kind: kind, State: RequestCreated, userDone: make(chan struct{})}
}

// NewChild constructs a sub-request of parent and registers it as one of
// parent's outstanding children, incrementing parent's CompletionsNeeded.
func NewChild(parent *Request, kind RequestKind) *Request {
	r := NewRequest(kind)
	r.Parent = parent
	parent.mu.Lock()
	parent.children++
	parent.CompletionsNeeded++
	parent.mu.Unlock()
	return r
}

// MarkPosted transitions CREATED -> POSTED. It is a no-op if already POSTED,
// since a multi-segment send posts the same request object's state once per
// call to IsDone only after all segments are posted, not once per segment.
func (r *Request) MarkPosted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State == RequestCreated {
		r.State = RequestPosted
	}
}

// Complete records one completion against this request. If the request has
// a parent, the parent's own completion count advances too and, once the
// parent's own work and every child's work is done, the parent transitions
// to DONE and its done channel closes — this is how a striped rendezvous
// send's N segment-write completions converge into one user-visible
// completion.
func (r *Request) Complete(err error) {
	r.mu.Lock()
	if r.State == RequestDone || r.State == RequestError {
		r.mu.Unlock()
		return
	}
	r.CompletionsSeen++
	if err != nil && r.Err == nil {
		r.Err = err
	}
	done := r.CompletionsSeen >= r.CompletionsNeeded
	var toClose chan struct{}
	if done {
		if r.Err != nil {
			r.State = RequestError
		} else {
			r.State = RequestDone
		}
		toClose = r.userDone
	}
	parent := r.Parent
	propagateErr := r.Err
	r.mu.Unlock()

	if toClose != nil {
		close(toClose)
	}
	if parent != nil {
		parent.Complete(propagateErr)
	}
}

// IsDone reports whether the request has reached DONE or ERROR.
func (r *Request) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State == RequestDone || r.State == RequestError
}

// Error returns the first error recorded against this request, if any.
func (r *Request) Error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Err
}

// Done returns a channel that closes once the request reaches DONE or
// ERROR, for callers that want to select rather than poll Test.
func (r *Request) Done() <-chan struct{} {
	return r.userDone
}

// requestPool hands out monotonically increasing tags for newly posted
// requests, scoped to one endpoint. Tags double as the opaque completion
// context value threaded through the fabric adapter (fabric_ofi.go) and the
// fake rail (rdmatest), so the progress engine can map a completion straight
// back to its Request without scanning.
type requestPool struct {
	nextTag  uint64
	inflight sync.Map // uint64 -> *Request
}

func newRequestPool() *requestPool {
	return &requestPool{}
}

// Register assigns req a fresh tag and makes it discoverable via Lookup.
func (p *requestPool) Register(req *Request) uint64 {
	tag := atomic.AddUint64(&p.nextTag, 1)
	req.Tag = tag
	p.inflight.Store(tag, req)
	return tag
}

// Lookup resolves a completion's tag back to its Request.
func (p *requestPool) Lookup(tag uint64) (*Request, bool) {
	v, ok := p.inflight.Load(tag)
	if !ok {
		return nil, false
	}
	return v.(*Request), true
}

// Forget removes a completed request from the in-flight table.
func (p *requestPool) Forget(tag uint64) {
	p.inflight.Delete(tag)
}
