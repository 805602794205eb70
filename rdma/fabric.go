package rdma

import "errors"

// ErrWouldBlock is the fabric-agnostic equivalent of fi.ErrWouldBlock
// (libfabric EAGAIN). Protocol code and its tests depend only on this
// sentinel, never on cgo or the fi package directly, so the protocol core
// builds and runs without libfabric or a CGO toolchain present.
var ErrWouldBlock = errors.New("rdma: operation would block")

// ErrNoCompletion is returned by PollCompletions/PollErrors when the queue
// is empty (as opposed to backpressured).
var ErrNoCompletion = errors.New("rdma: no completion available")

// MemoryHandle is a registered memory region usable as the local side of a
// send, receive, write, or read.
type MemoryHandle interface {
	Key() uint64
	Bytes() []byte
}

// RemoteAddr identifies a peer endpoint inserted into a rail's address
// vector, mirroring fi.Address without requiring the fi package.
type RemoteAddr uint64

// CompFlag mirrors the subset of fi.CQFlag the progress engine dispatches
// on, kept fabric-agnostic so rdmatest's fake rail can
// produce them without cgo.
type CompFlag uint32

const (
	CompSend CompFlag = 1 << iota
	CompRecv
	CompWrite
	CompRead
	CompRemoteWrite
	CompRemoteCQData
)

func (f CompFlag) Has(mask CompFlag) bool { return f&mask == mask }

// Completion is one successfully-processed operation as reported by a
// rail's completion queue.
type Completion struct {
	Tag    uint64
	Flags  CompFlag
	Length uint64
	Data   uint32
	Source RemoteAddr
}

// CompletionError is one failed operation as reported by a rail's
// completion-queue error entries. Data carries the same immediate-data
// value a successful Completion would have had, the only way to resolve a
// CompRemoteWrite error back to its target request: a failed unsolicited
// remote write has no local post or tag of its own to look up by.
type CompletionError struct {
	Tag   uint64
	Flags CompFlag
	Data  uint32
	Err   error
}

type op struct {
	Buffer []byte
	Mem    MemoryHandle
	Tag    uint64
}

// SendOp posts a message send (eager path or CONN/CTRL exchange).
type SendOp struct {
	op
	Dest RemoteAddr
}

// RecvOp posts a message receive (bounce buffers use ANY_SRC by setting
// AnySrc, the unsolicited-arrival receive posture every bounce buffer
// needs).
type RecvOp struct {
	op
	Source RemoteAddr
	AnySrc bool
}

// WriteOp posts an RDMA write (rendezvous data segment) or a flush read's
// counterpart write, into remote memory identified by Key/Offset.
type WriteOp struct {
	op
	Dest   RemoteAddr
	Key    uint64
	Offset uint64
}

// ReadOp posts an RDMA read (flush).
type ReadOp struct {
	op
	Src    RemoteAddr
	Key    uint64
	Offset uint64
}

// Rail is the hardware-independent surface one rail exposes to the
// protocol state machines (scheduler output, progress engine, handshake).
// fabric_ofi.go adapts it onto the standard fi package; rdma/rdmatest
// provides an in-memory fake so the protocol can be exercised without
// libfabric or a CGO toolchain.
type Rail interface {
	PostSend(SendOp) error
	PostSendData(SendOp, uint32) error
	PostRecv(RecvOp) error
	PostWrite(WriteOp) error
	PostWriteData(WriteOp, uint32) error
	PostRead(ReadOp) error

	// PollCompletions drains up to max successful completions.
	// ErrWouldBlock/ErrNoCompletion distinguish "queue empty" from "queue
	// not empty but this read would block" only at the Rail implementation
	// boundary; the progress engine treats both identically (stop polling
	// this rail for this round).
	PollCompletions(max int) ([]Completion, error)
	PollErrors(max int) ([]CompletionError, error)

	RegisterMemory(buf []byte) (MemoryHandle, error)
	InsertAddress(raw []byte) (RemoteAddr, error)
	LocalName() ([]byte, error)
}
