// Package rdmatest provides an in-memory fake of the rdma.Rail interface
// so the protocol core (scheduler, message buffer, progress engine,
// handshake, send/receive/flush) can be exercised deterministically without
// libfabric or a CGO toolchain, leaving hardware integration tests free to
// t.Skip past missing real hardware while package-level logic still runs.
package rdmatest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/netfabric/ofi-rdma/rdma"
)

// Network is a shared universe of fake rails. Rails created from the same
// Network can address and transfer to one another; rails from different
// Networks cannot see each other, mirroring two independent fabrics.
type Network struct {
	mu      sync.Mutex
	rails   map[uint64]*Rail
	nextID  uint64
	nextKey uint64
	mem     map[uint64]*memHandle
}

// NewNetwork constructs an empty fake fabric.
func NewNetwork() *Network {
	return &Network{rails: make(map[uint64]*Rail), mem: make(map[uint64]*memHandle)}
}

// NewRail creates a fake rail attached to this network. backlogLimit bounds
// the number of unmatched incoming sends a rail will buffer before
// PostSend/PostSendData from a peer starts returning rdma.ErrWouldBlock,
// standing in for real fabric backpressure (0 = unlimited).
func (n *Network) NewRail(backlogLimit int) *Rail {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	r := &Rail{net: n, id: n.nextID, backlogLimit: backlogLimit}
	n.rails[r.id] = r
	return r
}

func (n *Network) lookup(id uint64) (*Rail, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rails[id]
	return r, ok
}

func (n *Network) registerMemory(buf []byte) *memHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextKey++
	h := &memHandle{key: n.nextKey, buf: buf, addr: bufferAddress(buf)}
	n.mem[h.key] = h
	return h
}

// bufferAddress returns buf's base address, mirroring the real address a
// CtrlMsg.BuffAddr would carry, so this fake network's RMA path resolves a
// remote write's target the same way a real RDMA NIC does: base address
// plus offset, not offset alone.
func bufferAddress(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func (n *Network) memoryAt(key uint64) (*memHandle, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.mem[key]
	return h, ok
}

type memHandle struct {
	key  uint64
	buf  []byte
	addr uint64
}

func (m *memHandle) Key() uint64   { return m.key }
func (m *memHandle) Bytes() []byte { return m.buf }

type recvSlot struct {
	buf []byte
	tag uint64
}

type sendMsg struct {
	data      []byte
	immediate uint32
	hasImm    bool
}

// Rail is a fake rdma.Rail: sends are matched FIFO against posted receives,
// writes and reads go directly through the network's shared memory
// registry by key, exactly mirroring what real RDMA does (a write needs no
// matching receive; a send does).
type Rail struct {
	net          *Network
	id           uint64
	backlogLimit int

	mu           sync.Mutex
	pendingRecv  []*recvSlot
	pendingSend  []*sendMsg
	completions  []rdma.Completion
	errors       []rdma.CompletionError
	droppedSends int64
}

// DroppedSendBacklog reports how many incoming sends this rail rejected with
// rdma.ErrWouldBlock due to its backlog limit, for tests asserting
// backpressure actually triggered.
func (r *Rail) DroppedSendBacklog() int64 { return atomic.LoadInt64(&r.droppedSends) }

func (r *Rail) LocalName() ([]byte, error) {
	name := make([]byte, 8)
	binary.LittleEndian.PutUint64(name, r.id)
	return name, nil
}

func (r *Rail) InsertAddress(raw []byte) (rdma.RemoteAddr, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("rdmatest: malformed address, want 8 bytes, got %d", len(raw))
	}
	id := binary.LittleEndian.Uint64(raw)
	if _, ok := r.net.lookup(id); !ok {
		return 0, fmt.Errorf("rdmatest: unknown remote rail id %d", id)
	}
	return rdma.RemoteAddr(id), nil
}

func (r *Rail) RegisterMemory(buf []byte) (rdma.MemoryHandle, error) {
	return r.net.registerMemory(buf), nil
}

func (r *Rail) resolve(addr rdma.RemoteAddr) (*Rail, error) {
	peer, ok := r.net.lookup(uint64(addr))
	if !ok {
		return nil, fmt.Errorf("rdmatest: unknown remote address %d", addr)
	}
	return peer, nil
}

func (r *Rail) send(dest rdma.RemoteAddr, data []byte, tag uint64, immediate uint32, hasImm bool) error {
	peer, err := r.resolve(dest)
	if err != nil {
		return err
	}

	peer.mu.Lock()
	if peer.backlogLimit > 0 && len(peer.pendingSend) >= peer.backlogLimit && len(peer.pendingRecv) == 0 {
		peer.mu.Unlock()
		atomic.AddInt64(&peer.droppedSends, 1)
		return rdma.ErrWouldBlock
	}
	msg := &sendMsg{data: append([]byte(nil), data...), immediate: immediate, hasImm: hasImm}
	if n := len(peer.pendingRecv); n > 0 {
		slot := peer.pendingRecv[0]
		peer.pendingRecv = peer.pendingRecv[1:]
		peer.completeRecvLocked(slot, msg)
	} else {
		peer.pendingSend = append(peer.pendingSend, msg)
	}
	peer.mu.Unlock()

	r.mu.Lock()
	r.completions = append(r.completions, rdma.Completion{Tag: tag, Flags: rdma.CompSend})
	r.mu.Unlock()
	return nil
}

func (r *Rail) PostSend(o rdma.SendOp) error {
	return r.send(o.Dest, o.Buffer, o.Tag, 0, false)
}

func (r *Rail) PostSendData(o rdma.SendOp, data uint32) error {
	return r.send(o.Dest, o.Buffer, o.Tag, data, true)
}

func (r *Rail) PostRecv(o rdma.RecvOp) error {
	slot := &recvSlot{buf: o.Buffer, tag: o.Tag}

	r.mu.Lock()
	if n := len(r.pendingSend); n > 0 {
		msg := r.pendingSend[0]
		r.pendingSend = r.pendingSend[1:]
		r.completeRecvLocked(slot, msg)
		r.mu.Unlock()
		return nil
	}
	r.pendingRecv = append(r.pendingRecv, slot)
	r.mu.Unlock()
	return nil
}

// completeRecvLocked copies msg into slot's buffer and records the
// completion. Caller holds r.mu.
func (r *Rail) completeRecvLocked(slot *recvSlot, msg *sendMsg) {
	n := copy(slot.buf, msg.data)
	flags := rdma.CompRecv
	var data uint32
	if msg.hasImm {
		flags |= rdma.CompRemoteCQData
		data = msg.immediate
	}
	r.completions = append(r.completions, rdma.Completion{
		Tag:    slot.tag,
		Flags:  flags,
		Length: uint64(n),
		Data:   data,
	})
}

func (r *Rail) rma(dest rdma.RemoteAddr, key uint64, offset uint64, local []byte, tag uint64, write bool, immediate uint32, hasImm bool) error {
	h, ok := r.net.memoryAt(key)
	if !ok {
		return fmt.Errorf("rdmatest: unknown memory key %d", key)
	}
	if offset < h.addr {
		return fmt.Errorf("rdmatest: rma target %d precedes region base %d", offset, h.addr)
	}
	localOffset := offset - h.addr
	if localOffset+uint64(len(local)) > uint64(len(h.buf)) {
		return fmt.Errorf("rdmatest: rma out of bounds: offset=%d len=%d region=%d", localOffset, len(local), len(h.buf))
	}

	var localFlag rdma.CompFlag
	if write {
		copy(h.buf[localOffset:], local)
		localFlag = rdma.CompWrite
	} else {
		copy(local, h.buf[localOffset:localOffset+uint64(len(local))])
		localFlag = rdma.CompRead
	}

	r.mu.Lock()
	r.completions = append(r.completions, rdma.Completion{Tag: tag, Flags: localFlag, Length: uint64(len(local))})
	r.mu.Unlock()

	if write {
		if peer, err := r.resolve(dest); err == nil {
			flags := rdma.CompRemoteWrite
			var data uint32
			if hasImm {
				flags |= rdma.CompRemoteCQData
				data = immediate
			}
			peer.mu.Lock()
			peer.completions = append(peer.completions, rdma.Completion{Flags: flags, Length: uint64(len(local)), Data: data})
			peer.mu.Unlock()
		}
	}
	return nil
}

func (r *Rail) PostWrite(o rdma.WriteOp) error {
	return r.rma(o.Dest, o.Key, o.Offset, o.Buffer, o.Tag, true, 0, false)
}

func (r *Rail) PostWriteData(o rdma.WriteOp, data uint32) error {
	return r.rma(o.Dest, o.Key, o.Offset, o.Buffer, o.Tag, true, data, true)
}

func (r *Rail) PostRead(o rdma.ReadOp) error {
	return r.rma(o.Src, o.Key, o.Offset, o.Buffer, o.Tag, false, 0, false)
}

func (r *Rail) PollCompletions(max int) ([]rdma.Completion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.completions) == 0 {
		return nil, rdma.ErrNoCompletion
	}
	if max > len(r.completions) {
		max = len(r.completions)
	}
	out := r.completions[:max]
	r.completions = r.completions[max:]
	return out, nil
}

func (r *Rail) PollErrors(max int) ([]rdma.CompletionError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errors) == 0 {
		return nil, rdma.ErrNoCompletion
	}
	if max > len(r.errors) {
		max = len(r.errors)
	}
	out := r.errors[:max]
	r.errors = r.errors[max:]
	return out, nil
}

// InjectError lets a test force a completion-queue error entry onto this
// rail, simulating a fatal bounce-receive failure or a remote-write error
// the progress engine must classify. data stands in for the immediate data
// a CompRemoteWrite error carries, the only handle the progress engine has
// to resolve it back to a target request.
func (r *Rail) InjectError(tag uint64, flags rdma.CompFlag, data uint32, err error) {
	r.mu.Lock()
	r.errors = append(r.errors, rdma.CompletionError{Tag: tag, Flags: flags, Data: data, Err: err})
	r.mu.Unlock()
}

var _ rdma.Rail = (*Rail)(nil)
