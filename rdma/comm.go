package rdma

import (
	"fmt"

	"github.com/netfabric/ofi-rdma/internal/container"
)

// rankRail pairs a rail index with the remote address the handshake
// resolved for it, once that rail's endpoint name has been inserted into
// this endpoint's address vector.
type rankRail struct {
	localEP    int
	remoteAddr RemoteAddr
	haveRemote bool
}

// ListenComm is the passive side's handle while waiting for a CONN to
// arrive: one rail, a pre-posted CONN receive through the bounce pool, and
// the conn message it receives, plus the half-built receive communicator
// the handshake is constructing.
type ListenComm struct {
	ep   *Endpoint
	rail int

	commID uint32

	connReq    *Request
	connMsg    *ConnMsg
	arrived    bool
	nextRecv   *RecvComm
	finished   bool
}

// SendComm is the active side of a connected communicator: per-rail local
// endpoint/remote-address pairs, a request freelist-equivalent counter, a
// message buffer, the CONN message used during handshake, and sequencing
// state.
type SendComm struct {
	ep    *Endpoint
	rails []rankRail

	localCommID  uint32
	remoteCommID uint32

	msgBuf  *MessageBuffer
	nextSeq uint32

	connMsg     *ConnMsg // outgoing CONN, retained for diagnostics
	connRespMsg *ConnMsg // incoming CONN_RESP, set once it arrives

	connected bool
	stage     handshakeStage
	connReq   *Request // SEND_CONN in flight
	respReq   *Request // pending RECV_CONN_RESP

	numInflight int
	maxInflight int
}

// RecvComm is the passive side's connected communicator: symmetric to
// SendComm, with an additional flush buffer (host page + MR) used when the
// device's GPU-direct support is latched Supported. Its control-message
// payload slots come from the package-wide ctrlSlotPool.
type RecvComm struct {
	ep    *Endpoint
	rails []rankRail

	localCommID  uint32
	remoteCommID uint32

	msgBuf  *MessageBuffer
	nextSeq uint32

	connected bool
	stage     handshakeStage
	respReq   *Request // SEND_CONN_RESP in flight

	flushBuf []byte
	flushMem MemoryHandle

	numInflight int
	maxInflight int
}

// ctrlSlot is one pre-registered control message slot. The package-wide
// ctrlSlotPool below is the freelist of these slots shared by every RecvComm, handed out per receive to carry the destination buffer's
// address/length/MR keys back to the sender (SEND_CTRL).
type ctrlSlot struct {
	buf []byte
	mem MemoryHandle
}

var ctrlSlotPool = container.NewPool(func() (*ctrlSlot, error) {
	return &ctrlSlot{buf: make([]byte, ctrlMsgLen)}, nil
})

func (r *RecvComm) acquireCtrlSlot(rail Rail) (*ctrlSlot, error) {
	slot, err := ctrlSlotPool.Get()
	if err != nil {
		return nil, fmt.Errorf("rdma: ctrl slot allocation: %w", err)
	}
	if slot.mem == nil {
		mem, err := rail.RegisterMemory(slot.buf)
		if err != nil {
			ctrlSlotPool.Put(slot)
			return nil, fmt.Errorf("rdma: ctrl slot registration: %w", err)
		}
		slot.mem = mem
	}
	return slot, nil
}

func (r *RecvComm) releaseCtrlSlot(slot *ctrlSlot) {
	ctrlSlotPool.Put(slot)
}

// checkInflight enforces a communicator's num_inflight_reqs bound,
// independently configured for send and receive communicators.
func (c *SendComm) checkInflight() error {
	if c.numInflight >= c.maxInflight {
		return fmt.Errorf("rdma: send communicator %d at inflight request limit (%d)", c.localCommID, c.maxInflight)
	}
	return nil
}

func (c *RecvComm) checkInflight() error {
	if c.numInflight >= c.maxInflight {
		return fmt.Errorf("rdma: receive communicator %d at inflight request limit (%d)", c.localCommID, c.maxInflight)
	}
	return nil
}

// Close refuses to proceed while requests are outstanding, per the
// transport's no-cancellation rule: once posted, a request runs to
// terminal state or the connection is torn down from under it.
func (c *SendComm) Close(handle *EndpointHandle) error {
	if c.numInflight > 0 {
		return fmt.Errorf("rdma: cannot close send communicator %d with %d requests in flight", c.localCommID, c.numInflight)
	}
	c.ep.freeCommID(c.localCommID)
	delete(c.ep.comms, c.localCommID)
	handle.Release()
	return nil
}

func (c *RecvComm) Close(handle *EndpointHandle) error {
	if c.numInflight > 0 {
		return fmt.Errorf("rdma: cannot close receive communicator %d with %d requests in flight", c.localCommID, c.numInflight)
	}
	c.ep.freeCommID(c.localCommID)
	delete(c.ep.comms, c.localCommID)
	handle.Release()
	return nil
}

func (c *ListenComm) Close(handle *EndpointHandle) error {
	c.ep.freeCommID(c.commID)
	delete(c.ep.comms, c.commID)
	handle.Release()
	return nil
}
