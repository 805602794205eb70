package rdma

import (
	"errors"
	"fmt"
)

// IFlush orders a prior RDMA write visible to the CPU by issuing a small
// RDMA read back from the remote buffer into a pinned local scratch
// region, pinned to rail 0. A zero-length flush has nothing to order and
// returns an already-complete request without posting anything.
//
// GPUDirect RDMA flush via a vendor GPU intrinsic (cuFlushGPUDirectRDMAWrites
// or equivalent) is out of scope here: this module has no GPU binding to
// call into, so every flush takes the RDMA-read path regardless of the
// device's latched GDR support. GDR support still gates whether a flush
// buffer was even allocated for this communicator (handshake.go).
// remoteOffset is the absolute remote virtual address to read from, the
// same base-plus-offset addressing a CTRL message's BuffAddr carries for a
// rendezvous write, not an offset relative to the start of the registered
// region.
func (rc *RecvComm) IFlush(remoteAddr RemoteAddr, remoteKey uint64, remoteOffset uint64, length uint64) (*Request, error) {
	if !rc.connected {
		return nil, fmt.Errorf("rdma: flush on a not-yet-connected communicator")
	}
	if err := rc.ep.Progress(); err != nil {
		return nil, err
	}

	req := NewRequest(RequestFlush)
	req.Size = length

	if length == 0 {
		req.CompletionsNeeded = 1
		req.Complete(nil)
		return req, nil
	}

	if rc.flushBuf == nil || rc.flushMem == nil {
		return nil, fmt.Errorf("rdma: flush requires GPUDirect RDMA support, which this communicator did not latch")
	}
	if length > uint64(len(rc.flushBuf)) {
		return nil, fmt.Errorf("rdma: flush length %d exceeds scratch buffer capacity %d", length, len(rc.flushBuf))
	}

	req.CompletionsNeeded = 1
	ep := rc.ep
	tag := ep.requests.Register(req)

	var op ReadOp
	op.Buffer = rc.flushBuf[:length]
	op.Mem = rc.flushMem
	op.Src = remoteAddr
	op.Key = remoteKey
	op.Offset = remoteOffset
	op.Tag = tag

	if err := ep.Rails()[0].PostRead(op); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			ep.enqueuePending(req, func() error { return ep.Rails()[0].PostRead(op) })
		} else {
			ep.requests.Forget(tag)
			return nil, fmt.Errorf("rdma: post flush read: %w", err)
		}
	}
	req.MarkPosted()
	return req, nil
}
