package rdma

import (
	"errors"
	"fmt"
	"unsafe"
)

// IRecv posts a message receive on a connected RecvComm. It checks the
// message buffer first for an eager payload that arrived before this call
// (unsolicited), otherwise it allocates the RECV request plus its
// SEND_CTRL (and, for an already-arrived eager payload, an EAGER_COPY)
// sub-requests and posts SEND_CTRL so a rendezvous sender knows where to
// write. A nil *Request with a nil error means the caller raced a
// concurrent arrival for this sequence number and should retry.
func (rc *RecvComm) IRecv(buf []byte, mem MemoryHandle) (*Request, error) {
	if !rc.connected {
		return nil, fmt.Errorf("rdma: receive on a not-yet-connected communicator")
	}
	if err := rc.checkInflight(); err != nil {
		return nil, err
	}
	ep := rc.ep
	if err := ep.Progress(); err != nil {
		return nil, err
	}

	seq := rc.nextSeq
	elem, elemType, status, found := rc.msgBuf.Retrieve(seq)

	req := NewRequest(RequestRecv)
	req.Buffer = buf
	req.Mem = mem
	req.Size = uint64(len(buf))
	req.SeqNum = seq
	req.CommID = rc.localCommID

	if found && status == StatusInProgress && elemType == ElementBuffer {
		// An eager payload already arrived unsolicited; copy it straight
		// into the caller's buffer via an EAGER_COPY sub-request, but still
		// post SEND_CTRL unconditionally so a rendezvous sender reusing
		// this seq later learns this buffer's address/keys. The copy and
		// SEND_CTRL's own arrival each count one completion toward req; it
		// is not done until both land.
		payload := elem.([]byte)
		eagerCopy := NewChild(req, RequestEagerCopy)
		n := copy(buf, payload)
		req.AccumulatedLen = uint64(n)
		if err := rc.msgBuf.Complete(seq); err != nil {
			return nil, fmt.Errorf("rdma: complete eager slot: %w", err)
		}
		if err := rc.postSendCtrl(req, seq, buf, mem); err != nil {
			return nil, err
		}
		req.MarkPosted()
		rc.numInflight++
		eagerCopy.Complete(nil)
		if req.IsDone() {
			ep.reportRecvCompletion(req)
			ep.releaseInflight(req)
		}
		rc.advanceSeq()
		return req, nil
	}

	segms := NewChild(req, RequestRecvSegms)
	segms.Buffer = buf
	segms.Mem = mem
	segms.SeqNum = seq
	segms.CommID = rc.localCommID

	insStatus, err := rc.msgBuf.Insert(seq, segms, ElementRequest)
	if err != nil {
		if errors.Is(err, ErrInvalidIdx) && insStatus == StatusInProgress {
			return nil, nil
		}
		return nil, fmt.Errorf("rdma: insert receive into message buffer: %w", err)
	}

	if err := rc.postSendCtrl(req, seq, buf, mem); err != nil {
		return nil, err
	}

	req.MarkPosted()
	rc.advanceSeq()
	rc.numInflight++
	return req, nil
}

func (rc *RecvComm) advanceSeq() {
	rc.nextSeq = (rc.nextSeq + 1) % MaxSeqNum
}

// postSendCtrl builds and posts the CTRL message naming buf's address,
// length, and per-rail memory keys, so a rendezvous sender can stripe its
// write across every rail this endpoint owns.
func (rc *RecvComm) postSendCtrl(parent *Request, seq uint32, buf []byte, mem MemoryHandle) error {
	ep := rc.ep
	slot, err := rc.acquireCtrlSlot(ep.Rails()[0])
	if err != nil {
		return err
	}

	var keys [MaxRails]uint64
	for i := range rc.rails {
		keys[i] = mem.Key()
	}
	msg := &CtrlMsg{
		RemoteCommID: rc.remoteCommID,
		SeqNum:       uint16(seq),
		BuffAddr:     bufferAddress(buf),
		BuffLen:      uint64(len(buf)),
		BuffMRKey:    keys,
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		rc.releaseCtrlSlot(slot)
		return fmt.Errorf("rdma: encode CTRL: %w", err)
	}
	copy(slot.buf, payload)

	ctrlReq := NewChild(parent, RequestSendCtrl)
	ctrlReq.ctrlSlot = slot
	tag := ep.requests.Register(ctrlReq)

	var op SendOp
	op.Buffer = slot.buf[:len(payload)]
	op.Mem = slot.mem
	op.Dest = rc.rails[0].remoteAddr
	op.Tag = tag

	if err := ep.Rails()[0].PostSend(op); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			ep.enqueuePending(ctrlReq, func() error { return ep.Rails()[0].PostSend(op) })
		} else {
			ep.requests.Forget(tag)
			rc.releaseCtrlSlot(slot)
			return fmt.Errorf("rdma: post CTRL: %w", err)
		}
	}
	ctrlReq.MarkPosted()
	return nil
}

// bufferAddress returns buf's base address as the peer will see it once the
// corresponding memory region is registered, for carrying in a CTRL
// message's BuffAddr field. A zero-length buffer has no address to publish.
func bufferAddress(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
