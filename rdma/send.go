package rdma

import (
	"errors"
	"fmt"
)

// ISend posts a message send on a connected SendComm, implementing the
// eager/rendezvous classification, scheduling, and message-buffer
// reconciliation. A nil *Request with a nil error means the caller raced
// the peer's control message and should retry with the same arguments; the
// sequence number is not consumed on that path.
func (sc *SendComm) ISend(buf []byte, mem MemoryHandle) (*Request, error) {
	if !sc.connected {
		return nil, fmt.Errorf("rdma: send on a not-yet-connected communicator")
	}
	if err := sc.checkInflight(); err != nil {
		return nil, err
	}
	ep := sc.ep
	if err := ep.Progress(); err != nil {
		return nil, err
	}

	seq := sc.nextSeq
	size := uint64(len(buf))

	elem, elemType, status, found := sc.msgBuf.Retrieve(seq)
	haveCtrl := false
	if found {
		switch {
		case status == StatusInProgress && elemType == ElementBuffer:
			haveCtrl = true
		case status == StatusInProgress && elemType == ElementRequest:
			return nil, fmt.Errorf("rdma: duplicate send for sequence %d", seq)
		case status != StatusComplete:
			return nil, fmt.Errorf("rdma: unexpected message buffer state for sequence %d: %v/%v", seq, status, elemType)
		}
	}

	eager := (!haveCtrl && size <= uint64(ep.Config().EagerMaxSize)) || size == 0

	req := NewRequest(RequestSend)
	req.Buffer = buf
	req.Mem = mem
	req.Size = size
	req.SeqNum = seq
	req.CommID = sc.localCommID

	if eager {
		// The send's own wire completion always counts; if the CTRL for
		// this seq has not arrived yet, its later arrival (continuePendingSend)
		// folds into the same counter as a second completion, mirroring the
		// rendezvous branch's own !haveCtrl adjustment below.
		req.CompletionsNeeded = 1
		if !haveCtrl {
			req.CompletionsNeeded++
		}

		if haveCtrl {
			if err := sc.msgBuf.Replace(seq, req, ElementRequest); err != nil {
				return nil, fmt.Errorf("rdma: replace CTRL slot with eager send: %w", err)
			}
		} else {
			insStatus, err := sc.msgBuf.Insert(seq, req, ElementRequest)
			if err != nil {
				if errors.Is(err, ErrInvalidIdx) && insStatus == StatusInProgress {
					return nil, nil
				}
				return nil, fmt.Errorf("rdma: insert eager send into message buffer: %w", err)
			}
		}

		imm := PackImmediate(sc.remoteCommID, seq, 0)
		tag := ep.requests.Register(req)
		var op SendOp
		op.Buffer = buf
		op.Mem = mem
		op.Dest = sc.rails[0].remoteAddr
		op.Tag = tag
		if err := sc.ep.Rails()[0].PostSendData(op, imm); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				ep.enqueuePending(req, func() error {
					return sc.ep.Rails()[0].PostSendData(op, imm)
				})
			} else {
				ep.requests.Forget(tag)
				return nil, fmt.Errorf("rdma: eager send: %w", err)
			}
		}
		req.MarkPosted()

		sc.advanceSeq()
		sc.numInflight++
		return req, nil
	}

	schedule, err := ep.Scheduler().Schedule(size, len(sc.rails))
	if err != nil {
		return nil, fmt.Errorf("rdma: schedule rendezvous send: %w", err)
	}
	req.Segments = schedule
	req.CompletionsNeeded = len(schedule)
	if !haveCtrl {
		req.CompletionsNeeded++
	}

	if haveCtrl {
		var ctrl CtrlMsg
		if err := ctrl.UnmarshalBinary(elem.([]byte)); err != nil {
			return nil, fmt.Errorf("rdma: decode stored CTRL: %w", err)
		}
		req.CtrlAddr = ctrl.BuffAddr
		req.CtrlKeys = ctrl.BuffMRKey
		req.CtrlLen = ctrl.BuffLen

		if err := sc.postRendezvousWrites(req); err != nil {
			return nil, err
		}
		if err := sc.msgBuf.Replace(seq, req, ElementRequest); err != nil {
			return nil, fmt.Errorf("rdma: replace CTRL slot with send request: %w", err)
		}
	} else {
		insStatus, err := sc.msgBuf.Insert(seq, req, ElementRequest)
		if err != nil {
			if errors.Is(err, ErrInvalidIdx) && insStatus == StatusInProgress {
				return nil, nil
			}
			return nil, fmt.Errorf("rdma: insert rendezvous send into message buffer: %w", err)
		}
	}

	sc.advanceSeq()
	sc.numInflight++
	return req, nil
}

func (sc *SendComm) advanceSeq() {
	sc.nextSeq = (sc.nextSeq + 1) % MaxSeqNum
}

// postRendezvousWrites posts the write-with-immediate for every segment of
// req's schedule not yet transferred, resuming from the first untransferred
// segment so a prior EAGAIN-interrupted attempt continues correctly.
func (sc *SendComm) postRendezvousWrites(req *Request) error {
	ep := sc.ep
	imm := PackImmediate(sc.remoteCommID, req.SeqNum, uint32(len(req.Segments)))

	for i := range req.Segments {
		seg := &req.Segments[i]
		if seg.Xferred() {
			continue
		}
		if req.Tag == 0 {
			ep.requests.Register(req)
		}

		var op WriteOp
		op.Buffer = req.Buffer[seg.Offset : seg.Offset+seg.Length]
		op.Mem = req.Mem
		op.Dest = sc.rails[seg.RailID].remoteAddr
		op.Key = req.CtrlKeys[seg.RailID]
		op.Offset = req.CtrlAddr + seg.Offset
		op.Tag = req.Tag

		segCopy := seg
		err := ep.Rails()[seg.RailID].PostWriteData(op, imm)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				ep.enqueuePending(req, func() error { return sc.postRendezvousWrites(req) })
				return nil
			}
			return fmt.Errorf("rdma: post rendezvous write segment %d: %w", i, err)
		}
		segCopy.MarkXferred()
	}
	req.MarkPosted()
	return nil
}

// continuePendingSend is invoked from the CTRL-arrival handler when a
// sequence number's slot already held a SEND request waiting on its
// destination buffer's address/keys: it stashes the arrived CTRL into the
// request and posts the rendezvous writes that could not be posted at
// ISend time.
func (sc *SendComm) continuePendingSend(req *Request, ctrl *CtrlMsg) error {
	req.CtrlAddr = ctrl.BuffAddr
	req.CtrlKeys = ctrl.BuffMRKey
	req.CtrlLen = ctrl.BuffLen
	if err := sc.postRendezvousWrites(req); err != nil {
		return err
	}
	req.Complete(nil)
	// For a rendezvous send this only ever accounts for the CTRL-arrival
	// slot, with the write segments' own completions still pending; for a
	// zero-length eager send whose CTRL raced its post, this is the second
	// and final completion, so the request can already be terminal here
	// rather than inside completeTagged.
	if req.IsDone() {
		ep := sc.ep
		if req.Tag != 0 {
			ep.requests.Forget(req.Tag)
		}
		ep.reportSendCompletion(req)
		ep.releaseInflight(req)
		if err := sc.msgBuf.Complete(req.SeqNum); err != nil {
			return err
		}
	}
	return nil
}
