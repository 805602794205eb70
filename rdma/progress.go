package rdma

import (
	"errors"
	"fmt"
)

// ErrBounceFailed wraps a completion-queue error observed on a bounce-buffer
// receive. The protocol has no way to recover from a failed unsolicited
// receive, so this is always treated as fatal for the endpoint.
var ErrBounceFailed = errors.New("rdma: bounce buffer receive failed")

// Progress drains every rail's completion queue in batches of the
// configured read count, dispatches each completion by its flag set, then
// drains the error queue, and finally walks the pending-request queue
// front-to-back re-attempting each post until the first ErrWouldBlock.
func (e *Endpoint) Progress() error {
	batch := e.Config().CQReadCount
	if batch <= 0 {
		batch = 1
	}
	numComps, numErrs := 0, 0
	for _, rail := range e.Rails() {
		comps, err := rail.PollCompletions(batch)
		if err != nil && !errors.Is(err, ErrNoCompletion) && !errors.Is(err, ErrWouldBlock) {
			return fmt.Errorf("rdma: poll completions: %w", err)
		}
		numComps += len(comps)
		for _, c := range comps {
			if err := e.dispatchCompletion(c); err != nil {
				return err
			}
		}
	}
	for _, rail := range e.Rails() {
		errs, err := rail.PollErrors(batch)
		if err != nil && !errors.Is(err, ErrNoCompletion) {
			return fmt.Errorf("rdma: poll errors: %w", err)
		}
		numErrs += len(errs)
		for _, ce := range errs {
			if err := e.dispatchError(ce); err != nil {
				return err
			}
		}
	}
	if numComps > 0 || numErrs > 0 {
		if e.obs.metrics != nil {
			e.obs.metrics.ProgressDrained(numComps, numErrs, nil)
		}
		e.obs.logEvent("progress.drained", logKV("endpoint", e.id), logKV("completions", numComps), logKV("errors", numErrs))
	}
	return e.drainPending()
}

func (e *Endpoint) dispatchCompletion(c Completion) error {
	switch {
	case c.Flags.Has(CompSend):
		return e.completeTagged(c.Tag, nil)

	case c.Flags.Has(CompRecv) && !c.Flags.Has(CompRemoteCQData):
		return e.handleBounceArrival(c)

	case c.Flags.Has(CompRecv) && c.Flags.Has(CompRemoteCQData):
		return e.handleEagerArrival(c)

	case c.Flags.Has(CompRemoteWrite):
		return e.handleRemoteWrite(c)

	case c.Flags.Has(CompWrite):
		return e.completeTagged(c.Tag, nil)

	case c.Flags.Has(CompRead):
		return e.completeTagged(c.Tag, nil)

	default:
		return fmt.Errorf("rdma: completion with unrecognized flag set 0x%x", uint32(c.Flags))
	}
}

func (e *Endpoint) completeTagged(tag uint64, err error) error {
	req, ok := e.requests.Lookup(tag)
	if !ok {
		return nil
	}
	req.Complete(err)
	if req.IsDone() {
		e.requests.Forget(tag)
		if req.Kind == RequestSendCtrl && req.ctrlSlot != nil {
			ctrlSlotPool.Put(req.ctrlSlot)
			req.ctrlSlot = nil
		}
		e.reportSendCompletion(req)
		e.releaseInflight(req)
		if req.Kind == RequestSend {
			if sc, ok := e.comms[req.CommID].(*SendComm); ok {
				if err := sc.msgBuf.Complete(req.SeqNum); err != nil {
					return err
				}
			}
		}
	}
	// req may be a SEND_CTRL sub-request whose completion is what pushes its
	// parent RECV over its own completion threshold; the segms sibling's own
	// completion handler already checked this right after it completed, so
	// this only fires true the one time the threshold is actually crossed.
	if req.Parent != nil && req.Parent.IsDone() {
		e.reportRecvCompletion(req.Parent)
		e.releaseInflight(req.Parent)
	}
	return nil
}

// releaseInflight decrements the owning communicator's numInflight counter
// once a top-level SEND or RECV request reaches DONE or ERROR, undoing the
// increment ISend/IRecv made when the request was posted. Sub-requests
// (SEND_CTRL, RECV_SEGMS, FLUSH, BOUNCE) carry no inflight count of their
// own, so only RequestSend/RequestRecv match here.
func (e *Endpoint) releaseInflight(req *Request) {
	switch req.Kind {
	case RequestSend:
		if sc, ok := e.comms[req.CommID].(*SendComm); ok {
			sc.numInflight--
		}
	case RequestRecv:
		if rc, ok := e.comms[req.CommID].(*RecvComm); ok {
			rc.numInflight--
		}
	}
}

func (e *Endpoint) reportSendCompletion(req *Request) {
	if e.obs.metrics == nil || req.Kind != RequestSend {
		return
	}
	op := "eager"
	if len(req.Segments) > 0 {
		op = "rendezvous"
	}
	if req.Error() != nil {
		e.obs.metrics.SendFailed(req.Error(), sendAttrs(op, "error"))
		return
	}
	e.obs.metrics.SendCompleted(sendAttrs(op, "ok"))
}

func (e *Endpoint) reportRecvCompletion(req *Request) {
	if e.obs.metrics == nil || req.Kind != RequestRecv {
		return
	}
	op := "eager"
	if len(req.Segments) > 0 {
		op = "rendezvous"
	}
	if req.Error() != nil {
		e.obs.metrics.RecvFailed(req.Error(), sendAttrs(op, "error"))
		return
	}
	e.obs.metrics.RecvCompleted(sendAttrs(op, "ok"))
}

// handleBounceArrival dispatches a CONN/CONN_RESP/CTRL message that landed
// in a bounce buffer (no remote-CQ-data), deciding from the first two
// payload bytes which handler applies.
func (e *Endpoint) handleBounceArrival(c Completion) error {
	req, ok := e.bounce.Consume(c.Tag)
	if !ok {
		return fmt.Errorf("rdma: bounce completion for unknown tag %d", c.Tag)
	}
	payload := req.bouncePayload.buf[:c.Length]
	msgType, err := peekMsgType(payload)
	if err != nil {
		return e.bounce.Repost(req)
	}

	switch msgType {
	case MsgConn:
		err = e.handleConnArrival(payload)
	case MsgConnResp:
		err = e.handleConnRespArrival(payload)
	case MsgCtrl:
		err = e.handleCtrlArrival(payload)
	default:
		err = fmt.Errorf("rdma: bounce arrival with unrecognized message type %v", msgType)
	}
	if repostErr := e.bounce.Repost(req); repostErr != nil {
		return repostErr
	}
	return err
}

func (e *Endpoint) handleConnArrival(payload []byte) error {
	var msg ConnMsg
	if err := msg.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("rdma: decode CONN: %w", err)
	}
	lc, ok := e.comms[msg.RemoteCommID].(*ListenComm)
	if !ok {
		return fmt.Errorf("rdma: CONN arrival for unknown listen communicator %d", msg.RemoteCommID)
	}
	lc.connMsg = &msg
	lc.arrived = true
	return nil
}

func (e *Endpoint) handleConnRespArrival(payload []byte) error {
	var msg ConnMsg
	if err := msg.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("rdma: decode CONN_RESP: %w", err)
	}
	sc, ok := e.comms[msg.RemoteCommID].(*SendComm)
	if !ok {
		return fmt.Errorf("rdma: CONN_RESP arrival for unknown send communicator %d", msg.RemoteCommID)
	}
	sc.connRespMsg = &msg
	if sc.respReq != nil {
		sc.respReq.Complete(nil)
	}
	return nil
}

// handleCtrlArrival dispatches a just-arrived CTRL message. If the send
// communicator already has a SEND posted for this sequence number (it ran
// ahead of its own CTRL and parked as an ElementRequest), the arrival
// continues that send's deferred rendezvous writes directly. Otherwise the
// raw CTRL bytes are parked in the message buffer for a future ISend to
// pick up.
func (e *Endpoint) handleCtrlArrival(payload []byte) error {
	var msg CtrlMsg
	if err := msg.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("rdma: decode CTRL: %w", err)
	}
	sc, ok := e.comms[msg.RemoteCommID].(*SendComm)
	if !ok {
		return fmt.Errorf("rdma: CTRL arrival for unknown send communicator %d", msg.RemoteCommID)
	}

	seq := uint32(msg.SeqNum)
	elem, elemType, status, found := sc.msgBuf.Retrieve(seq)
	if found && status == StatusInProgress && elemType == ElementRequest {
		return sc.continuePendingSend(elem.(*Request), &msg)
	}

	dup := append([]byte(nil), payload...)
	insStatus, err := sc.msgBuf.Insert(seq, dup, ElementBuffer)
	if err != nil {
		if errors.Is(err, ErrInvalidIdx) && insStatus == StatusInProgress {
			return sc.msgBuf.Replace(seq, dup, ElementBuffer)
		}
		return fmt.Errorf("rdma: insert CTRL into message buffer: %w", err)
	}
	return nil
}

// handleEagerArrival dispatches a send-with-immediate completion, decoding
// the communicator id and sequence number from the packed immediate and
// copying the bounce payload's content directly into the matching RECV's
// user buffer when one is already posted, or parking the bytes in the
// message buffer for a future irecv otherwise.
func (e *Endpoint) handleEagerArrival(c Completion) error {
	req, ok := e.bounce.Consume(c.Tag)
	if !ok {
		return fmt.Errorf("rdma: eager completion for unknown tag %d", c.Tag)
	}
	payload := append([]byte(nil), req.bouncePayload.buf[:c.Length]...)
	commID := UnpackCommID(c.Data)
	seq := UnpackSeqNum(c.Data)

	rc, ok := e.comms[commID].(*RecvComm)
	if !ok {
		_ = e.bounce.Repost(req)
		return fmt.Errorf("rdma: eager arrival for unknown receive communicator %d", commID)
	}

	elem, elemType, status, found := rc.msgBuf.Retrieve(seq)
	if found && status == StatusInProgress && elemType == ElementRequest {
		recvReq := elem.(*Request)
		n := copy(recvReq.Buffer, payload)
		recvReq.AccumulatedLen = uint64(n)
		recvReq.Complete(nil)
		// recvReq is the RECV_SEGMS child IRecv parked here, not the
		// top-level RECV itself; only report/release once its parent has
		// also seen its SEND_CTRL child complete.
		if recvReq.Parent != nil && recvReq.Parent.IsDone() {
			e.reportRecvCompletion(recvReq.Parent)
			e.releaseInflight(recvReq.Parent)
		}
		if err := rc.msgBuf.Complete(seq); err != nil {
			return err
		}
	} else {
		insStatus, err := rc.msgBuf.Insert(seq, payload, ElementBuffer)
		if err != nil {
			if errors.Is(err, ErrInvalidIdx) && insStatus == StatusInProgress {
				if err := rc.msgBuf.Replace(seq, payload, ElementBuffer); err != nil {
					_ = e.bounce.Repost(req)
					return err
				}
			} else {
				_ = e.bounce.Repost(req)
				return fmt.Errorf("rdma: insert eager payload into message buffer: %w", err)
			}
		}
	}
	return e.bounce.Repost(req)
}

// handleRemoteWrite dispatches an RDMA-write-with-immediate completion:
// decode (comm_id, seq, num_segments) from the immediate, find the
// RECV_SEGMS sub-request via the receive communicator's message buffer,
// and complete it once every striped segment has arrived.
func (e *Endpoint) handleRemoteWrite(c Completion) error {
	commID := UnpackCommID(c.Data)
	seq := UnpackSeqNum(c.Data)
	numSeg := UnpackNumSeg(c.Data)

	rc, ok := e.comms[commID].(*RecvComm)
	if !ok {
		return fmt.Errorf("rdma: remote write for unknown receive communicator %d", commID)
	}
	elem, elemType, status, found := rc.msgBuf.Retrieve(seq)
	if !found || status != StatusInProgress || elemType != ElementRequest {
		return fmt.Errorf("rdma: remote write for seq %d with no matching posted receive", seq)
	}
	segms := elem.(*Request)
	if segms.NumSegExpected == 0 {
		segms.NumSegExpected = int(numSeg)
	}
	segms.NumSegSeen++
	segms.AccumulatedLen += c.Length
	if segms.NumSegSeen >= segms.NumSegExpected {
		segms.Complete(nil)
		if segms.Parent != nil && segms.Parent.IsDone() {
			e.reportRecvCompletion(segms.Parent)
			e.releaseInflight(segms.Parent)
		}
		return rc.msgBuf.Complete(seq)
	}
	return nil
}

func (e *Endpoint) dispatchError(ce CompletionError) error {
	if e.obs.metrics != nil {
		e.obs.metrics.CompletionQueueError(0, ce.Err, map[string]string{labelKind: fmt.Sprintf("0x%x", uint32(ce.Flags))})
	}
	if req, ok := e.bounce.Consume(ce.Tag); ok {
		_ = e.bounce.Release(req)
		return fmt.Errorf("%w: %v", ErrBounceFailed, ce.Err)
	}
	if ce.Flags.Has(CompRemoteWrite) {
		return e.dispatchRemoteWriteError(ce)
	}
	req, ok := e.requests.Lookup(ce.Tag)
	if !ok {
		return nil
	}
	req.Complete(ce.Err)
	e.requests.Forget(ce.Tag)
	if req.Kind == RequestSendCtrl && req.ctrlSlot != nil {
		ctrlSlotPool.Put(req.ctrlSlot)
		req.ctrlSlot = nil
	}
	e.reportSendCompletion(req)
	e.releaseInflight(req)
	if req.Kind == RequestSend {
		if sc, ok := e.comms[req.CommID].(*SendComm); ok {
			if err := sc.msgBuf.Complete(req.SeqNum); err != nil {
				return err
			}
		}
	}
	if req.Parent != nil && req.Parent.IsDone() {
		e.reportRecvCompletion(req.Parent)
		e.releaseInflight(req.Parent)
	}
	return nil
}

// dispatchRemoteWriteError resolves a failed, unsolicited RDMA-write
// completion back to its target RECV_SEGMS sub-request by the same
// (comm_id, seq) decode handleRemoteWrite uses for a successful one. A
// remote write has no local post of its own, so ce.Tag is meaningless here;
// ce.Data (the immediate) is the only handle available. The matching
// receive moves straight to ERROR rather than waiting on segments that will
// now never arrive.
func (e *Endpoint) dispatchRemoteWriteError(ce CompletionError) error {
	commID := UnpackCommID(ce.Data)
	seq := UnpackSeqNum(ce.Data)

	rc, ok := e.comms[commID].(*RecvComm)
	if !ok {
		return fmt.Errorf("rdma: remote write error for unknown receive communicator %d: %w", commID, ce.Err)
	}
	elem, elemType, status, found := rc.msgBuf.Retrieve(seq)
	if !found || status != StatusInProgress || elemType != ElementRequest {
		return fmt.Errorf("rdma: remote write error for seq %d with no matching posted receive: %w", seq, ce.Err)
	}
	segms := elem.(*Request)
	segms.Complete(ce.Err)
	if segms.Parent != nil && segms.Parent.IsDone() {
		e.reportRecvCompletion(segms.Parent)
		e.releaseInflight(segms.Parent)
	}
	return rc.msgBuf.Complete(seq)
}

// drainPending walks the pending-request queue front-to-back, re-attempting
// each post. The first ErrWouldBlock puts the request back at the front and
// stops the drain so later entries don't get reordered ahead of it.
func (e *Endpoint) drainPending() error {
	for {
		node := e.pending.Front()
		if node == nil {
			return nil
		}
		req := node.Value()
		if req.retry == nil {
			e.pending.Remove(node)
			continue
		}
		err := req.retry()
		if err == nil {
			e.pending.Remove(node)
			req.pendingNode = nil
			continue
		}
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		e.pending.Remove(node)
		req.pendingNode = nil
		req.Complete(err)
		return nil
	}
}

// enqueuePending appends req to the endpoint's pending-request deque after
// a post attempt returned ErrWouldBlock.
func (e *Endpoint) enqueuePending(req *Request, retry func() error) {
	req.retry = retry
	req.pendingNode = e.pending.PushBack(req)
}
