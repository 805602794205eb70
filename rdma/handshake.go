package rdma

import (
	"encoding/binary"
	"fmt"
)

// handshakeStage names the stage machine both Connect and Accept step
// through; the same stage name means different work on each side, exactly
// mirroring the table governing this handshake.
type handshakeStage int

const (
	stageCreateStart handshakeStage = iota
	stageSendConn
	stageConnReqPending
	stageRecvConn
	stageConnRespReqPending
	stageConnected
)

// Handle is the out-of-band-transmitted rendezvous token a listener hands
// to whatever bootstrap channel tells a prospective peer how to Connect:
// the listen communicator's id and its first rail's provider-specific
// endpoint name.
type Handle struct {
	ListenCommID uint32
	RailName     []byte
}

// MarshalBinary encodes the handle as a uint32 comm id followed by the raw
// endpoint name bytes.
func (h *Handle) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+len(h.RailName))
	binary.LittleEndian.PutUint32(buf[0:4], h.ListenCommID)
	copy(buf[4:], h.RailName)
	return buf, nil
}

// UnmarshalBinary decodes a handle produced by MarshalBinary.
func (h *Handle) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("rdma: handle too short: %d bytes", len(data))
	}
	h.ListenCommID = binary.LittleEndian.Uint32(data[0:4])
	h.RailName = append([]byte(nil), data[4:]...)
	return nil
}

// Listen realizes a ListenComm on rail 0 and returns the Handle a bootstrap
// channel should ship to a prospective peer.
func Listen(handle *EndpointHandle) (*ListenComm, *Handle, error) {
	ep := handle.Endpoint()
	commID, err := ep.allocCommID()
	if err != nil {
		return nil, nil, err
	}
	name, err := ep.Rails()[0].LocalName()
	if err != nil {
		ep.freeCommID(commID)
		return nil, nil, fmt.Errorf("rdma: listen: local rail name: %w", err)
	}
	lc := &ListenComm{ep: ep, rail: 0, commID: commID}
	ep.comms[commID] = lc
	return lc, &Handle{ListenCommID: commID, RailName: name}, nil
}

// Connect advances (or starts) the sender side of the handshake. It is
// non-blocking: a nil *SendComm with a nil error means "call again".
func Connect(handle *EndpointHandle, peer *Handle) (*SendComm, error) {
	ep := handle.Endpoint()
	if err := ep.Progress(); err != nil {
		return nil, err
	}

	sc, err := ep.findOrCreateSendComm(peer)
	if err != nil {
		return nil, err
	}

	switch sc.stage {
	case stageCreateStart, stageSendConn:
		if err := ep.postConn(sc, peer); err != nil {
			return nil, err
		}
		sc.stage = stageConnReqPending
		return nil, nil

	case stageConnReqPending:
		if sc.connReq == nil || !sc.connReq.IsDone() {
			return nil, nil
		}
		if err := sc.connReq.Error(); err != nil {
			return nil, fmt.Errorf("rdma: CONN send failed: %w", err)
		}
		if err := ep.postRecvConnResp(sc); err != nil {
			return nil, err
		}
		sc.stage = stageConnRespReqPending
		return nil, nil

	case stageConnRespReqPending:
		if sc.connRespMsg == nil {
			return nil, nil
		}
		if err := ep.finalizeRemoteRails(sc.rails, sc.connRespMsg); err != nil {
			return nil, err
		}
		sc.connected = true
		sc.stage = stageConnected
		return sc, nil

	case stageConnected:
		return sc, nil
	}
	return nil, fmt.Errorf("rdma: connect: unreachable stage %d", sc.stage)
}

func (e *Endpoint) findOrCreateSendComm(peer *Handle) (*SendComm, error) {
	for _, v := range e.comms {
		if sc, ok := v.(*SendComm); ok && sc.remoteCommID == peer.ListenCommID && !sc.connected {
			return sc, nil
		}
	}
	commID, err := e.allocCommID()
	if err != nil {
		return nil, err
	}
	remoteAddr, err := e.Rails()[0].InsertAddress(peer.RailName)
	if err != nil {
		e.freeCommID(commID)
		return nil, fmt.Errorf("rdma: connect: insert remote rail 0 address: %w", err)
	}
	rails := make([]rankRail, len(e.Rails()))
	rails[0] = rankRail{localEP: 0, remoteAddr: remoteAddr, haveRemote: true}

	sc := &SendComm{
		ep:           e,
		rails:        rails,
		localCommID:  commID,
		remoteCommID: peer.ListenCommID,
		msgBuf:       NewMessageBuffer(),
		maxInflight:  e.Config().MaxSendRequests,
	}
	e.comms[commID] = sc
	return sc, nil
}

func (e *Endpoint) postConn(sc *SendComm, peer *Handle) error {
	names := [MaxRails][]byte{}
	for i, rail := range e.Rails() {
		name, err := rail.LocalName()
		if err != nil {
			return fmt.Errorf("rdma: connect: local rail %d name: %w", i, err)
		}
		names[i] = name
	}
	msg := &ConnMsg{
		Type:         MsgConn,
		LocalCommID:  sc.localCommID,
		RemoteCommID: peer.ListenCommID,
		NumRails:     uint16(len(e.Rails())),
	}
	msg.EndpointNames = names
	sc.connMsg = msg

	payload, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("rdma: connect: encode CONN: %w", err)
	}

	req := NewRequest(RequestSendConn)
	req.CompletionsNeeded = 1
	tag := e.requests.Register(req)

	var op SendOp
	op.Buffer = payload
	op.Dest = sc.rails[0].remoteAddr
	op.Tag = tag
	if err := e.Rails()[0].PostSend(op); err != nil {
		return fmt.Errorf("rdma: connect: post CONN: %w", err)
	}
	req.MarkPosted()
	sc.connReq = req
	return nil
}

// postRecvConnResp has nothing to post: CONN_RESP arrives through the
// generic ANY_SRC bounce-buffer path (handleConnRespArrival), which copies
// the decoded message onto sc.connRespMsg. This just marks that Connect is now
// waiting for that arrival.
func (e *Endpoint) postRecvConnResp(sc *SendComm) error {
	sc.respReq = NewRequest(RequestRecvConnResp)
	sc.respReq.CompletionsNeeded = 1
	return nil
}

// finalizeRemoteRails inserts the remaining N-1 rail addresses carried by a
// just-arrived CONN/CONN_RESP message, rail 0 having already been inserted
// at CREATE_START. This is why the handshake inserts rail addresses one AV
// call per rail across two points in the stage machine rather than all at
// once.
func (e *Endpoint) finalizeRemoteRails(rails []rankRail, msg *ConnMsg) error {
	for i := 1; i < int(msg.NumRails) && i < len(rails); i++ {
		addr, err := e.Rails()[i].InsertAddress(msg.EndpointNames[i])
		if err != nil {
			return fmt.Errorf("rdma: insert remote rail %d address: %w", i, err)
		}
		rails[i] = rankRail{localEP: i, remoteAddr: addr, haveRemote: true}
	}
	return nil
}

// Accept advances (or starts) the receiver side of the handshake against a
// ListenComm previously returned by Listen. It is non-blocking: a nil
// *RecvComm with a nil error means "call again". On success it also
// returns a fresh EndpointHandle, the endpoint's reference count having
// been incremented once more to reflect the handle now owned by the
// returned communicator.
func Accept(handle *EndpointHandle, lc *ListenComm) (*RecvComm, *EndpointHandle, error) {
	ep := handle.Endpoint()
	if err := ep.Progress(); err != nil {
		return nil, nil, err
	}

	if lc.nextRecv == nil {
		if !lc.arrived {
			return nil, nil, nil
		}
		rc, err := ep.buildRecvComm(lc)
		if err != nil {
			return nil, nil, err
		}
		lc.nextRecv = rc
	}
	rc := lc.nextRecv

	switch rc.stage {
	case stageCreateStart, stageSendConn, stageRecvConn:
		if err := ep.postConnResp(rc); err != nil {
			return nil, nil, err
		}
		rc.stage = stageConnRespReqPending
		return nil, nil, nil

	case stageConnRespReqPending:
		if rc.respReq == nil || !rc.respReq.IsDone() {
			return nil, nil, nil
		}
		if err := rc.respReq.Error(); err != nil {
			return nil, nil, fmt.Errorf("rdma: CONN_RESP send failed: %w", err)
		}
		rc.connected = true
		rc.stage = stageConnected
		newHandle, err := handle.device.Acquire(handle.key)
		if err != nil {
			return nil, nil, err
		}
		lc.finished = true
		return rc, newHandle, nil

	case stageConnected:
		return rc, nil, nil
	}
	return nil, nil, fmt.Errorf("rdma: accept: unreachable stage %d", rc.stage)
}

func (e *Endpoint) buildRecvComm(lc *ListenComm) (*RecvComm, error) {
	msg := lc.connMsg
	commID, err := e.allocCommID()
	if err != nil {
		return nil, err
	}

	rails := make([]rankRail, len(e.Rails()))
	for i := 0; i < int(msg.NumRails) && i < len(rails); i++ {
		addr, err := e.Rails()[i].InsertAddress(msg.EndpointNames[i])
		if err != nil {
			e.freeCommID(commID)
			return nil, fmt.Errorf("rdma: accept: insert remote rail %d address: %w", i, err)
		}
		rails[i] = rankRail{localEP: i, remoteAddr: addr, haveRemote: true}
	}

	rc := &RecvComm{
		ep:           e,
		rails:        rails,
		localCommID:  commID,
		remoteCommID: msg.LocalCommID,
		msgBuf:       NewMessageBuffer(),
		maxInflight:  e.Config().MaxRecvRequests,
	}

	if e.device.GDRSupport() == GDRSupported {
		buf := make([]byte, 4096)
		mem, err := e.Rails()[0].RegisterMemory(buf)
		if err != nil {
			e.freeCommID(commID)
			return nil, fmt.Errorf("rdma: accept: register flush buffer: %w", err)
		}
		rc.flushBuf = buf
		rc.flushMem = mem
	}

	e.comms[commID] = rc
	return rc, nil
}

func (e *Endpoint) postConnResp(rc *RecvComm) error {
	names := [MaxRails][]byte{}
	for i, rail := range e.Rails() {
		name, err := rail.LocalName()
		if err != nil {
			return fmt.Errorf("rdma: accept: local rail %d name: %w", i, err)
		}
		names[i] = name
	}
	msg := &ConnMsg{
		Type:         MsgConnResp,
		LocalCommID:  rc.localCommID,
		RemoteCommID: rc.remoteCommID,
		NumRails:     uint16(len(e.Rails())),
	}
	msg.EndpointNames = names

	payload, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("rdma: accept: encode CONN_RESP: %w", err)
	}

	req := NewRequest(RequestSendConnResp)
	req.CompletionsNeeded = 1
	tag := e.requests.Register(req)

	var op SendOp
	op.Buffer = payload
	op.Dest = rc.rails[0].remoteAddr
	op.Tag = tag
	if err := e.Rails()[0].PostSend(op); err != nil {
		return fmt.Errorf("rdma: accept: post CONN_RESP: %w", err)
	}
	req.MarkPosted()
	rc.respReq = req
	return nil
}
