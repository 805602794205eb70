package rdma

import "testing"

func TestImmediateRoundTrip(t *testing.T) {
	cases := []struct {
		commID, seq, numSeg uint32
	}{
		{0, 0, 0},
		{1, 1, 1},
		{MaxCommID - 1, MaxSeqNum - 1, MaxSegments - 1},
		{1 << 10, 777, 5},
		{42, 1023, 15},
	}
	for _, c := range cases {
		imm := PackImmediate(c.commID, c.seq, c.numSeg)
		if got := UnpackCommID(imm); got != c.commID {
			t.Fatalf("commID: got %d want %d (imm=%#x)", got, c.commID, imm)
		}
		if got := UnpackSeqNum(imm); got != c.seq {
			t.Fatalf("seq: got %d want %d (imm=%#x)", got, c.seq, imm)
		}
		if got := UnpackNumSeg(imm); got != c.numSeg {
			t.Fatalf("numSeg: got %d want %d (imm=%#x)", got, c.numSeg, imm)
		}
	}
}

func TestImmediateRoundTripExhaustiveSeqAndSeg(t *testing.T) {
	const commID = 12345
	for seq := uint32(0); seq < MaxSeqNum; seq += 7 {
		for nseg := uint32(0); nseg < MaxSegments; nseg++ {
			imm := PackImmediate(commID, seq, nseg)
			if UnpackCommID(imm) != commID || UnpackSeqNum(imm) != seq || UnpackNumSeg(imm) != nseg {
				t.Fatalf("round trip failed for seq=%d nseg=%d imm=%#x", seq, nseg, imm)
			}
		}
	}
}

func TestConnMsgRoundTrip(t *testing.T) {
	msg := &ConnMsg{
		Type:         MsgConn,
		LocalCommID:  7,
		RemoteCommID: 0,
		NumRails:     2,
	}
	msg.EndpointNames[0] = []byte("rail-zero-address")
	msg.EndpointNames[1] = []byte("rail-one-address")

	raw, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var decoded ConnMsg
	if err := decoded.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded.Type != msg.Type || decoded.LocalCommID != msg.LocalCommID || decoded.NumRails != msg.NumRails {
		t.Fatalf("header mismatch: got %+v", decoded)
	}
	for i := 0; i < int(msg.NumRails); i++ {
		got := decoded.EndpointNames[i][:len(msg.EndpointNames[i])]
		if string(got) != string(msg.EndpointNames[i]) {
			t.Fatalf("endpoint name %d mismatch: got %q want %q", i, got, msg.EndpointNames[i])
		}
	}
}

func TestConnMsgRejectsTooManyRails(t *testing.T) {
	msg := &ConnMsg{Type: MsgConnResp, NumRails: MaxRails + 1}
	if _, err := msg.MarshalBinary(); err == nil {
		t.Fatalf("expected error for NumRails beyond MaxRails")
	}
}

func TestCtrlMsgRoundTrip(t *testing.T) {
	msg := &CtrlMsg{
		RemoteCommID: 99,
		SeqNum:       512,
		BuffAddr:     0xdeadbeef,
		BuffLen:      1 << 20,
	}
	msg.BuffMRKey[0] = 0xaa
	msg.BuffMRKey[1] = 0xbb

	raw, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var decoded CtrlMsg
	if err := decoded.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded != *msg {
		t.Fatalf("got %+v want %+v", decoded, *msg)
	}
}

func TestCtrlMsgRejectsWrongType(t *testing.T) {
	connMsg := &ConnMsg{Type: MsgConn, NumRails: 1}
	connMsg.EndpointNames[0] = []byte("x")
	raw, err := connMsg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var ctrl CtrlMsg
	if err := ctrl.UnmarshalBinary(raw); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestPeekMsgType(t *testing.T) {
	msg := &CtrlMsg{RemoteCommID: 1}
	raw, _ := msg.MarshalBinary()
	got, err := peekMsgType(raw)
	if err != nil {
		t.Fatalf("peekMsgType: %v", err)
	}
	if got != MsgCtrl {
		t.Fatalf("got %v want %v", got, MsgCtrl)
	}
}

func TestPeekMsgTypeTooShort(t *testing.T) {
	if _, err := peekMsgType([]byte{1}); err == nil {
		t.Fatalf("expected error for short payload")
	}
}
