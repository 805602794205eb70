package rdmatest

import (
	"testing"

	"github.com/netfabric/ofi-rdma/rdma"
)

func connect(t *testing.T, a, b *Rail) (rdma.RemoteAddr, rdma.RemoteAddr) {
	t.Helper()
	nameA, err := a.LocalName()
	if err != nil {
		t.Fatalf("LocalName a: %v", err)
	}
	nameB, err := b.LocalName()
	if err != nil {
		t.Fatalf("LocalName b: %v", err)
	}
	addrB, err := a.InsertAddress(nameB)
	if err != nil {
		t.Fatalf("InsertAddress b: %v", err)
	}
	addrA, err := b.InsertAddress(nameA)
	if err != nil {
		t.Fatalf("InsertAddress a: %v", err)
	}
	return addrA, addrB
}

func TestSendRecvMatchesFIFO(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewRail(0), net.NewRail(0)
	_, addrB := connect(t, a, b)

	recvBuf := make([]byte, 16)
	recv := rdma.RecvOp{}
	recv.Buffer = recvBuf
	recv.Tag = 7
	if err := b.PostRecv(recv); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	send := rdma.SendOp{Dest: addrB}
	send.Buffer = []byte("hello")
	send.Tag = 42
	if err := a.PostSend(send); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	sendComps, err := a.PollCompletions(8)
	if err != nil {
		t.Fatalf("PollCompletions a: %v", err)
	}
	if len(sendComps) != 1 || sendComps[0].Tag != 42 || !sendComps[0].Flags.Has(rdma.CompSend) {
		t.Fatalf("unexpected send completion: %+v", sendComps)
	}

	recvComps, err := b.PollCompletions(8)
	if err != nil {
		t.Fatalf("PollCompletions b: %v", err)
	}
	if len(recvComps) != 1 || recvComps[0].Tag != 7 || !recvComps[0].Flags.Has(rdma.CompRecv) {
		t.Fatalf("unexpected recv completion: %+v", recvComps)
	}
	if string(recvBuf[:recvComps[0].Length]) != "hello" {
		t.Fatalf("recv buffer = %q, want hello", recvBuf[:recvComps[0].Length])
	}
}

func TestRecvPostedBeforeSendStillMatches(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewRail(0), net.NewRail(0)
	_, addrB := connect(t, a, b)

	buf := make([]byte, 4)
	recv := rdma.RecvOp{}
	recv.Buffer = buf
	if err := b.PostRecv(recv); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	send := rdma.SendOp{Dest: addrB}
	send.Buffer = []byte("abcd")
	if err := a.PostSend(send); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	if _, err := b.PollCompletions(1); err != nil {
		t.Fatalf("expected a matched recv completion, got %v", err)
	}
}

func TestSendDataCarriesImmediate(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewRail(0), net.NewRail(0)
	_, addrB := connect(t, a, b)

	buf := make([]byte, 4)
	recv := rdma.RecvOp{}
	recv.Buffer = buf
	if err := b.PostRecv(recv); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	send := rdma.SendOp{Dest: addrB}
	send.Buffer = []byte("eagr")
	if err := a.PostSendData(send, 0xABCD); err != nil {
		t.Fatalf("PostSendData: %v", err)
	}

	comps, err := b.PollCompletions(1)
	if err != nil {
		t.Fatalf("PollCompletions: %v", err)
	}
	if !comps[0].Flags.Has(rdma.CompRecv | rdma.CompRemoteCQData) || comps[0].Data != 0xABCD {
		t.Fatalf("unexpected eager completion: %+v", comps[0])
	}
}

func TestWriteDeliversToRemoteMemoryAndSignalsBothSides(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewRail(0), net.NewRail(0)
	_, addrB := connect(t, a, b)

	remoteBuf := make([]byte, 32)
	mh, err := b.RegisterMemory(remoteBuf)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}

	write := rdma.WriteOp{Dest: addrB, Key: mh.Key(), Offset: bufferAddress(remoteBuf) + 4}
	write.Buffer = []byte("segment")
	if err := a.PostWriteData(write, 99); err != nil {
		t.Fatalf("PostWriteData: %v", err)
	}

	localComps, err := a.PollCompletions(1)
	if err != nil || !localComps[0].Flags.Has(rdma.CompWrite) {
		t.Fatalf("local write completion: comps=%v err=%v", localComps, err)
	}

	remoteComps, err := b.PollCompletions(1)
	if err != nil || !remoteComps[0].Flags.Has(rdma.CompRemoteWrite|rdma.CompRemoteCQData) || remoteComps[0].Data != 99 {
		t.Fatalf("remote write completion: comps=%v err=%v", remoteComps, err)
	}
	if string(remoteBuf[4:11]) != "segment" {
		t.Fatalf("remote buffer = %q, want segment at offset 4", remoteBuf[4:11])
	}
}

func TestReadPullsFromRemoteMemory(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewRail(0), net.NewRail(0)
	_, addrB := connect(t, a, b)

	remoteBuf := []byte("0123456789")
	mh, err := b.RegisterMemory(remoteBuf)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}

	local := make([]byte, 4)
	read := rdma.ReadOp{Src: addrB, Key: mh.Key(), Offset: bufferAddress(remoteBuf) + 3}
	read.Buffer = local
	if err := a.PostRead(read); err != nil {
		t.Fatalf("PostRead: %v", err)
	}
	if string(local) != "3456" {
		t.Fatalf("local = %q, want 3456", local)
	}

	comps, err := a.PollCompletions(1)
	if err != nil || !comps[0].Flags.Has(rdma.CompRead) {
		t.Fatalf("read completion: comps=%v err=%v", comps, err)
	}
}

func TestSendBacklogLimitTriggersWouldBlock(t *testing.T) {
	net := NewNetwork()
	a, b := net.NewRail(0), net.NewRail(1)
	_, addrB := connect(t, a, b)

	send := rdma.SendOp{Dest: addrB}
	send.Buffer = []byte("x")
	if err := a.PostSend(send); err != nil {
		t.Fatalf("first send should queue: %v", err)
	}
	if err := a.PostSend(send); err != rdma.ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock once backlog limit reached, got %v", err)
	}
	if b.DroppedSendBacklog() != 1 {
		t.Fatalf("expected 1 dropped send, got %d", b.DroppedSendBacklog())
	}
}
