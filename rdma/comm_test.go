package rdma_test

import (
	"errors"
	"fmt"
	"testing"
	"unsafe"

	"github.com/netfabric/ofi-rdma/rdma"
	"github.com/netfabric/ofi-rdma/rdma/rdmatest"
)

func testCfg() *rdma.Cfg {
	return &rdma.Cfg{
		EagerMaxSize:           8,
		RoundRobinThreshold:    16,
		MinPostedBounceBuffers: 2,
		MaxPostedBounceBuffers: 4,
		CQReadCount:            8,
		MRKeyBits:              2,
		MaxSendRequests:        8,
		MaxRecvRequests:        8,
	}
}

// gdrCfg is testCfg with the GPU-direct latch pinned SUPPORTED, so a
// receive communicator built against it gets a flush scratch buffer and
// IFlush can exercise the non-zero-length RDMA-read path.
func gdrCfg() *rdma.Cfg {
	cfg := testCfg()
	cfg.SupportGDR = true
	return cfg
}

// handshake drives Connect/Accept to completion, alternating polls since
// each side's progress depends on bytes the other side has posted.
func handshake(t *testing.T, sendHandle, recvHandle *rdma.EndpointHandle, lc *rdma.ListenComm, peer *rdma.Handle) (*rdma.SendComm, *rdma.RecvComm, *rdma.EndpointHandle) {
	t.Helper()
	var sc *rdma.SendComm
	var rc *rdma.RecvComm
	var newHandle *rdma.EndpointHandle

	for i := 0; i < 1000 && (sc == nil || rc == nil); i++ {
		if sc == nil {
			var err error
			sc, err = rdma.Connect(sendHandle, peer)
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
		}
		if rc == nil {
			var err error
			rc, newHandle, err = rdma.Accept(recvHandle, lc)
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
		}
	}
	if sc == nil || rc == nil {
		t.Fatalf("handshake did not converge: sc=%v rc=%v", sc, rc)
	}
	return sc, rc, newHandle
}

func waitDone(t *testing.T, ep *rdma.Endpoint, req *rdma.Request) (uint64, error) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		done, size, err := rdma.Test(ep, req)
		if done {
			return size, err
		}
	}
	t.Fatalf("request did not complete")
	return 0, nil
}

func newConnectedPair(t *testing.T) (*rdma.SendComm, *rdma.RecvComm, *rdma.EndpointHandle, *rdma.EndpointHandle) {
	t.Helper()
	return newConnectedPairWithCfg(t, testCfg())
}

func newConnectedPairWithCfg(t *testing.T, cfg *rdma.Cfg) (*rdma.SendComm, *rdma.RecvComm, *rdma.EndpointHandle, *rdma.EndpointHandle) {
	t.Helper()
	sc, rc, sendHandle, recvHandle, _, _ := newConnectedPairWithRails(t, cfg)
	return sc, rc, sendHandle, recvHandle
}

// newConnectedPairWithRails is newConnectedPairWithCfg plus the two
// underlying fake rails, for tests that need to inject a completion-queue
// error directly rather than drive one through the protocol.
func newConnectedPairWithRails(t *testing.T, cfg *rdma.Cfg) (*rdma.SendComm, *rdma.RecvComm, *rdma.EndpointHandle, *rdma.EndpointHandle, *rdmatest.Rail, *rdmatest.Rail) {
	t.Helper()
	net := rdmatest.NewNetwork()
	railA := net.NewRail(0)
	railB := net.NewRail(0)

	devA, err := rdma.NewDevice([]rdma.Rail{railA}, cfg)
	if err != nil {
		t.Fatalf("NewDevice a: %v", err)
	}
	devB, err := rdma.NewDevice([]rdma.Rail{railB}, cfg)
	if err != nil {
		t.Fatalf("NewDevice b: %v", err)
	}

	handleA, err := devA.Acquire("sender")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	handleB, err := devB.Acquire("receiver")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	lc, peer, err := rdma.Listen(handleB)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	sc, rc, rcHandle := handshake(t, handleA, handleB, lc, peer)
	return sc, rc, handleA, rcHandle, railA, railB
}

func TestEagerSendRecvRoundTrip(t *testing.T) {
	sc, rc, sendHandle, recvHandle := newConnectedPair(t)

	msg := []byte("hello")
	sendMem, err := sendHandle.Endpoint().Rails()[0].RegisterMemory(msg)
	if err != nil {
		t.Fatalf("RegisterMemory send: %v", err)
	}

	sreq, err := sc.ISend(msg, sendMem)
	if err != nil || sreq == nil {
		t.Fatalf("ISend: req=%v err=%v", sreq, err)
	}

	recvBuf := make([]byte, len(msg))
	recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
	if err != nil {
		t.Fatalf("RegisterMemory recv: %v", err)
	}
	rreq, err := rc.IRecv(recvBuf, recvMem)
	if err != nil {
		t.Fatalf("IRecv: %v", err)
	}
	if rreq == nil {
		// Raced the sender's arrival; retry once more now that Progress
		// inside ISend/IRecv has drained the completion queues.
		rreq, err = rc.IRecv(recvBuf, recvMem)
		if err != nil || rreq == nil {
			t.Fatalf("IRecv retry: req=%v err=%v", rreq, err)
		}
	}

	if _, err := waitDone(t, sendHandle.Endpoint(), sreq); err != nil {
		t.Fatalf("send did not complete: %v", err)
	}
	size, err := waitDone(t, recvHandle.Endpoint(), rreq)
	if err != nil {
		t.Fatalf("recv did not complete: %v", err)
	}
	if size != uint64(len(msg)) {
		t.Fatalf("recv size = %d, want %d", size, len(msg))
	}
	if string(recvBuf) != string(msg) {
		t.Fatalf("recv buffer = %q, want %q", recvBuf, msg)
	}
}

func TestRendezvousSendRecvRoundTrip(t *testing.T) {
	sc, rc, sendHandle, recvHandle := newConnectedPair(t)

	msg := make([]byte, 64)
	for i := range msg {
		msg[i] = byte(i)
	}
	sendMem, err := sendHandle.Endpoint().Rails()[0].RegisterMemory(msg)
	if err != nil {
		t.Fatalf("RegisterMemory send: %v", err)
	}
	recvBuf := make([]byte, len(msg))
	recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
	if err != nil {
		t.Fatalf("RegisterMemory recv: %v", err)
	}

	// Post the receive first so its CTRL is in flight before the sender
	// ever calls ISend, matching the "have_ctrl" rendezvous path.
	rreq, err := rc.IRecv(recvBuf, recvMem)
	if err != nil {
		t.Fatalf("IRecv: %v", err)
	}
	if rreq == nil {
		t.Fatalf("IRecv returned nil request unexpectedly")
	}

	var sreq *rdma.Request
	for i := 0; i < 1000 && sreq == nil; i++ {
		sreq, err = sc.ISend(msg, sendMem)
		if err != nil {
			t.Fatalf("ISend: %v", err)
		}
	}
	if sreq == nil {
		t.Fatalf("ISend never observed the arrived CTRL")
	}

	if _, err := waitDone(t, sendHandle.Endpoint(), sreq); err != nil {
		t.Fatalf("send did not complete: %v", err)
	}
	size, err := waitDone(t, recvHandle.Endpoint(), rreq)
	if err != nil {
		t.Fatalf("recv did not complete: %v", err)
	}
	if size != uint64(len(msg)) {
		t.Fatalf("recv size = %d, want %d", size, len(msg))
	}
	if string(recvBuf) != string(msg) {
		t.Fatalf("recv buffer mismatch")
	}
}

func TestFlushZeroLengthCompletesImmediately(t *testing.T) {
	_, rc, _, _ := newConnectedPair(t)

	req, err := rc.IFlush(0, 0, 0, 0)
	if err != nil {
		t.Fatalf("IFlush: %v", err)
	}
	if !req.IsDone() {
		t.Fatalf("expected zero-length flush to complete without posting")
	}
}

// TestFlushWithGDRSupportReadsRemoteBuffer confirms that once the device's
// GPU-direct latch has pinned SUPPORTED, an accepted receive communicator
// gets a flush scratch buffer and a non-zero-length IFlush actually posts
// and completes an RDMA read, rather than only exercising the zero-length
// no-op branch.
func TestFlushWithGDRSupportReadsRemoteBuffer(t *testing.T) {
	_, rc, sendHandle, recvHandle := newConnectedPairWithCfg(t, gdrCfg())

	remote := []byte("flush me")
	remoteMem, err := sendHandle.Endpoint().Rails()[0].RegisterMemory(remote)
	if err != nil {
		t.Fatalf("RegisterMemory remote: %v", err)
	}

	senderName, err := sendHandle.Endpoint().Rails()[0].LocalName()
	if err != nil {
		t.Fatalf("LocalName: %v", err)
	}
	senderAddr, err := recvHandle.Endpoint().Rails()[0].InsertAddress(senderName)
	if err != nil {
		t.Fatalf("InsertAddress: %v", err)
	}

	remoteAddr := uint64(uintptr(unsafe.Pointer(&remote[0])))
	req, err := rc.IFlush(senderAddr, remoteMem.Key(), remoteAddr, uint64(len(remote)))
	if err != nil {
		t.Fatalf("IFlush: %v", err)
	}
	if _, err := waitDone(t, recvHandle.Endpoint(), req); err != nil {
		t.Fatalf("flush did not complete: %v", err)
	}
}

// TestInflightCapReleasesAfterCompletion drives more sequential messages
// through one communicator pair than testCfg's MaxSendRequests/
// MaxRecvRequests, which would permanently trip checkInflight if numInflight
// were never decremented on completion. Closing both communicators at the
// end additionally proves numInflight settled back to zero, since Close
// itself refuses to run with anything still outstanding.
func TestInflightCapReleasesAfterCompletion(t *testing.T) {
	sc, rc, sendHandle, recvHandle := newConnectedPair(t)

	const rounds = 20 // testCfg caps MaxSendRequests/MaxRecvRequests at 8
	for i := 0; i < rounds; i++ {
		msg := []byte(fmt.Sprintf("m%02d", i))
		sendMem, err := sendHandle.Endpoint().Rails()[0].RegisterMemory(msg)
		if err != nil {
			t.Fatalf("round %d: RegisterMemory send: %v", i, err)
		}
		sreq, err := sc.ISend(msg, sendMem)
		if err != nil || sreq == nil {
			t.Fatalf("round %d: ISend: req=%v err=%v", i, sreq, err)
		}

		recvBuf := make([]byte, len(msg))
		recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
		if err != nil {
			t.Fatalf("round %d: RegisterMemory recv: %v", i, err)
		}
		rreq, err := rc.IRecv(recvBuf, recvMem)
		if err != nil {
			t.Fatalf("round %d: IRecv: %v", i, err)
		}
		if rreq == nil {
			rreq, err = rc.IRecv(recvBuf, recvMem)
			if err != nil || rreq == nil {
				t.Fatalf("round %d: IRecv retry: req=%v err=%v", i, rreq, err)
			}
		}

		if _, err := waitDone(t, sendHandle.Endpoint(), sreq); err != nil {
			t.Fatalf("round %d: send did not complete: %v", i, err)
		}
		if _, err := waitDone(t, recvHandle.Endpoint(), rreq); err != nil {
			t.Fatalf("round %d: recv did not complete: %v", i, err)
		}
	}

	if err := sc.Close(sendHandle); err != nil {
		t.Fatalf("Close send communicator: %v", err)
	}
	if err := rc.Close(recvHandle); err != nil {
		t.Fatalf("Close receive communicator: %v", err)
	}
}

// TestSendMessageBufferSlotFreesAfterWraparound drives one more eager round
// trip than rdma.MessageBufferSize through one communicator pair, forcing a
// later sequence number to reuse the send-side message-buffer slot an
// earlier one occupied. Before sc.msgBuf.Complete was wired into a SEND
// request's terminal transition, that slot stayed INPROGRESS forever and
// the wrapped-around ISend would spin on "insert raced" instead of ever
// being admitted.
func TestSendMessageBufferSlotFreesAfterWraparound(t *testing.T) {
	sc, rc, sendHandle, recvHandle := newConnectedPair(t)

	const rounds = rdma.MessageBufferSize + 1
	for i := 0; i < rounds; i++ {
		msg := []byte{byte(i)}
		sendMem, err := sendHandle.Endpoint().Rails()[0].RegisterMemory(msg)
		if err != nil {
			t.Fatalf("round %d: RegisterMemory send: %v", i, err)
		}

		var sreq *rdma.Request
		for j := 0; j < 1000 && sreq == nil; j++ {
			sreq, err = sc.ISend(msg, sendMem)
			if err != nil {
				t.Fatalf("round %d: ISend: %v", i, err)
			}
		}
		if sreq == nil {
			t.Fatalf("round %d: ISend never got past the message-buffer slot", i)
		}

		recvBuf := make([]byte, len(msg))
		recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
		if err != nil {
			t.Fatalf("round %d: RegisterMemory recv: %v", i, err)
		}
		rreq, err := rc.IRecv(recvBuf, recvMem)
		if err != nil {
			t.Fatalf("round %d: IRecv: %v", i, err)
		}
		if rreq == nil {
			rreq, err = rc.IRecv(recvBuf, recvMem)
			if err != nil || rreq == nil {
				t.Fatalf("round %d: IRecv retry: req=%v err=%v", i, rreq, err)
			}
		}

		if _, err := waitDone(t, sendHandle.Endpoint(), sreq); err != nil {
			t.Fatalf("round %d: send did not complete: %v", i, err)
		}
		if _, err := waitDone(t, recvHandle.Endpoint(), rreq); err != nil {
			t.Fatalf("round %d: recv did not complete: %v", i, err)
		}
	}
}

// TestRemoteWriteErrorFailsPendingReceive drives a real rendezvous transfer
// far enough to capture the immediate data a genuine remote-write
// completion would carry, then substitutes a completion-queue error with
// that same data for the write that would otherwise have completed it.
// Without resolving a CompRemoteWrite error by its immediate data, this
// error has no tag to match against and the pending receive would hang
// forever instead of surfacing the failure.
func TestRemoteWriteErrorFailsPendingReceive(t *testing.T) {
	sc, rc, sendHandle, recvHandle, _, railB := newConnectedPairWithRails(t, testCfg())

	msg := make([]byte, 64) // exceeds testCfg's RoundRobinThreshold of 16
	for i := range msg {
		msg[i] = byte(i)
	}
	sendMem, err := sendHandle.Endpoint().Rails()[0].RegisterMemory(msg)
	if err != nil {
		t.Fatalf("RegisterMemory send: %v", err)
	}
	recvBuf := make([]byte, len(msg))
	recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
	if err != nil {
		t.Fatalf("RegisterMemory recv: %v", err)
	}

	rreq, err := rc.IRecv(recvBuf, recvMem)
	if err != nil {
		t.Fatalf("IRecv: %v", err)
	}
	if rreq == nil {
		t.Fatalf("IRecv returned nil request unexpectedly")
	}
	// Drain and process the SEND_CTRL completion now, while it is the only
	// thing on railB's queue, so the only completion left to intercept below
	// is the remote write itself.
	if err := recvHandle.Endpoint().Progress(); err != nil {
		t.Fatalf("Progress after IRecv: %v", err)
	}

	var sreq *rdma.Request
	for i := 0; i < 1000 && sreq == nil; i++ {
		sreq, err = sc.ISend(msg, sendMem)
		if err != nil {
			t.Fatalf("ISend: %v", err)
		}
	}
	if sreq == nil {
		t.Fatalf("ISend never observed the arrived CTRL")
	}

	// The real write already landed successfully on railB. Pull its
	// completion back off before Progress ever sees it and replay the same
	// immediate data as a completion-queue error instead, simulating a
	// fabric-reported failure for what would otherwise have been the
	// completing write.
	comps, err := railB.PollCompletions(1)
	if err != nil {
		t.Fatalf("PollCompletions: %v", err)
	}
	if len(comps) != 1 || !comps[0].Flags.Has(rdma.CompRemoteWrite) {
		t.Fatalf("expected one buffered remote-write completion, got %+v", comps)
	}
	railB.InjectError(0, rdma.CompRemoteWrite, comps[0].Data, errors.New("simulated remote write failure"))

	if _, err := waitDone(t, sendHandle.Endpoint(), sreq); err != nil {
		t.Fatalf("send did not complete: %v", err)
	}
	_, err = waitDone(t, recvHandle.Endpoint(), rreq)
	if err == nil {
		t.Fatalf("expected recv to fail after remote-write error, got nil error")
	}

	if err := rc.Close(recvHandle); err != nil {
		t.Fatalf("Close receive communicator after failed recv: %v", err)
	}
}
