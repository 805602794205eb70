//go:build integration && cgo

package integration

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/netfabric/ofi-rdma/fi"
	"github.com/netfabric/ofi-rdma/rdma"
	"github.com/netfabric/ofi-rdma/rdma/rdmaconfig"
)

// TestRdmaEndToEnd drives the connection handshake plus an eager send/recv
// round trip, a rendezvous send/recv round trip, and a flush against real
// libfabric hardware, using two endpoints opened on the same domain. It
// skips rather than fails when no RDM-capable provider is available, the
// same accommodation the example-suite tests make for machines without
// libfabric hardware.
func TestRdmaEndToEnd(t *testing.T) {
	discovery, err := fi.DiscoverDescriptors()
	if err != nil {
		t.Skipf("discover descriptors: %v", err)
	}
	defer discovery.Close()

	var desc *fi.Descriptor
	for _, candidate := range discovery.Descriptors() {
		if candidate.Info().SupportsRDM() {
			d := candidate
			desc = &d
			break
		}
	}
	if desc == nil {
		t.Skip("no RDM-capable provider available")
	}
	if provider := os.Getenv("LIBFABRIC_INTEGRATION_PROVIDER"); provider != "" {
		if got := fi.FormatInfo(desc.Info()); got == "" {
			t.Skipf("could not confirm provider %q is in use", provider)
		}
	}

	fabric, err := desc.OpenFabric()
	if err != nil {
		t.Fatalf("open fabric: %v", err)
	}
	defer func() { _ = fabric.Close() }()

	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		t.Fatalf("open domain: %v", err)
	}
	defer func() { _ = domain.Close() }()

	av, err := domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap})
	if err != nil {
		t.Fatalf("open address vector: %v", err)
	}
	defer func() { _ = av.Close() }()

	senderRail, closeSender, err := openRail(desc, domain, av)
	if err != nil {
		t.Fatalf("open sender rail: %v", err)
	}
	defer closeSender()

	receiverRail, closeReceiver, err := openRail(desc, domain, av)
	if err != nil {
		t.Fatalf("open receiver rail: %v", err)
	}
	defer closeReceiver()

	cfg, err := rdmaconfig.Load(false)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	devCfg := rdma.ConfigFromLoaded(cfg)

	senderDev, err := rdma.NewDevice([]rdma.Rail{senderRail}, devCfg)
	if err != nil {
		t.Fatalf("new sender device: %v", err)
	}
	receiverDev, err := rdma.NewDevice([]rdma.Rail{receiverRail}, devCfg)
	if err != nil {
		t.Fatalf("new receiver device: %v", err)
	}

	senderHandle, err := senderDev.Acquire("sender")
	if err != nil {
		t.Fatalf("acquire sender endpoint: %v", err)
	}
	defer senderHandle.Release()

	receiverHandle, err := receiverDev.Acquire("receiver")
	if err != nil {
		t.Fatalf("acquire receiver endpoint: %v", err)
	}
	defer receiverHandle.Release()

	lc, peer, err := rdma.Listen(receiverHandle)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sc, rc, recvHandle, err := integrationHandshake(senderHandle, receiverHandle, lc, peer)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	defer recvHandle.Release()

	t.Run("eager", func(t *testing.T) {
		roundTrip(t, senderHandle, recvHandle, sc, rc, []byte("hello over rdma"))
	})

	t.Run("rendezvous", func(t *testing.T) {
		big := make([]byte, int(devCfg.RoundRobinThreshold)+4096)
		for i := range big {
			big[i] = byte(i)
		}
		roundTrip(t, senderHandle, recvHandle, sc, rc, big)
	})

	t.Run("flush", func(t *testing.T) {
		flushReq, err := rc.IFlush(0, 0, 0, 0)
		if err != nil {
			t.Fatalf("iflush: %v", err)
		}
		if _, err := waitRequest(recvHandle.Endpoint(), flushReq, 5*time.Second); err != nil {
			t.Fatalf("flush did not complete: %v", err)
		}
	})
}

func roundTrip(t *testing.T, senderHandle, recvHandle *rdma.EndpointHandle, sc *rdma.SendComm, rc *rdma.RecvComm, message []byte) {
	t.Helper()

	sendMem, err := senderHandle.Endpoint().Rails()[0].RegisterMemory(message)
	if err != nil {
		t.Fatalf("register send memory: %v", err)
	}

	var sreq *rdma.Request
	for sreq == nil {
		sreq, err = sc.ISend(message, sendMem)
		if err != nil {
			t.Fatalf("isend: %v", err)
		}
	}

	recvBuf := make([]byte, len(message))
	recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
	if err != nil {
		t.Fatalf("register recv memory: %v", err)
	}

	var rreq *rdma.Request
	for rreq == nil {
		rreq, err = rc.IRecv(recvBuf, recvMem)
		if err != nil {
			t.Fatalf("irecv: %v", err)
		}
	}

	if _, err := waitRequest(senderHandle.Endpoint(), sreq, 5*time.Second); err != nil {
		t.Fatalf("send did not complete: %v", err)
	}
	size, err := waitRequest(recvHandle.Endpoint(), rreq, 5*time.Second)
	if err != nil {
		t.Fatalf("recv did not complete: %v", err)
	}
	if int(size) != len(message) {
		t.Fatalf("round trip size mismatch: got %d want %d", size, len(message))
	}
	for i, b := range recvBuf[:size] {
		if b != message[i] {
			t.Fatalf("round trip payload mismatch at byte %d: got %#x want %#x", i, b, message[i])
		}
	}
}

func openRail(desc *fi.Descriptor, domain *fi.Domain, av *fi.AddressVector) (rdma.Rail, func(), error) {
	cq, err := domain.OpenCompletionQueue(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open completion queue: %w", err)
	}
	ep, err := desc.OpenEndpoint(domain)
	if err != nil {
		_ = cq.Close()
		return nil, nil, fmt.Errorf("open endpoint: %w", err)
	}
	if err := ep.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		_ = ep.Close()
		_ = cq.Close()
		return nil, nil, fmt.Errorf("bind completion queue: %w", err)
	}
	if err := ep.BindAddressVector(av, 0); err != nil {
		_ = ep.Close()
		_ = cq.Close()
		return nil, nil, fmt.Errorf("bind address vector: %w", err)
	}
	if err := ep.Enable(); err != nil {
		_ = ep.Close()
		_ = cq.Close()
		return nil, nil, fmt.Errorf("enable endpoint: %w", err)
	}
	rail := rdma.NewOFIRail(ep, cq, av, domain)
	closeFn := func() {
		_ = ep.Close()
		_ = cq.Close()
	}
	return rail, closeFn, nil
}

// integrationHandshake alternates Connect/Accept polls until both sides have
// converged, matching the non-blocking stage-machine contract both
// functions document.
func integrationHandshake(senderHandle, receiverHandle *rdma.EndpointHandle, lc *rdma.ListenComm, peer *rdma.Handle) (*rdma.SendComm, *rdma.RecvComm, *rdma.EndpointHandle, error) {
	deadline := time.Now().Add(10 * time.Second)
	var sc *rdma.SendComm
	var rc *rdma.RecvComm
	var recvHandle *rdma.EndpointHandle

	for (sc == nil || rc == nil) && time.Now().Before(deadline) {
		if sc == nil {
			var err error
			sc, err = rdma.Connect(senderHandle, peer)
			if err != nil {
				return nil, nil, nil, err
			}
		}
		if rc == nil {
			var err error
			rc, recvHandle, err = rdma.Accept(receiverHandle, lc)
			if err != nil {
				return nil, nil, nil, err
			}
		}
	}
	if sc == nil || rc == nil {
		return nil, nil, nil, fmt.Errorf("handshake timed out")
	}
	return sc, rc, recvHandle, nil
}

func waitRequest(ep *rdma.Endpoint, req *rdma.Request, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		done, size, err := rdma.Test(ep, req)
		if done {
			return size, err
		}
	}
	return 0, fmt.Errorf("timed out waiting for request completion")
}
