// Command rdma-echo exercises the rdma package's full operation set end to
// end against real libfabric hardware: connection handshake, an eager
// send/recv round trip, and a zero-length flush, all within one process
// using two endpoints opened on the same domain.
//
//go:build cgo

package main

import (
	"fmt"
	"log"
	"time"

	"github.com/netfabric/ofi-rdma/fi"
	"github.com/netfabric/ofi-rdma/rdma"
	"github.com/netfabric/ofi-rdma/rdma/rdmaconfig"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("rdma-echo: %v", err)
	}
}

func run() error {
	discovery, err := fi.DiscoverDescriptors()
	if err != nil {
		return fmt.Errorf("discover descriptors: %w", err)
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
		return fmt.Errorf("no RDM-capable provider available")
	}
	fmt.Printf("using provider: %s\n", fi.FormatInfo(desc.Info()))

	fabric, err := desc.OpenFabric()
	if err != nil {
		return fmt.Errorf("open fabric: %w", err)
	}
	defer func() { _ = fabric.Close() }()

	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		return fmt.Errorf("open domain: %w", err)
	}
	defer func() { _ = domain.Close() }()

	av, err := domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap})
	if err != nil {
		return fmt.Errorf("open address vector: %w", err)
	}
	defer func() { _ = av.Close() }()

	senderRail, closeSender, err := openRail(desc, domain, av)
	if err != nil {
		return fmt.Errorf("open sender rail: %w", err)
	}
	defer closeSender()

	receiverRail, closeReceiver, err := openRail(desc, domain, av)
	if err != nil {
		return fmt.Errorf("open receiver rail: %w", err)
	}
	defer closeReceiver()

	cfg, err := rdmaconfig.Load(false)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	devCfg := rdma.ConfigFromLoaded(cfg)

	senderDev, err := rdma.NewDevice([]rdma.Rail{senderRail}, devCfg)
	if err != nil {
		return fmt.Errorf("new sender device: %w", err)
	}
	receiverDev, err := rdma.NewDevice([]rdma.Rail{receiverRail}, devCfg)
	if err != nil {
		return fmt.Errorf("new receiver device: %w", err)
	}

	senderHandle, err := senderDev.Acquire("sender")
	if err != nil {
		return fmt.Errorf("acquire sender endpoint: %w", err)
	}
	defer senderHandle.Release()

	receiverHandle, err := receiverDev.Acquire("receiver")
	if err != nil {
		return fmt.Errorf("acquire receiver endpoint: %w", err)
	}
	defer receiverHandle.Release()

	lc, peer, err := rdma.Listen(receiverHandle)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	sc, rc, recvHandle, err := handshake(senderHandle, receiverHandle, lc, peer)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer recvHandle.Release()

	message := []byte("hello over rdma-echo")
	sendMem, err := senderHandle.Endpoint().Rails()[0].RegisterMemory(message)
	if err != nil {
		return fmt.Errorf("register send memory: %w", err)
	}

	sreq, err := sc.ISend(message, sendMem)
	if err != nil {
		return fmt.Errorf("isend: %w", err)
	}

	recvBuf := make([]byte, len(message))
	recvMem, err := recvHandle.Endpoint().Rails()[0].RegisterMemory(recvBuf)
	if err != nil {
		return fmt.Errorf("register recv memory: %w", err)
	}

	var rreq *rdma.Request
	for rreq == nil {
		rreq, err = rc.IRecv(recvBuf, recvMem)
		if err != nil {
			return fmt.Errorf("irecv: %w", err)
		}
	}

	if _, err := waitRequest(senderHandle.Endpoint(), sreq, 5*time.Second); err != nil {
		return fmt.Errorf("send did not complete: %w", err)
	}
	size, err := waitRequest(recvHandle.Endpoint(), rreq, 5*time.Second)
	if err != nil {
		return fmt.Errorf("recv did not complete: %w", err)
	}
	fmt.Printf("round trip payload (%d bytes): %q\n", size, recvBuf[:size])

	flushReq, err := rc.IFlush(0, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("iflush: %w", err)
	}
	if _, err := waitRequest(recvHandle.Endpoint(), flushReq, 5*time.Second); err != nil {
		return fmt.Errorf("flush did not complete: %w", err)
	}
	fmt.Println("flush complete")
	return nil
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

// handshake alternates Connect/Accept polls until both sides have converged,
// matching the non-blocking stage-machine contract both functions document.
func handshake(senderHandle, receiverHandle *rdma.EndpointHandle, lc *rdma.ListenComm, peer *rdma.Handle) (*rdma.SendComm, *rdma.RecvComm, *rdma.EndpointHandle, error) {
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
