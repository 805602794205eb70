package rdma

import (
	"fmt"
	"sync"

	"github.com/netfabric/ofi-rdma/internal/container"
)

// bouncePayloadSize is large enough to hold the biggest control message
// this transport exchanges: a CONN/CONN_RESP carrying MaxRails endpoint
// names, which is larger than a CtrlMsg and shares the same pool.
const bouncePayloadSize = connMsgHeaderLen + MaxRails*endpointNameLen

// bouncePayload is one pre-registered receive slot. Each payload is
// registered on its own, on the rail it is first posted to, the first time
// it is posted, and keeps that registration while it cycles through the
// freelist; payloads are not carved out of one bulk registration per rail.
type bouncePayload struct {
	buf  []byte
	mem  MemoryHandle
	rail int
}

// BouncePool is the per-endpoint, per-rail-aware pool of pre-registered
// receive buffers used for unsolicited CONN/CONN_RESP/CTRL arrivals. It is
// shared across an endpoint's rails but tracks each rail's posted count
// independently, since replenishment is a per-rail fabric operation.
type BouncePool struct {
	mu       sync.Mutex
	rails    []Rail
	min, max []int // per rail, after dividing the configured global bounds
	posted   []int
	freelist *container.Pool[*bouncePayload]

	// postedReqs lets the progress engine find the Request a bounce
	// completion belongs to, keyed by the tag assigned at post time.
	postedReqs map[uint64]*Request
	nextTag    uint64
}

// NewBouncePool constructs a pool across the given rails, dividing the
// configured global [min,max] posted-count bounds across rail count N as
// ceil(bound/N).
func NewBouncePool(rails []Rail, globalMin, globalMax int) (*BouncePool, error) {
	if len(rails) == 0 {
		return nil, fmt.Errorf("rdma: bounce pool needs at least one rail")
	}
	n := len(rails)
	p := &BouncePool{
		rails:      rails,
		min:        make([]int, n),
		max:        make([]int, n),
		posted:     make([]int, n),
		postedReqs: make(map[uint64]*Request),
	}
	perMin := ceilDiv(globalMin, n)
	perMax := ceilDiv(globalMax, n)
	if perMin > perMax {
		return nil, fmt.Errorf("rdma: per-rail min bounce count (%d) exceeds per-rail max (%d)", perMin, perMax)
	}
	for i := range rails {
		p.min[i] = perMin
		p.max[i] = perMax
	}
	p.freelist = container.NewPool(func() (*bouncePayload, error) {
		return &bouncePayload{buf: make([]byte, bouncePayloadSize)}, nil
	})
	return p, nil
}

func ceilDiv(a, n int) int {
	if n <= 0 {
		return a
	}
	return (a + n - 1) / n
}

// Refill tops up every rail below its min bound up to max: whenever a
// rail's posted count drops below its minimum, eagerly repost until it
// reaches the maximum. It is called after pool construction and after
// every consumption that decrements a rail's posted count.
func (p *BouncePool) Refill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for rail := range p.rails {
		if p.posted[rail] >= p.min[rail] {
			continue
		}
		for p.posted[rail] < p.max[rail] {
			if err := p.postOneLocked(rail); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *BouncePool) postOneLocked(rail int) error {
	if p.posted[rail] >= p.max[rail] {
		return nil
	}
	payload, err := p.freelist.Get()
	if err != nil {
		return fmt.Errorf("rdma: bounce payload allocation: %w", err)
	}
	payload.rail = rail
	if payload.mem == nil {
		mem, err := p.rails[rail].RegisterMemory(payload.buf)
		if err != nil {
			p.freelist.Put(payload)
			return fmt.Errorf("rdma: bounce payload registration: %w", err)
		}
		payload.mem = mem
	}

	p.nextTag++
	tag := p.nextTag
	req := &Request{Kind: RequestBounce, bouncePayload: payload, Tag: tag}
	p.postedReqs[tag] = req

	var op RecvOp
	op.Buffer = payload.buf
	op.Tag = tag
	op.AnySrc = true
	if err := p.rails[rail].PostRecv(op); err != nil {
		delete(p.postedReqs, tag)
		p.freelist.Put(payload)
		return fmt.Errorf("rdma: bounce post: %w", err)
	}
	p.posted[rail]++
	return nil
}

// Consume looks up the pending bounce request a completion's tag refers
// to, without removing it from bookkeeping (the caller decides repost vs
// release next).
func (p *BouncePool) Consume(tag uint64) (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.postedReqs[tag]
	return req, ok
}

// Repost returns req's payload to the freelist and refills every rail below
// its minimum up to its maximum, so the payload Refill hands back out is the same buffer just
// drained rather than a fresh allocation and registration.
func (p *BouncePool) Repost(req *Request) error {
	if req == nil || req.bouncePayload == nil {
		return fmt.Errorf("rdma: repost called on a non-bounce request")
	}
	p.mu.Lock()
	rail := req.bouncePayload.rail
	p.posted[rail]--
	delete(p.postedReqs, req.Tag)
	payload := req.bouncePayload
	req.bouncePayload = nil
	p.mu.Unlock()

	p.freelist.Put(payload)
	return p.Refill()
}

// Release hands the payload's content off elsewhere (e.g. an eager copy)
// and frees the slot back to the pool, letting the pool refill another in
// its place.
func (p *BouncePool) Release(req *Request) error {
	if req == nil || req.bouncePayload == nil {
		return fmt.Errorf("rdma: release called on a non-bounce request")
	}
	p.mu.Lock()
	rail := req.bouncePayload.rail
	p.posted[rail]--
	delete(p.postedReqs, req.Tag)
	payload := req.bouncePayload
	req.bouncePayload = nil
	p.mu.Unlock()

	p.freelist.Put(payload)
	return p.Refill()
}

// Posted reports the current posted count on a rail, for tests and
// invariant checks.
func (p *BouncePool) Posted(rail int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posted[rail]
}

// Bounds reports the effective per-rail [min,max] bounds for tests.
func (p *BouncePool) Bounds(rail int) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min[rail], p.max[rail]
}
