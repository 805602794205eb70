package container

import "sync"

// Pool is a typed free list that provisions new elements lazily via New and
// optionally bulk-prepares them (e.g. memory registration) via Prepare
// before they are handed out for the first time. It mirrors the "register
// once, reuse many times" shape the bounce-buffer and control-message slot
// pools need, generalized from fi.MRPool's channel-backed design to
// arbitrary pooled objects.
type Pool[T any] struct {
	mu      sync.Mutex
	free    []T
	New     func() (T, error)
	Prepare func(batch []T) error

	prepared bool
}

// NewPool constructs a Pool that lazily provisions elements with newFn.
func NewPool[T any](newFn func() (T, error)) *Pool[T] {
	return &Pool[T]{New: newFn}
}

// Warm provisions count elements up front via New, runs Prepare on the
// batch once, and seeds the free list with the result. Calling Warm more
// than once only prepares the first batch; later calls just top up the
// free list with freshly-constructed, unprepared elements via New.
func (p *Pool[T]) Warm(count int) error {
	if p == nil || count <= 0 {
		return nil
	}
	batch := make([]T, 0, count)
	for i := 0; i < count; i++ {
		v, err := p.New()
		if err != nil {
			return err
		}
		batch = append(batch, v)
	}
	p.mu.Lock()
	if !p.prepared && p.Prepare != nil {
		if err := p.Prepare(batch); err != nil {
			p.mu.Unlock()
			return err
		}
		p.prepared = true
	}
	p.free = append(p.free, batch...)
	p.mu.Unlock()
	return nil
}

// Get returns a pooled element, provisioning a new one via New if the free
// list is empty.
func (p *Pool[T]) Get() (T, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()
	return p.New()
}

// Put returns an element to the free list for reuse.
func (p *Pool[T]) Put(v T) {
	p.mu.Lock()
	p.free = append(p.free, v)
	p.mu.Unlock()
}

// Len reports the number of elements currently sitting idle in the pool.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
