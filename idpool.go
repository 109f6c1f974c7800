package haystackz

import (
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces opaque identifiers for traces and spans.
// Implementations must be safe for concurrent use.
type IDGenerator interface {
	Generate() string
}

// IDGeneratorFunc adapts a plain function to IDGenerator.
type IDGeneratorFunc func() string

// Generate calls f.
func (f IDGeneratorFunc) Generate() string {
	return f()
}

// IDPool manages a pool of pre-generated IDs to amortize generation cost.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool(capacity int, factory func() string) *IDPool {
	if capacity < 1 {
		capacity = 1
	}
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// NewUUIDGenerator returns a pool of random v4 UUIDs sized for the host.
// The caller owns the pool and must Close it.
func NewUUIDGenerator() *IDPool {
	return NewIDPool(runtime.NumCPU()*100, uuid.NewString)
}

// Get retrieves an ID from the pool or generates one if pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		// Burst load: generate directly.
		return p.factory()
	}
}

// Generate implements IDGenerator.
func (p *IDPool) Generate() string {
	return p.Get()
}

// refill maintains the pool by generating IDs in background.
func (p *IDPool) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		case p.ids <- p.factory():
		}
	}
}

// Close stops the refill goroutine. Get keeps working afterwards.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}
