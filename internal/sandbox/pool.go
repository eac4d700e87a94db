package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neverinfamous/postgresql-mcp/internal/bindings"
)

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Max       int `json:"max"`
}

// Pool manages a bounded set of sandboxes of one isolation mode. Acquire
// fails fast when the pool is at capacity rather than queueing, so
// callers get an immediate backpressure signal. Every sandbox is in
// exactly one of three states: available, in use, or disposed; available
// plus in-use never exceeds MaxInstances.
type Pool struct {
	opts       PoolOptions
	newSandbox func() Sandbox
	logger     zerolog.Logger

	mu        sync.Mutex
	available []Sandbox
	inUse     map[string]Sandbox
	disposed  bool

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// NewPool creates a pool that builds sandboxes with the given
// constructor. Call Initialize before first use.
func NewPool(opts PoolOptions, newSandbox func() Sandbox, logger zerolog.Logger) *Pool {
	if opts.MinInstances < 0 {
		opts.MinInstances = 0
	}
	if opts.MaxInstances < opts.MinInstances {
		opts.MaxInstances = opts.MinInstances
	}
	if opts.MaxInstances == 0 {
		opts.MaxInstances = DefaultPoolOptions().MaxInstances
	}
	return &Pool{
		opts:       opts,
		newSandbox: newSandbox,
		logger:     logger.With().Str("component", "sandbox_pool").Logger(),
		inUse:      make(map[string]Sandbox),
	}
}

// Initialize pre-creates MinInstances sandboxes and starts the periodic
// cleanup loop. Calling it on a disposed pool returns ErrPoolDisposed.
func (p *Pool) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrPoolDisposed
	}
	for len(p.available) < p.opts.MinInstances {
		p.available = append(p.available, p.newSandbox())
	}

	if p.cleanupStop == nil && p.opts.IdleTimeout > 0 {
		p.cleanupStop = make(chan struct{})
		p.cleanupDone = make(chan struct{})
		go p.cleanupLoop(p.cleanupStop, p.cleanupDone)
	}

	p.logger.Debug().
		Int("min", p.opts.MinInstances).
		Int("max", p.opts.MaxInstances).
		Msg("sandbox pool initialized")
	return nil
}

func (p *Pool) cleanupLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-stop:
			return
		}
	}
}

// cleanup disposes unhealthy available sandboxes and trims the available
// set back down to MinInstances.
func (p *Pool) cleanup() {
	p.mu.Lock()
	var discard []Sandbox

	healthy := p.available[:0]
	for _, s := range p.available {
		if s.Healthy() {
			healthy = append(healthy, s)
		} else {
			discard = append(discard, s)
		}
	}
	p.available = healthy

	for len(p.available) > p.opts.MinInstances {
		last := len(p.available) - 1
		discard = append(discard, p.available[last])
		p.available = p.available[:last]
	}
	p.mu.Unlock()

	for _, s := range discard {
		s.Dispose()
	}
	if len(discard) > 0 {
		p.logger.Debug().Int("disposed", len(discard)).Msg("pool cleanup pass")
	}
}

// Acquire returns an exclusive sandbox, creating one lazily if the pool
// is below capacity. It never blocks: when every slot is in use it
// returns ErrPoolExhausted.
func (p *Pool) Acquire() (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil, ErrPoolDisposed
	}

	// Reuse a healthy available sandbox, disposing any stale ones found
	// on the way.
	for len(p.available) > 0 {
		last := len(p.available) - 1
		s := p.available[last]
		p.available = p.available[:last]
		if s.Healthy() {
			p.inUse[s.ID()] = s
			return s, nil
		}
		s.Dispose()
	}

	// Lazy growth: newly created sandboxes count against the cap before
	// entering the in-use set.
	if len(p.inUse) < p.opts.MaxInstances {
		s := p.newSandbox()
		p.inUse[s.ID()] = s
		return s, nil
	}

	return nil, ErrPoolExhausted
}

// Release returns a sandbox to the pool. Releasing a sandbox the pool
// does not track is a no-op, so double release is harmless. Unhealthy
// sandboxes and releases into a disposed pool are disposed instead of
// recycled.
func (p *Pool) Release(s Sandbox) {
	if s == nil {
		return
	}

	p.mu.Lock()
	if _, tracked := p.inUse[s.ID()]; !tracked {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, s.ID())

	if p.disposed || !s.Healthy() || len(p.available)+len(p.inUse) >= p.opts.MaxInstances {
		p.mu.Unlock()
		s.Dispose()
		return
	}

	s.ClearOutput()
	p.available = append(p.available, s)
	p.mu.Unlock()
}

// Execute acquires a sandbox, runs the code, and always releases the
// sandbox back, success or failure.
func (p *Pool) Execute(ctx context.Context, code string, b bindings.Registry) (Result, error) {
	s, err := p.Acquire()
	if err != nil {
		return Result{}, err
	}
	defer p.Release(s)
	return s.Execute(ctx, code, b), nil
}

// Stats reports current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Available: len(p.available),
		InUse:     len(p.inUse),
		Max:       p.opts.MaxInstances,
	}
}

// Dispose tears the pool down: the cleanup loop stops, every tracked
// sandbox is disposed, and subsequent Acquire calls fail. Idempotent.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true

	stop, done := p.cleanupStop, p.cleanupDone
	p.cleanupStop, p.cleanupDone = nil, nil

	victims := make([]Sandbox, 0, len(p.available)+len(p.inUse))
	victims = append(victims, p.available...)
	for _, s := range p.inUse {
		victims = append(victims, s)
	}
	p.available = nil
	p.inUse = make(map[string]Sandbox)
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, s := range victims {
		s.Dispose()
	}
	p.logger.Debug().Int("disposed", len(victims)).Msg("sandbox pool disposed")
}
