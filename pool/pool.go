// Package pool manages a bounded set of leased backend connections on
// top of a driver.Connector, queuing waiters in FIFO order when the
// pool is exhausted and replacing failed members in the background.
package pool

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/soldatov-s/empq/pool/driver"
)

// nowFunc returns the current time; it's overridden in tests.
var nowFunc = time.Now

const (
	defaultMaxSize        = 10
	defaultHealthInterval = 10 * time.Second
)

// Config represents pool configuration.
type Config struct {
	// MaxSize is the upper limit for open connections, leased and free
	// together. Default: 10.
	MaxSize int `envconfig:"optional"`
	// HealthInterval is how often free connections are probed for
	// liveness. Zero or negative disables the health loop.
	// Default: 10 seconds.
	HealthInterval time.Duration `envconfig:"optional"`
}

func (c *Config) SetDefault() *Config {
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = defaultHealthInterval
	}
	return c
}

// member wraps one backend connection plus its lease state. The inUse
// flag is guarded by the pool mutex.
type member struct {
	ci        io.Closer
	createdAt time.Time
	inUse     bool
}

// waiter is a suspended acquire request. Its channel is buffered so
// delivery under the pool mutex never blocks.
type waiter struct {
	ch chan waitResult
}

type waitResult struct {
	m   *member
	err error
}

// Pool is a handle representing a pool of backend connections. It is
// safe for concurrent use by multiple goroutines.
//
// Invariant: leased + free == open <= MaxSize, and a free member is
// handed to at most one acquirer, earliest waiter first.
type Pool struct {
	// Atomic access only. At top of struct to prevent mis-alignment
	// on 32-bit platforms. Of type time.Duration.
	waitDuration int64 // Total time waited for connections.

	connector driver.Connector

	mu            sync.Mutex // protects following fields
	free          []*member
	waiters       []*waiter // FIFO, earliest acquire first
	numOpen       int       // open and pending-open connections
	closed        bool
	waitCount     int64 // Total number of acquires that waited.
	badConnClosed int64 // Total members discarded as broken.

	maxOpen        int
	healthInterval time.Duration

	// opener goroutine reads openerCh and dials one replacement per
	// token. Tokens are sent with numOpen already incremented.
	openerCh chan struct{}
	stop     func() // stop cancels the opener and health loop.
}

var (
	ErrPoolClosed = errors.New("pool: closed")
	ErrLeaseDone  = errors.New("pool: lease already released")
)

// New opens the pool and verifies the backend is reachable by dialing
// the first member synchronously. A startup dial failure is returned to
// the caller; it is fatal to the server.
func New(ctx context.Context, connector driver.Connector, config *Config) (*Pool, error) {
	config.SetDefault()

	workerCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		connector:      connector,
		maxOpen:        config.MaxSize,
		healthInterval: config.HealthInterval,
		openerCh:       make(chan struct{}, config.MaxSize),
		stop:           cancel,
	}

	ci, err := connector.Connect(ctx)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "connect first member")
	}
	p.free = append(p.free, &member{ci: ci, createdAt: nowFunc()})
	p.numOpen = 1

	go p.opener(workerCtx)
	go p.healthLoop(workerCtx)

	return p, nil
}

// Acquire leases a connection. A free member is returned immediately;
// below capacity a new member is dialed; at capacity the caller is
// enqueued as a waiter and suspends until a release hands it a member
// or ctx is canceled. Waiters are served strictly FIFO.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	select {
	default:
	case <-ctx.Done():
		p.mu.Unlock()
		return nil, ctx.Err()
	}

	// Prefer a free member, if possible.
	if n := len(p.free); n > 0 {
		m := p.free[0]
		copy(p.free, p.free[1:])
		p.free = p.free[:n-1]
		m.inUse = true
		p.mu.Unlock()
		return &Lease{p: p, m: m}, nil
	}

	if p.numOpen < p.maxOpen {
		p.numOpen++ // optimistically
		p.mu.Unlock()
		ci, err := p.connector.Connect(ctx)
		if err != nil {
			p.mu.Lock()
			p.numOpen-- // correct for earlier optimism
			p.maybeOpenLocked()
			p.mu.Unlock()
			return nil, errors.Wrap(err, "connect")
		}
		return &Lease{p: p, m: &member{ci: ci, createdAt: nowFunc(), inUse: true}}, nil
	}

	// At capacity: enqueue and suspend.
	w := &waiter{ch: make(chan waitResult, 1)}
	p.waiters = append(p.waiters, w)
	p.waitCount++
	p.mu.Unlock()

	waitStart := nowFunc()

	select {
	case <-ctx.Done():
		// Remove the waiter and make sure nothing was delivered after
		// removal; a member already in flight goes back to the pool.
		p.mu.Lock()
		p.removeWaiterLocked(w)
		p.mu.Unlock()

		atomic.AddInt64(&p.waitDuration, int64(time.Since(waitStart)))

		select {
		default:
		case ret := <-w.ch:
			if ret.m != nil {
				p.put(ret.m, nil)
			}
		}
		return nil, ctx.Err()
	case ret := <-w.ch:
		atomic.AddInt64(&p.waitDuration, int64(time.Since(waitStart)))
		if ret.err != nil {
			return nil, ret.err
		}
		return &Lease{p: p, m: ret.m}, nil
	}
}

func (p *Pool) removeWaiterLocked(w *waiter) {
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// put returns a leased member. err is the last error observed on the
// connection, if any; a bad connection is discarded and replaced
// instead of rejoining the free list.
func (p *Pool) put(m *member, err error) {
	p.mu.Lock()
	if !m.inUse {
		p.mu.Unlock()
		panic("pool: connection returned that was never out")
	}
	m.inUse = false

	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		m.ci.Close()
		return
	}
	if err != nil && p.connector.IsErrBadConn(err) {
		p.discardLocked(m)
		p.mu.Unlock()
		m.ci.Close()
		return
	}
	p.handBackLocked(m)
	p.mu.Unlock()
}

// discardLocked drops a broken member from the accounting and asks the
// opener for a replacement if anyone is waiting.
func (p *Pool) discardLocked(m *member) {
	p.numOpen--
	p.badConnClosed++
	p.maybeOpenLocked()
}

// handBackLocked gives the member to the longest-waiting waiter, or
// parks it on the free list.
func (p *Pool) handBackLocked(m *member) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		m.inUse = true
		w.ch <- waitResult{m: m}
		return
	}
	p.free = append(p.free, m)
}

// maybeOpenLocked tells the opener to dial replacements while there are
// waiters and capacity. numOpen is incremented here, before the dial.
func (p *Pool) maybeOpenLocked() {
	numRequests := len(p.waiters)
	if numCanOpen := p.maxOpen - p.numOpen; numRequests > numCanOpen {
		numRequests = numCanOpen
	}
	for ; numRequests > 0; numRequests-- {
		if p.closed {
			return
		}
		p.numOpen++ // optimistically
		p.openerCh <- struct{}{}
	}
}

// Runs in a separate goroutine, dials replacement members on request.
func (p *Pool) opener(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.openerCh:
			p.openNewMember(ctx)
		}
	}
}

func (p *Pool) openNewMember(ctx context.Context) {
	// maybeOpenLocked already executed numOpen++ before sending the
	// token; numOpen-- here on every failure path.
	ci, err := p.connector.Connect(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.numOpen--
		if err == nil {
			ci.Close()
		}
		return
	}
	if err != nil {
		p.numOpen--
		// Report the dial failure to the earliest waiter rather than
		// leaving it suspended until its deadline.
		if len(p.waiters) > 0 {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			w.ch <- waitResult{err: errors.Wrap(err, "connect")}
		}
		p.maybeOpenLocked()
		return
	}
	p.handBackLocked(&member{ci: ci, createdAt: nowFunc()})
}

// healthLoop periodically probes free members and replaces the ones
// that fail their liveness check. Leased members are never probed.
func (p *Pool) healthLoop(ctx context.Context) {
	if p.healthInterval <= 0 {
		return
	}
	logger := zerolog.Ctx(ctx).With().Str("provider_type", "pool").Logger()
	logger.Debug().Msg("starting health loop")

	t := time.NewTicker(p.healthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("health loop stopped")
			return
		case <-t.C:
			p.checkFree(ctx, &logger)
		}
	}
}

func (p *Pool) checkFree(ctx context.Context, logger *zerolog.Logger) {
	p.mu.Lock()
	checking := p.free
	p.free = nil
	p.mu.Unlock()

	for _, m := range checking {
		v, ok := m.ci.(driver.Validator)
		if ok && !v.IsValid(ctx) {
			logger.Warn().Msg("discarding dead connection")
			p.mu.Lock()
			p.discardLocked(m)
			p.mu.Unlock()
			m.ci.Close()
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.numOpen--
			p.mu.Unlock()
			m.ci.Close()
			continue
		}
		p.handBackLocked(m)
		p.mu.Unlock()
	}
}

// Close closes the pool and its free members and fails every suspended
// waiter with ErrPoolClosed. Leased members are closed as they are
// released. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	closing := p.free
	p.free = nil
	p.numOpen -= len(closing)
	for _, w := range p.waiters {
		w.ch <- waitResult{err: ErrPoolClosed}
	}
	p.waiters = nil
	p.mu.Unlock()

	var err error
	for _, m := range closing {
		if errClose := m.ci.Close(); errClose != nil {
			err = errClose
		}
	}
	p.stop()
	if c, ok := p.connector.(io.Closer); ok {
		if errClose := c.Close(); errClose != nil {
			err = errClose
		}
	}
	return err
}

// ErrNotAlive is passed to Lease.Close when a leased member fails its
// liveness probe, so the connector can classify it for discard.
var ErrNotAlive = errors.New("pool: connection failed liveness probe")

// Ping leases a member and probes it. Used by readiness checks.
func (p *Pool) Ping(ctx context.Context) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire")
	}
	if v, ok := lease.Conn().(driver.Validator); ok && !v.IsValid(ctx) {
		lease.Close(ErrNotAlive)
		return ErrNotAlive
	}
	lease.Close(nil)
	return nil
}

// PoolStats contains pool statistics.
type PoolStats struct {
	MaxOpen int // Upper limit for open connections.

	Open  int // Established connections, leased and free together.
	InUse int // Currently leased connections.
	Idle  int // Free connections.

	WaitCount     int64         // Total acquires that had to wait.
	WaitDuration  time.Duration // Total time blocked waiting.
	BadConnClosed int64         // Members discarded as broken.
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	wait := atomic.LoadInt64(&p.waitDuration)

	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		MaxOpen:       p.maxOpen,
		Open:          p.numOpen,
		InUse:         p.numOpen - len(p.free),
		Idle:          len(p.free),
		WaitCount:     p.waitCount,
		WaitDuration:  time.Duration(wait),
		BadConnClosed: p.badConnClosed,
	}
}

// Lease is exclusive temporary ownership of one pooled connection.
//
// A Lease must be closed exactly once to return the member to the pool;
// Close is safe to call from any exit path because the second and later
// calls fail with ErrLeaseDone without touching the pool.
type Lease struct {
	p *Pool
	m *member

	// done transitions from 0 to 1 exactly once, on close.
	done int32
}

// Conn exposes the leased backend connection. The caller asserts it to
// the concrete type its connector dials.
func (l *Lease) Conn() io.Closer {
	return l.m.ci
}

// Close releases the connection back to the pool. err is the last error
// observed on the connection, if any, and decides whether the member is
// reused or replaced.
func (l *Lease) Close(err error) error {
	if !atomic.CompareAndSwapInt32(&l.done, 0, 1) {
		return ErrLeaseDone
	}
	l.p.put(l.m, err)
	return nil
}
