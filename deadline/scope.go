package deadline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrCanceled is returned by Run when the scope's own deadline elapsed,
// an ancestor scope was canceled, or the scope was closed while the
// operation was still suspended.
var ErrCanceled = errors.New("deadline: scope canceled")

// Scope is a cancellable, time-bounded execution scope. Scopes form a
// tree: a child's effective deadline is the minimum of its own deadline
// and every ancestor's, and cancelling a parent cancels all of its
// active children. A child finishing early never affects its parent.
//
// A Scope must be closed exactly once; Close is idempotent, so closing
// on every exit path is safe.
type Scope struct {
	parent *Scope
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	callbacks []func()
	watching  bool
	completed bool
	fired     bool
}

// Root wraps an existing context as the top of a scope tree. It is used
// for the process-wide shutdown scope: cancelling ctx cancels every
// scope ever derived from the returned one.
func Root(ctx context.Context) *Scope {
	childCtx, cancel := context.WithCancel(ctx)
	return &Scope{ctx: childCtx, cancel: cancel}
}

// New creates a child scope of parent. If d > 0 the child carries its
// own deadline of now+d; the effective deadline is still capped by the
// ancestors because the contexts chain. If d <= 0 the child is
// cancel-only.
func New(parent *Scope, d time.Duration) *Scope {
	s := &Scope{parent: parent}
	if d > 0 {
		s.ctx, s.cancel = context.WithTimeout(parent.ctx, d)
	} else {
		s.ctx, s.cancel = context.WithCancel(parent.ctx)
	}
	return s
}

// Context exposes the scope as a context.Context for collaborators that
// suspend on I/O (database queries, dials). Cancellation of the scope
// is observable through it at every suspension point.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Done mirrors context.Done for select-based suspension points.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Deadline reports the effective deadline, if any.
func (s *Scope) Deadline() (time.Time, bool) {
	return s.ctx.Deadline()
}

// Err reports nil while the scope is live and ErrCanceled after its
// deadline elapsed or an ancestor canceled it. A completed scope that
// was closed normally also reports ErrCanceled through the underlying
// context; callers that care about the difference check Err before
// Close.
func (s *Scope) Err() error {
	if s.ctx.Err() != nil {
		return ErrCanceled
	}
	return nil
}

// OnCancel registers fn to run when the scope is canceled by its
// deadline or an ancestor. Callbacks do not run on a normal Close.
// They run at most once, in registration order, on a separate
// goroutine. This is the hook for unblocking operations that cannot
// take a context, such as a blocked net.Conn read.
func (s *Scope) OnCancel(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	if s.fired {
		go fn()
		return
	}
	s.callbacks = append(s.callbacks, fn)
	if !s.watching {
		s.watching = true
		go s.watch()
	}
}

func (s *Scope) watch() {
	<-s.ctx.Done()

	s.mu.Lock()
	if s.completed || s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	cbs := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()

	for _, fn := range cbs {
		fn()
	}
}

// Close tears the scope down. It is idempotent: the first call cancels
// the underlying context and disarms pending OnCancel callbacks; later
// calls and later deadline firings are no-ops.
func (s *Scope) Close() {
	s.mu.Lock()
	if !s.completed && !s.fired {
		// Normal completion beat the deadline; suppress callbacks.
		s.callbacks = nil
	}
	s.completed = true
	s.mu.Unlock()
	s.cancel()
}

// Run executes op under the scope and closes the scope when op returns,
// whatever the outcome. Cancellation surfaces as ErrCanceled: either op
// observed the canceled context at a suspension point, or the scope was
// already dead before op started.
func (s *Scope) Run(op func(ctx context.Context) error) error {
	defer s.Close()

	if s.ctx.Err() != nil {
		return ErrCanceled
	}

	err := op(s.ctx)
	if err == nil {
		return nil
	}
	// A dead scope also surfaces as a transport error when an OnCancel
	// hook expired the I/O deadline; the scope being canceled is what
	// the failure means either way.
	if Canceled(err) || s.ctx.Err() != nil {
		return ErrCanceled
	}
	return err
}

// Canceled reports whether err denotes a scope or context cancellation,
// however deeply wrapped.
func Canceled(err error) bool {
	return errors.Is(err, ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
