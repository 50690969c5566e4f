package hostbridge

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// matcher inspects an envelope of the expected type. Returning accept=false leaves the
// request pending; accept=true settles it with err (nil for success).
type matcher func(env Envelope) (accept bool, err error)

type outcome struct {
	env Envelope
	err error
}

// pendingRequest is a single-use response handler with a deadline. Whichever of the
// matching response, the timeout or the caller's context settles it first wins; every
// later attempt is a no-op.
type pendingRequest struct {
	expectedType string
	match        matcher

	done    chan outcome
	stopped chan struct{}

	mu       sync.Mutex
	settled  bool
	cleanups []func()
}

func newPendingRequest(expectedType string, match matcher) *pendingRequest {
	return &pendingRequest{
		expectedType: expectedType,
		match:        match,
		done:         make(chan outcome, 1),
		stopped:      make(chan struct{}),
	}
}

// onSettle registers fn to run once the request is settled.
func (p *pendingRequest) onSettle(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups = append(p.cleanups, fn)
}

// settle resolves or rejects the request. It reports whether this call settled it.
func (p *pendingRequest) settle(o outcome) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	cleanups := p.cleanups
	p.cleanups = nil
	p.mu.Unlock()

	// listeners are gone before the waiter wakes up
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	p.done <- o
	close(p.stopped)
	return true
}

// handle is the channel listener of the request.
func (p *pendingRequest) handle(env Envelope) (settled bool, ignored bool) {
	if env.Type != p.expectedType {
		return false, false
	}
	accept, err := p.match(env)
	if !accept {
		return false, true
	}
	return p.settle(outcome{env: env, err: err}), false
}

// startDeadline settles the request with timeoutErr once timeout elapses on clock.
func (p *pendingRequest) startDeadline(clock clockwork.Clock, timeout time.Duration, timeoutErr error) {
	timer := clock.NewTimer(timeout)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.Chan():
			p.settle(outcome{err: timeoutErr})
		case <-p.stopped:
		}
	}()
}

// wait blocks until the request is settled. Cancelling ctx settles it with ctx.Err().
func (p *pendingRequest) wait(ctx context.Context) (Envelope, error) {
	select {
	case o := <-p.done:
		return o.env, o.err
	case <-ctx.Done():
		p.settle(outcome{err: ctx.Err()})
		o := <-p.done
		return o.env, o.err
	}
}
