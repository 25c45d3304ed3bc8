package lifecycle

import "time"

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// reconnectPolicy holds at most one pending reconnection timer. It is
// owned by the manager loop and never touched from other goroutines; the
// timer callback only posts the token back into the loop.
type reconnectPolicy struct {
	delay time.Duration
	after AfterFunc

	pending bool
	token   uint64
	stop    func() bool
}

func newReconnectPolicy(delay time.Duration, after AfterFunc) *reconnectPolicy {
	if after == nil {
		after = realAfterFunc
	}
	return &reconnectPolicy{delay: delay, after: after}
}

// schedule arms the timer unless one is already pending. fire receives
// the token identifying this arming.
func (p *reconnectPolicy) schedule(fire func(token uint64)) bool {
	if p.pending {
		return false
	}
	p.token++
	tok := p.token
	p.pending = true
	p.stop = p.after(p.delay, func() { fire(tok) })
	return true
}

// fired reports whether tok belongs to the live timer and clears it.
// Tokens of cancelled or superseded timers return false.
func (p *reconnectPolicy) fired(tok uint64) bool {
	if !p.pending || tok != p.token {
		return false
	}
	p.pending = false
	p.stop = nil
	return true
}

func (p *reconnectPolicy) cancel() {
	if !p.pending {
		return
	}
	if p.stop != nil {
		p.stop()
	}
	p.pending = false
	p.stop = nil
	// A callback that already fired carries the old token and is dropped.
	p.token++
}
