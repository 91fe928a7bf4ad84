package retry

import (
	"sync"
	"time"
)

// Policy is the reconnect schedule: delays double from InitialDelay up to
// MaxDelay, and after MaxAttempts delays the policy is exhausted. It holds no
// timers, so callers decide how to wait.
type Policy struct {
	mu       sync.Mutex
	config   BackoffConfig
	attempts int
}

// NewPolicy creates a policy at attempt zero.
func NewPolicy(config BackoffConfig) *Policy {
	return &Policy{config: config}
}

// NextDelay advances the policy and returns the delay before the next
// attempt. ok is false once MaxAttempts delays have been handed out.
func (p *Policy) NextDelay() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.MaxAttempts > 0 && p.attempts >= p.config.MaxAttempts-1 {
		return 0, false
	}
	p.attempts++
	return calculateDelay(p.config, p.attempts), true
}

// Attempts returns how many delays have been handed out since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Exhausted reports whether NextDelay would refuse.
func (p *Policy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config.MaxAttempts > 0 && p.attempts >= p.config.MaxAttempts-1
}

// Reset returns the policy to attempt zero, e.g. after a successful handshake.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}
