package client

import (
	"sync"
	"time"
)

// rttWindow keeps the last size round-trip samples.
type rttWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newRTTWindow(size int) *rttWindow {
	if size <= 0 {
		size = 1
	}
	return &rttWindow{samples: make([]time.Duration, size)}
}

func (w *rttWindow) add(d time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
	return w.averageLocked()
}

func (w *rttWindow) average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.averageLocked()
}

func (w *rttWindow) averageLocked() time.Duration {
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range w.samples[:n] {
		sum += s
	}
	return sum / time.Duration(n)
}
