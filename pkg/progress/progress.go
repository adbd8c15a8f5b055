// Package progress reports monotonic completion percentages.
package progress

import (
	"math"
	"sync"
)

// Callback receives integer percentages in [0, 100].
type Callback func(percent int)

// Reporter tracks completion of a task made of a fixed number of steps. Updates
// never move backwards and the callback fires only when the percentage changes.
type Reporter struct {
	mu        sync.Mutex
	total     int
	completed int
	fraction  float64
	percent   int
	callback  Callback

	// deliver is held across callbacks so concurrent updates arrive in order.
	deliver   sync.Mutex
	delivered int
}

// New returns a reporter for total steps. total <= 0 means fraction-only updates.
func New(total int, cb Callback) *Reporter {
	return &Reporter{total: total, percent: -1, delivered: -1, callback: cb}
}

// Update accepts a fraction in [0, 1]. Values outside are clamped; NaN is ignored.
func (r *Reporter) Update(fraction float64) {
	if math.IsNaN(fraction) {
		return
	}
	fraction = math.Max(0, math.Min(1, fraction))

	r.mu.Lock()
	if fraction < r.fraction {
		r.mu.Unlock()
		return
	}
	r.fraction = fraction
	if r.total > 0 {
		r.completed = int(math.Floor(fraction * float64(r.total)))
	}
	cb, pct, changed := r.advance()
	r.mu.Unlock()

	if changed {
		r.notify(cb, pct)
	}
}

// Step records steps completed so far. Requires total > 0.
func (r *Reporter) Step(completed int) {
	r.mu.Lock()
	if r.total <= 0 || completed <= r.completed {
		r.mu.Unlock()
		return
	}
	if completed > r.total {
		completed = r.total
	}
	r.completed = completed
	r.fraction = float64(completed) / float64(r.total)
	cb, pct, changed := r.advance()
	r.mu.Unlock()

	if changed {
		r.notify(cb, pct)
	}
}

// Increment advances by one step.
func (r *Reporter) Increment() {
	r.mu.Lock()
	next := r.completed + 1
	r.mu.Unlock()
	r.Step(next)
}

// Percent returns the last reported percentage, 0 before any update.
func (r *Reporter) Percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.percent < 0 {
		return 0
	}
	return r.percent
}

// Completed returns the number of completed steps.
func (r *Reporter) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// notify calls cb unless a later percentage was already delivered.
func (r *Reporter) notify(cb Callback, pct int) {
	if cb == nil {
		return
	}
	r.deliver.Lock()
	defer r.deliver.Unlock()
	if pct <= r.delivered {
		return
	}
	r.delivered = pct
	cb(pct)
}

func (r *Reporter) advance() (Callback, int, bool) {
	pct := int(math.Floor(r.fraction*100 + 1e-9))
	if pct == r.percent {
		return nil, pct, false
	}
	r.percent = pct
	return r.callback, pct, true
}
