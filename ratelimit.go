package smtppool

import "time"

// rateWindowDelta is the width of the dispatch-counting window.
const rateWindowDelta = time.Second

// rateWindow throttles dispatch to limit messages per window. Dispatches
// charge the counter; re-admissions over the limit park until the window
// clears. All fields are guarded by the pool mutex.
type rateWindow struct {
	limit      int
	delta      time.Duration
	counter    int
	checkpoint time.Time
	timer      *time.Timer
	parked     []func()
}

// charge records one dispatch against the current window. The first charge
// of a window pins its checkpoint.
func (w *rateWindow) charge(now time.Time) {
	if w.limit <= 0 {
		return
	}
	w.counter++
	if w.checkpoint.IsZero() {
		w.checkpoint = now
	}
}

// admit runs fn immediately while the window has room, otherwise parks it
// in FIFO order and makes sure the window will clear: right away when the
// checkpoint has already aged past the window, else on a timer armed for
// the remainder. A closed pool admits immediately so the continuation can
// observe the closure and retire its connection.
func (p *Pool) admit(fn func()) {
	p.mu.Lock()
	w := &p.rate
	if p.closed || w.limit <= 0 || w.counter < w.limit {
		p.mu.Unlock()
		fn()
		return
	}

	w.parked = append(w.parked, fn)
	now := time.Now()
	elapsed := now.Sub(w.checkpoint)

	if elapsed >= w.delta {
		// The window had already aged out; the release is immediate, so
		// this does not count as a throttled dispatch.
		batch := p.clearRateWindowLocked()
		p.mu.Unlock()
		runParked(batch)
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.delta-elapsed, p.rateWindowExpired)
	}
	p.mu.Unlock()
	p.collector.RateLimited()
}

// rateWindowExpired reopens the window and releases parked re-admissions
// in park order.
func (p *Pool) rateWindowExpired() {
	p.mu.Lock()
	batch := p.clearRateWindowLocked()
	p.mu.Unlock()
	runParked(batch)
}

// clearRateWindowLocked stops the timer, resets the counter and
// checkpoint, and hands back the parked batch for release.
func (p *Pool) clearRateWindowLocked() []func() {
	w := &p.rate
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.counter = 0
	w.checkpoint = time.Time{}
	batch := w.parked
	w.parked = nil
	return batch
}

func runParked(batch []func()) {
	for _, fn := range batch {
		fn()
	}
}
