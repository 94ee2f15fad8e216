package smtppool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infodancer/smtppool/metrics"
)

// setRateDelta compresses the rate window so throttling tests run fast.
func setRateDelta(p *Pool, d time.Duration) {
	p.mu.Lock()
	p.rate.delta = d
	p.mu.Unlock()
}

func TestChargeUnlimited(t *testing.T) {
	p, _ := newFakePool(t, nil)
	p.mu.Lock()
	p.rate.charge(time.Now())
	counter := p.rate.counter
	p.mu.Unlock()
	if counter != 0 {
		t.Errorf("counter = %d, want 0 without a rate limit", counter)
	}
}

func TestChargePinsCheckpoint(t *testing.T) {
	p, _ := newFakePool(t, &Options{RateLimit: 2})
	now := time.Now()

	p.mu.Lock()
	p.rate.charge(now)
	p.rate.charge(now.Add(time.Millisecond))
	counter, checkpoint := p.rate.counter, p.rate.checkpoint
	p.mu.Unlock()

	if counter != 2 {
		t.Errorf("counter = %d, want 2", counter)
	}
	if !checkpoint.Equal(now) {
		t.Errorf("checkpoint = %v, want pinned to first charge %v", checkpoint, now)
	}
}

func TestAdmitUnderLimitRunsImmediately(t *testing.T) {
	p, _ := newFakePool(t, &Options{RateLimit: 3})
	p.mu.Lock()
	p.rate.charge(time.Now())
	p.mu.Unlock()

	ran := false
	p.admit(func() { ran = true })
	if !ran {
		t.Error("continuation did not run under the limit")
	}
}

func TestAdmitParksOverLimitUntilTimer(t *testing.T) {
	p, _ := newFakePool(t, &Options{RateLimit: 1})
	setRateDelta(p, 30*time.Millisecond)

	p.mu.Lock()
	p.rate.charge(time.Now())
	p.mu.Unlock()

	ran := make(chan struct{})
	p.admit(func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("continuation ran before the window cleared")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("continuation never ran after the window cleared")
	}
}

func TestAdmitClearsAgedWindowImmediately(t *testing.T) {
	p, _ := newFakePool(t, &Options{RateLimit: 1})
	setRateDelta(p, 20*time.Millisecond)

	p.mu.Lock()
	p.rate.charge(time.Now().Add(-50 * time.Millisecond))
	p.mu.Unlock()

	ran := false
	p.admit(func() { ran = true })
	if !ran {
		t.Error("continuation did not run although the window had aged out")
	}

	p.mu.Lock()
	counter := p.rate.counter
	p.mu.Unlock()
	if counter != 0 {
		t.Errorf("counter after clear = %d, want 0", counter)
	}
}

func TestParkedContinuationsRunInFIFOOrder(t *testing.T) {
	p, _ := newFakePool(t, &Options{RateLimit: 1})
	setRateDelta(p, 20*time.Millisecond)

	p.mu.Lock()
	p.rate.charge(time.Now())
	p.mu.Unlock()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		i := i
		p.admit(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 4 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("parked continuations never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("release order = %v, want FIFO", order)
		}
	}
}

// throttleCollector counts rate-limited releases on top of no-op metrics.
type throttleCollector struct {
	metrics.NoopCollector
	rateLimited atomic.Int64
}

func (c *throttleCollector) RateLimited() { c.rateLimited.Add(1) }

func TestRateLimitedCountsOnlyDelayedReleases(t *testing.T) {
	col := &throttleCollector{}
	p, _ := newFakePool(t, &Options{RateLimit: 1, Collector: col})
	setRateDelta(p, 20*time.Millisecond)

	// An aged-out window releases the continuation immediately; nothing
	// was throttled, so the counter stays put.
	p.mu.Lock()
	p.rate.charge(time.Now().Add(-50 * time.Millisecond))
	p.mu.Unlock()

	ran := false
	p.admit(func() { ran = true })
	if !ran {
		t.Fatal("continuation did not run although the window had aged out")
	}
	if got := col.rateLimited.Load(); got != 0 {
		t.Errorf("rate-limited count after immediate release = %d, want 0", got)
	}

	// A live window parks the continuation; that is the throttled case.
	p.mu.Lock()
	p.rate.charge(time.Now())
	p.mu.Unlock()

	released := make(chan struct{})
	p.admit(func() { close(released) })
	if got := col.rateLimited.Load(); got != 1 {
		t.Errorf("rate-limited count after parking = %d, want 1", got)
	}

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("parked continuation never released")
	}
}

func TestCloseReleasesParked(t *testing.T) {
	p, _ := newFakePool(t, &Options{RateLimit: 1})
	setRateDelta(p, time.Hour)

	p.mu.Lock()
	p.rate.charge(time.Now())
	p.mu.Unlock()

	ran := make(chan struct{})
	p.admit(func() { close(ran) })

	p.Close()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("parked continuation not released on Close")
	}
}

func TestRateLimitThroughputFloor(t *testing.T) {
	const (
		limit = 3
		n     = 9
		delta = 50 * time.Millisecond
	)
	p, _ := newFakePool(t, &Options{MaxConnections: limit, RateLimit: limit})
	setRateDelta(p, delta)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Send(context.Background(), mailTo(fmt.Sprintf("msg-%d", i))); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// n sends at `limit` per window need at least n/limit windows; the
	// first opens immediately.
	floor := (n/limit - 1) * int(delta)
	if elapsed < time.Duration(floor) {
		t.Errorf("elapsed = %v, want >= %v", elapsed, time.Duration(floor))
	}
}
