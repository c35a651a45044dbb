// ratelimit.go implements per-second sliding-window rate limiting for the
// Upbit REST API.
//
// Upbit enforces hard per-second request counts per key group: one budget
// for public (quotation) endpoints and one for private (exchange) endpoints.
// Unlike a token bucket, the budget does not smooth — it is a strict count
// over any trailing one-second window — so the limiter keeps a queue of
// recent request timestamps and sleeps until the oldest ages out.
//
// Two buckets are maintained:
//   - Public:  150 requests/s (candles, tickers, markets)
//   - Private: 140 requests/s (orders, accounts)
package exchange

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow is a per-second sliding-window rate limiter. Concurrent
// callers are serialized under the bucket's mutex: a caller that must wait
// holds the lock while sleeping, so requests dispatch in arrival order and
// the cap holds over any trailing window.
//
// nowFn and sleepFn exist so tests can drive a synthetic clock.
type SlidingWindow struct {
	mu      sync.Mutex
	cap     int
	window  time.Duration
	stamps  []time.Time // timestamps of requests inside the current window, oldest first
	nowFn   func() time.Time
	sleepFn func(time.Duration)
}

// NewSlidingWindow creates a limiter admitting at most cap requests per second.
func NewSlidingWindow(cap int) *SlidingWindow {
	return &SlidingWindow{
		cap:     cap,
		window:  time.Second,
		nowFn:   time.Now,
		sleepFn: time.Sleep,
	}
}

// Take blocks until dispatching one more request keeps the bucket within its
// cap, then records the dispatch. Returns early only on context cancellation.
func (w *SlidingWindow) Take(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := w.nowFn()
		drop := 0
		for drop < len(w.stamps) && now.Sub(w.stamps[drop]) >= w.window {
			drop++
		}
		w.stamps = w.stamps[drop:]

		if len(w.stamps) < w.cap {
			w.stamps = append(w.stamps, now)
			return nil
		}

		// Sleep until the oldest in-window timestamp ages out.
		w.sleepFn(w.window - now.Sub(w.stamps[0]))
	}
}

// Pending returns how many requests are inside the current window. Test hook.
func (w *SlidingWindow) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFn()
	n := 0
	for _, ts := range w.stamps {
		if now.Sub(ts) < w.window {
			n++
		}
	}
	return n
}

// RateLimiter groups the two Upbit request budgets.
type RateLimiter struct {
	Public  *SlidingWindow // quotation endpoints: candles, tickers, market list
	Private *SlidingWindow // exchange endpoints: orders, accounts
}

// NewRateLimiter creates both buckets. Zero or negative caps fall back to
// the published Upbit limits.
func NewRateLimiter(publicRPS, privateRPS int) *RateLimiter {
	if publicRPS <= 0 {
		publicRPS = 150
	}
	if privateRPS <= 0 {
		privateRPS = 140
	}
	return &RateLimiter{
		Public:  NewSlidingWindow(publicRPS),
		Private: NewSlidingWindow(privateRPS),
	}
}
