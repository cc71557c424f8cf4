// Package pace owns every wait in a registration attempt: fixed sleeps,
// uniformly jittered sleeps, and the randomness behind them.
package pace

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Range is an inclusive duration interval used for jittered waits.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Pacer produces blocking waits. A single Pacer is not shared across
// attempts, but the mutex keeps it safe if it is.
type Pacer struct {
	mu    sync.Mutex
	rnd   *rand.Rand
	sleep SleepFunc
}

// New returns a Pacer backed by wall-clock sleeps and a randomly seeded source.
func New() *Pacer {
	return &Pacer{
		rnd:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		sleep: Sleep,
	}
}

// NewFixed returns a Pacer with a deterministic source and the given sleeper.
func NewFixed(seed uint64, sleep SleepFunc) *Pacer {
	return &Pacer{
		rnd:   rand.New(rand.NewPCG(seed, seed)),
		sleep: sleep,
	}
}

// Sleep waits for d.
func (p *Pacer) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return p.sleep(ctx, d)
}

// Between waits for a uniformly random duration in [min, max].
func (p *Pacer) Between(ctx context.Context, r Range) error {
	return p.Sleep(ctx, p.Duration(r))
}

// Duration draws a uniformly random duration in [r.Min, r.Max].
func (p *Pacer) Duration(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.Min + time.Duration(p.rnd.Int64N(int64(r.Max-r.Min)+1))
}

// IntN draws a uniformly random int in [0, n).
func (p *Pacer) IntN(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.IntN(n)
}

// Sleep is the wall-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Recorder is a SleepFunc that returns immediately and remembers every
// requested duration. It is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	Sleeps []time.Duration
}

// Sleep records d.
func (r *Recorder) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sleeps = append(r.Sleeps, d)
	return nil
}

// Count returns how many sleeps of exactly d were recorded.
func (r *Recorder) Count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.Sleeps {
		if s == d {
			n++
		}
	}
	return n
}

// Total returns the number of recorded sleeps.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Sleeps)
}
