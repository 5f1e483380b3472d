// Package backoff computes the Session's exponential-with-jitter
// reconnect delay, per spec.md §4.5 and the bound tested by P4 in §8. The
// attempt bookkeeping rides on github.com/jpillora/backoff so the retry
// counter itself is managed by a real backoff library; the delay formula
// is spec-exact and computed on top of that counter.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	jpillora "github.com/jpillora/backoff"
)

// Config holds the two tunables named in spec.md §6.
type Config struct {
	MaxRetries int // default 3
	SlotSize   int // default 10
}

const (
	DefaultMaxRetries = 3
	DefaultSlotSize   = 10
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.SlotSize <= 0 {
		c.SlotSize = DefaultSlotSize
	}
	return c
}

// Backoff tracks consecutive retry attempts and computes the reconnect
// delay: delay = 2^min(k-2, max_retries-2) * rand(1..slot_size) * 1000ms,
// where k is the 1-based attempt number after Next() is called.
type Backoff struct {
	mu      sync.Mutex
	cfg     Config
	tracker *jpillora.Backoff
	rng     *rand.Rand
}

// New returns a Backoff with cfg's tunables (zero values take the spec
// defaults).
func New(cfg Config) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{
		cfg:     cfg,
		tracker: &jpillora.Backoff{Min: time.Millisecond, Max: time.Hour},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next advances the attempt counter and returns the delay for this retry.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tracker.Duration() // advance the library-tracked attempt count
	retries := int(b.tracker.Attempt())

	exp := retries - 2
	maxExp := b.cfg.MaxRetries - 2
	if exp > maxExp {
		exp = maxExp
	}

	pow := math.Pow(2, float64(exp))
	jitter := 1 + b.rng.Intn(b.cfg.SlotSize)
	delayMs := pow * float64(jitter) * 1000
	return time.Duration(delayMs) * time.Millisecond
}

// Retries returns the current attempt count.
func (b *Backoff) Retries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.tracker.Attempt())
}

// Reset zeroes the attempt count, per spec.md §4.5: "after a successful
// transition into consuming, retries <- 0, backoff <- 0".
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracker.Reset()
}
