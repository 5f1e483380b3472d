package backoff

import (
	"math"
	"testing"
	"time"
)

func TestDelayBound(t *testing.T) {
	cfg := Config{MaxRetries: 5, SlotSize: 10}
	for trial := 0; trial < 20; trial++ {
		b := New(cfg)
		for k := 1; k <= 8; k++ {
			d := b.Next()
			exp := k - 2
			maxExp := cfg.MaxRetries - 2
			if exp > maxExp {
				exp = maxExp
			}
			pow := math.Pow(2, float64(exp))
			lo := time.Duration(pow*1000) * time.Millisecond
			hi := time.Duration(pow*float64(cfg.SlotSize)*1000) * time.Millisecond
			if d < lo || d > hi {
				t.Fatalf("trial %d attempt %d: delay %v out of bound [%v, %v]", trial, k, d, lo, hi)
			}
		}
	}
}

func TestResetZeroesRetries(t *testing.T) {
	b := New(Config{})
	b.Next()
	b.Next()
	if b.Retries() != 2 {
		t.Fatalf("retries = %d, want 2", b.Retries())
	}
	b.Reset()
	if b.Retries() != 0 {
		t.Fatalf("retries after reset = %d, want 0", b.Retries())
	}
}

func TestDefaults(t *testing.T) {
	b := New(Config{})
	if b.cfg.MaxRetries != DefaultMaxRetries || b.cfg.SlotSize != DefaultSlotSize {
		t.Fatalf("defaults not applied: %+v", b.cfg)
	}
}
