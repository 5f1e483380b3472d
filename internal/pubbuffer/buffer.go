// Package pubbuffer implements the Ordered Publication Buffer: it assigns
// a monotonic sequence number to each incoming notification, collects
// expansion results that complete out of order, and publishes them in
// sequence order, per spec.md §4.4.
package pubbuffer

import (
	"math/big"
	"sync"
)

// Result is what an expansion task hands back to Complete: either a
// successful batch of messages, or an error that aborts that sequence
// number.
type Result struct {
	OK       bool
	Messages []interface{}
	Err      error
}

// Ok wraps a successful expansion.
func Ok(messages []interface{}) Result {
	return Result{OK: true, Messages: messages}
}

// Failed wraps a failed expansion.
func Failed(err error) Result {
	return Result{OK: false, Err: err}
}

// HeightExtractor reports the height a single message carries, if any. It
// is supplied by the caller so pubbuffer doesn't import the expander
// package; the buffer applies it to every message of a published batch
// and keeps the last height found.
type HeightExtractor func(message interface{}) (*big.Int, bool)

// Buffer is the Session-owned bounded sparse mapping from sequence number
// to pending/complete result, per spec.md §3/§4.4.
type Buffer struct {
	pubMu           sync.Mutex // serializes Complete so batches are published in sequence order
	mu              sync.Mutex
	currentSeq      uint64
	lastDeliveredSeq uint64
	droppedThrough  uint64 // sequence numbers <= this were discarded after a failure
	entries         map[uint64]*Result // nil entry means "assigned, pending"
	maxSize         int
	extractHeight   HeightExtractor

	onPublish  func(messages []interface{})
	onResumeHeight func(height *big.Int)
	onBackoff  func(err error)
}

// New returns an empty Buffer bounded at maxSize entries (pending plus
// completed). extractHeight identifies a message's height so the buffer
// can advance resume height on publish; the publish/resume/backoff
// callbacks are invoked synchronously from Complete after the entries lock
// is released, one Complete call at a time.
func New(maxSize int, extractHeight HeightExtractor, onPublish func([]interface{}), onResumeHeight func(*big.Int), onBackoff func(error)) *Buffer {
	return &Buffer{
		entries:        make(map[uint64]*Result),
		maxSize:        maxSize,
		extractHeight:  extractHeight,
		onPublish:      onPublish,
		onResumeHeight: onResumeHeight,
		onBackoff:      onBackoff,
	}
}

// Size returns the number of pending plus completed entries currently
// buffered (not yet delivered).
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Full reports whether the buffer has reached maxSize, per invariant I4.
func (b *Buffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) >= b.maxSize
}

// DrainedEnough reports whether the buffer has drained to at most half of
// maxSize, the threshold for scheduling a reconnect per spec.md §4.4.
func (b *Buffer) DrainedEnough() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) <= b.maxSize/2
}

// LastDeliveredSeq returns the most recently delivered sequence number.
func (b *Buffer) LastDeliveredSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDeliveredSeq
}

// Assign reserves the next sequence number and marks it pending. The
// caller is expected to check Full() before calling Assign, per spec.md
// §4.4's bound check ("no additional sequence number is assigned until it
// drops to <= max_buffer_size/2").
func (b *Buffer) Assign() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentSeq++
	seq := b.currentSeq
	b.entries[seq] = nil
	return seq
}

// Complete records the result for seq and publishes every consecutive
// completed entry starting at lastDeliveredSeq+1, per spec.md §4.4.
func (b *Buffer) Complete(seq uint64, result Result) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.Lock()

	if seq <= b.lastDeliveredSeq || seq <= b.droppedThrough {
		// Late completion from a previously failed prefix, or for a
		// sequence number discarded after a failure; drop silently.
		b.mu.Unlock()
		return
	}
	if b.lastDeliveredSeq < b.droppedThrough {
		// Resume draining right after the discarded sequence numbers.
		b.lastDeliveredSeq = b.droppedThrough
	}
	r := result
	b.entries[seq] = &r

	type drainedEntry struct {
		seq uint64
		res *Result
	}
	var drained []drainedEntry
	var failedAt uint64
	failed := false

	for {
		next := b.lastDeliveredSeq + 1
		entry, ok := b.entries[next]
		if !ok || entry == nil {
			break
		}
		delete(b.entries, next)
		b.lastDeliveredSeq = next
		drained = append(drained, drainedEntry{seq: next, res: entry})
		if !entry.OK {
			failed = true
			failedAt = next
			break
		}
	}

	if failed {
		for k := range b.entries {
			if k > failedAt {
				delete(b.entries, k)
			}
		}
		b.droppedThrough = b.currentSeq
	}
	b.mu.Unlock()

	for _, d := range drained {
		if d.res.OK {
			b.publishAndAdvanceResume(d.res.Messages)
		} else if b.onBackoff != nil {
			b.onBackoff(d.res.Err)
		}
	}
}

func (b *Buffer) publishAndAdvanceResume(messages []interface{}) {
	if b.onPublish != nil {
		b.onPublish(messages)
	}
	if b.extractHeight == nil || b.onResumeHeight == nil {
		return
	}
	var last *big.Int
	for _, m := range messages {
		if h, ok := b.extractHeight(m); ok {
			last = h
		}
	}
	if last != nil {
		b.onResumeHeight(last)
	}
}
