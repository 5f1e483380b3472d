// Package supervisor implements the Subscription Supervisor of spec.md
// §4.6: one Supervisor owns one Session, restarts it one-for-one if the
// Session's goroutine ever terminates abnormally, and carries the
// resume_height across the restart so delivery picks up where it left
// off instead of replaying or skipping blocks.
package supervisor

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/icon-project/iconsub/internal/filter"
	"github.com/icon-project/iconsub/internal/session"
)

// StreamHandle is the opaque identifier handed back to a caller on
// subscribe, used to unsubscribe later.
type StreamHandle struct {
	id uuid.UUID
}

// NewStreamHandle allocates a fresh handle.
func NewStreamHandle() StreamHandle {
	return StreamHandle{id: uuid.New()}
}

func (h StreamHandle) String() string {
	return h.id.String()
}

// IsZero reports whether h is the zero handle.
func (h StreamHandle) IsZero() bool {
	return h.id == uuid.Nil
}

// Supervisor owns one subscription's Session and restarts it if the
// Session's Run goroutine panics or returns before being asked to stop.
type Supervisor struct {
	handle StreamHandle
	opts   session.Options
	logger *log.Logger

	mu      sync.Mutex
	sub     filter.Subscription
	current *session.Session
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New returns a Supervisor for sub, not yet started.
func New(sub filter.Subscription, opts session.Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		handle: NewStreamHandle(),
		sub:    sub,
		opts:   opts,
		logger: logger,
	}
}

// Handle returns the Supervisor's StreamHandle.
func (sv *Supervisor) Handle() StreamHandle {
	return sv.handle
}

// Start launches the supervise loop in the background. ctx bounds the
// Supervisor's whole lifetime; cancelling it (or calling Stop) tears down
// the current Session and ends the restart loop.
func (sv *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	sv.mu.Lock()
	sv.cancel = cancel
	sv.done = make(chan struct{})
	done := sv.done
	sv.mu.Unlock()

	go sv.superviseLoop(runCtx, done)
}

func (sv *Supervisor) superviseLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	sv.mu.Lock()
	sub := sv.sub
	sv.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}
		s := session.New(sub, sv.opts)
		sv.mu.Lock()
		sv.current = s
		sv.mu.Unlock()

		sv.runProtected(ctx, s)

		if ctx.Err() != nil {
			return
		}

		if rh := s.ResumeHeight(); rh != nil {
			sub.ResumeHeight = rh
		}
		sv.logger.Printf("supervisor: session %s restarting, resume_height=%v", sv.handle, sub.ResumeHeight)
	}
}

// runProtected runs one Session to completion, recovering a panic so the
// supervise loop can restart a fresh Session instead of taking the whole
// subscription down.
func (sv *Supervisor) runProtected(ctx context.Context, s *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			sv.logger.Printf("supervisor: session %s panicked: %v", sv.handle, r)
		}
	}()
	s.Run(ctx)
}

// State returns the current Session's lifecycle state, or
// session.StateStarting if no Session has been created yet.
func (sv *Supervisor) State() session.State {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.current == nil {
		return session.StateStarting
	}
	return sv.current.State()
}

// Stop cancels the supervise loop and blocks until the current Session has
// torn down.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return
	}
	sv.stopped = true
	cancel := sv.cancel
	current := sv.current
	done := sv.done
	sv.mu.Unlock()

	if current != nil {
		current.Terminate()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
