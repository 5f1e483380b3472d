// Package session implements the per-subscription state machine of
// spec.md §4.5: it negotiates the WebSocket upgrade, sends the filter
// subscription, ingests the notification stream, fans each notification
// out to an independent expansion task, and re-imposes strict ordering
// through the pubbuffer.Buffer before publishing to the downstream sink.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/icon-project/iconsub/internal/backoff"
	"github.com/icon-project/iconsub/internal/expander"
	"github.com/icon-project/iconsub/internal/filter"
	"github.com/icon-project/iconsub/internal/metrics"
	"github.com/icon-project/iconsub/internal/pubbuffer"
	"github.com/icon-project/iconsub/internal/rpcclient"
	"github.com/icon-project/iconsub/internal/wsconn"
)

// State is one of the Session's lifecycle states, per spec.md §4.5.
type State string

const (
	StateStarting     State = "starting"
	StateConnecting   State = "connecting"
	StateUpgrading    State = "upgrading"
	StateInitializing State = "initializing"
	StateSettingUp    State = "setting_up"
	StateConsuming    State = "consuming"
	StateWaiting      State = "waiting"
	StateTerminating  State = "terminating"
)

// Publisher is the out-of-scope pub/sub dispatcher sink; it must be safe
// for concurrent use, per spec.md §5.
type Publisher interface {
	Publish(channel string, message interface{})
}

// Dialer abstracts the WebSocket dial step so tests can substitute a fake
// transport without a real network connection.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)
}

// Conn is the minimal WebSocket surface the Session drives.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() ([]byte, error)
	Close() error
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	return wsconn.Dial(ctx, url, header)
}

// Session owns one Subscription's WebSocket lifecycle, per spec.md §3.
type Session struct {
	wsURL  string
	header http.Header
	dialer Dialer

	rpcClient *rpcclient.Client
	expander  *expander.Expander

	subMu sync.Mutex
	sub   filter.Subscription

	buffer     *pubbuffer.Buffer
	backoffCtl *backoff.Backoff

	publisher Publisher
	channel   string
	logger    *log.Logger
	metrics   *metrics.Metrics

	stateMu sync.Mutex
	state   State

	connMu sync.Mutex
	conn   Conn
}

// Options configures a new Session.
type Options struct {
	WSURL      string
	Header     http.Header
	RPCClient  *rpcclient.Client
	Publisher  Publisher
	Channel    string
	BackoffCfg backoff.Config
	Logger     *log.Logger
	Dialer     Dialer // nil uses the real gorilla/websocket dialer
	Metrics    *metrics.Metrics
}

// New constructs a Session for sub, bound to the endpoints and sink in
// opts.
func New(sub filter.Subscription, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = gorillaDialer{}
	}
	maxBuf := sub.MaxBufferSize
	if maxBuf <= 0 {
		maxBuf = 1000
	}
	sub.MaxBufferSize = maxBuf

	s := &Session{
		wsURL:      opts.WSURL,
		header:     opts.Header,
		dialer:     dialer,
		rpcClient:  opts.RPCClient,
		expander:   expander.New(opts.RPCClient),
		sub:        sub,
		backoffCtl: backoff.New(opts.BackoffCfg),
		publisher:  opts.Publisher,
		channel:    opts.Channel,
		logger:     logger,
		metrics:    opts.Metrics,
		state:      StateStarting,
	}
	s.buffer = pubbuffer.New(maxBuf, extractHeight, s.publishMessages, s.advanceResumeHeight, s.onExpansionFailed)
	return s
}

func extractHeight(m interface{}) (*big.Int, bool) {
	switch v := m.(type) {
	case *expander.BlockTick:
		return v.Height, true
	case *expander.EventLog:
		return nil, false
	default:
		_ = v
		return nil, false
	}
}

func (s *Session) publishMessages(messages []interface{}) {
	if s.State() == StateTerminating {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordDelivered(s.channel, len(messages))
		s.metrics.SetBufferDepth(s.channel, s.buffer.Size())
	}
	if s.publisher == nil {
		return
	}
	for _, m := range messages {
		s.publisher.Publish(s.channel, m)
	}
}

func (s *Session) advanceResumeHeight(height *big.Int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.sub.ResumeHeight = new(big.Int).Set(height)
}

// onExpansionFailed is the Buffer's signal (spec.md §4.4) that a sequence
// number failed and the Session must back off. Closing the live socket
// wakes the blocked read loop, which routes the Session through the
// ordinary error-reconnect path.
func (s *Session) onExpansionFailed(err error) {
	s.logger.Printf("session: expansion failed, backing off: %v", err)
	if s.metrics != nil {
		s.metrics.RecordExpansionFailure(s.channel)
	}
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	if s.metrics != nil {
		s.metrics.SetSessionState(s.channel, string(st))
	}
}

// ResumeHeight returns a copy of the subscription's current resume
// height, or nil if it has not yet been resolved from "latest".
func (s *Session) ResumeHeight() *big.Int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub.ResumeHeight == nil {
		return nil
	}
	return new(big.Int).Set(s.sub.ResumeHeight)
}

// SetResumeHeight seeds the resume height, used by the Supervisor to carry
// it over a Session restart.
func (s *Session) SetResumeHeight(height *big.Int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if height == nil {
		s.sub.ResumeHeight = nil
		return
	}
	s.sub.ResumeHeight = new(big.Int).Set(height)
}

func (s *Session) snapshotSubscription() filter.Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	sub := s.sub
	if sub.ResumeHeight != nil {
		sub.ResumeHeight = new(big.Int).Set(sub.ResumeHeight)
	}
	return sub
}

// Run drives the Session until ctx is cancelled, reconnecting with
// backoff on transport/protocol errors and with immediate resume on
// backpressure drains, per spec.md §4.5.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(StateTerminating)
	for {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.connectAndConsume(ctx)
		switch outcome {
		case outcomeDone:
			return
		case outcomeWaiting:
			s.setState(StateWaiting)
			s.waitForDrain(ctx)
			if ctx.Err() != nil {
				return
			}
		case outcomeError:
			if err != nil {
				s.logger.Printf("session: %v", err)
			}
			delay := s.backoffCtl.Next()
			if s.metrics != nil {
				s.metrics.RecordReconnect(s.channel, delay)
			}
			s.setState(StateConnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

type connectOutcome int

const (
	outcomeError connectOutcome = iota
	outcomeWaiting
	outcomeDone
)

func (s *Session) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.buffer.DrainedEnough() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) resolveResumeHeight(ctx context.Context) error {
	s.subMu.Lock()
	needsResolve := s.sub.ResumeHeight == nil
	s.subMu.Unlock()
	if !needsResolve {
		return nil
	}
	block, err := s.rpcClient.GetLastBlock(ctx)
	if err != nil {
		return fmt.Errorf("resolve latest resume height: %w", err)
	}
	height, err := block.DecodedHeight()
	if err != nil {
		return fmt.Errorf("resolve latest resume height: %w", err)
	}
	s.subMu.Lock()
	s.sub.ResumeHeight = height
	s.subMu.Unlock()
	return nil
}

type ackFrame struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// connectAndConsume runs one full connection attempt: dial, subscribe,
// and read frames until the connection fails, is asked to back off, or
// the buffer fills and backpressure must be applied.
func (s *Session) connectAndConsume(ctx context.Context) (connectOutcome, error) {
	s.setState(StateConnecting)
	if err := s.resolveResumeHeight(ctx); err != nil {
		return outcomeError, err
	}

	s.setState(StateUpgrading)
	conn, _, err := s.dialer.Dial(ctx, s.wsURL, s.header)
	if err != nil {
		return outcomeError, fmt.Errorf("websocket upgrade: %w", err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		conn.Close()
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
	}()

	s.setState(StateInitializing)
	subMsg, err := filter.Encode(s.snapshotSubscription())
	if err != nil {
		return outcomeError, fmt.Errorf("encode subscription: %w", err)
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		return outcomeError, fmt.Errorf("write subscription frame: %w", err)
	}

	s.setState(StateSettingUp)
	first, err := conn.ReadMessage()
	if err != nil {
		return outcomeError, fmt.Errorf("read subscription ack: %w", err)
	}
	var ack ackFrame
	if err := json.Unmarshal(first, &ack); err != nil {
		return outcomeError, fmt.Errorf("decode subscription ack: %w", err)
	}
	if ack.Code != 0 {
		s.logger.Printf("session: server rejected subscription: code=%d message=%s", ack.Code, ack.Message)
		return outcomeError, fmt.Errorf("server rejected subscription: code=%d message=%s", ack.Code, ack.Message)
	}

	s.setState(StateConsuming)
	s.backoffCtl.Reset()

	for {
		if ctx.Err() != nil {
			return outcomeDone, nil
		}
		if s.buffer.Full() {
			return outcomeWaiting, nil
		}
		data, err := conn.ReadMessage()
		if err != nil {
			return outcomeError, fmt.Errorf("read notification: %w", err)
		}
		seq := s.buffer.Assign()
		go s.expandAndComplete(ctx, seq, data)
	}
}

func (s *Session) expandAndComplete(ctx context.Context, seq uint64, data []byte) {
	sub := s.snapshotSubscription()
	msgs, err := s.expander.Expand(ctx, data, sub.Source)
	if err != nil {
		s.buffer.Complete(seq, pubbuffer.Failed(err))
		return
	}
	s.buffer.Complete(seq, pubbuffer.Ok(msgs))
}

// Terminate transitions the Session to terminating and closes any live
// socket; the contract is "unsubscribe means stop" (spec.md §5): pending
// buffered messages are dropped.
func (s *Session) Terminate() {
	s.setState(StateTerminating)
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
