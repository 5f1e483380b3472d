// Package iconsub is a streaming subscription client for an ICON-style
// JSON-RPC/WebSocket node: it subscribes to new blocks or contract events,
// expands the compact wire notifications into concrete typed messages, and
// delivers them to a caller-supplied Publisher in strict height order,
// resuming from the last delivered height after a reconnect. Notifications
// the node replays for a height already delivered are not filtered out and
// reach the Publisher again.
package iconsub

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/icon-project/iconsub/internal/backoff"
	"github.com/icon-project/iconsub/internal/filter"
	"github.com/icon-project/iconsub/internal/metrics"
	"github.com/icon-project/iconsub/internal/rpcclient"
	"github.com/icon-project/iconsub/internal/session"
	"github.com/icon-project/iconsub/internal/supervisor"
)

// Publisher is the downstream sink a Subscribe call delivers messages to.
// Implementations must be safe for concurrent use.
type Publisher = session.Publisher

// StreamHandle identifies one active subscription, returned by Subscribe
// and passed to Unsubscribe.
type StreamHandle = supervisor.StreamHandle

// Source selects whether a subscription streams block notifications or
// contract event notifications.
type Source = filter.Source

const (
	SourceBlock = filter.SourceBlock
	SourceEvent = filter.SourceEvent
)

// EventFilter narrows an event-source subscription to one contract event
// signature, optionally scoped to a contract address and indexed/data
// match values.
type EventFilter = filter.EventFilter

// State is a subscription's current Session lifecycle state.
type State = session.State

// Client is a connection-pooled handle to one node, shared across every
// subscription opened through it.
type Client struct {
	rpcClient  *rpcclient.Client
	wsEndpoint string
	backoffCfg backoff.Config
	metrics    *metrics.Metrics
	registry   *supervisor.Registry
}

// ClientOptions configures a new Client.
type ClientOptions struct {
	// Endpoint is the JSON-RPC HTTP endpoint (e.g. https://node/api/v3).
	Endpoint string
	// WSEndpoint is the WebSocket endpoint subscriptions dial (e.g.
	// wss://node/api/v3/icon_dex).
	WSEndpoint string
	// HTTPClient is used for JSON-RPC calls; nil uses http.DefaultClient.
	HTTPClient *http.Client
	// Backoff tunes the reconnect delay formula; the zero value takes
	// spec defaults (3 max retries, slot size 10).
	Backoff backoff.Config
	// Metrics, if set, receives Prometheus instrumentation for every
	// subscription opened through this Client.
	Metrics *metrics.Metrics
}

// NewClient returns a Client bound to opts.Endpoint/opts.WSEndpoint.
func NewClient(opts ClientOptions) *Client {
	return &Client{
		rpcClient:  rpcclient.New(opts.Endpoint, opts.HTTPClient),
		wsEndpoint: opts.WSEndpoint,
		backoffCfg: opts.Backoff,
		metrics:    opts.Metrics,
		registry:   supervisor.NewRegistry(),
	}
}

// RPC returns the underlying JSON-RPC client, for the convenience API
// methods (GetBalance, GetTransactionResult, WaitTransactionResult, ...)
// that sit alongside subscriptions rather than inside them.
func (c *Client) RPC() *rpcclient.Client {
	return c.rpcClient
}

// SubscribeOptions describes one subscription to open.
type SubscribeOptions struct {
	// Channel labels this subscription's messages for the Publisher and
	// for metrics; it does not need to be globally unique.
	Channel string
	// Source selects block or event notifications.
	Source Source
	// ResumeHeight is the first height to deliver from; nil resolves to
	// the chain's current tip at connect time.
	ResumeHeight *big.Int
	// MaxBufferSize bounds the Ordered Publication Buffer; <= 0 takes a
	// default of 1000.
	MaxBufferSize int
	// Filters narrows an event-source subscription. Exactly one filter is
	// required for Source == SourceEvent; Source == SourceBlock accepts
	// zero or more.
	Filters []EventFilter
	// Publisher receives every delivered message, in order.
	Publisher Publisher
}

// Subscribe opens a new subscription and starts its Session in the
// background, returning a handle to track or stop it. ctx bounds the
// subscription's lifetime; cancelling it tears the subscription down the
// same as calling Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions) (StreamHandle, error) {
	if opts.Channel == "" {
		return StreamHandle{}, fmt.Errorf("iconsub: Channel is required")
	}
	if opts.Publisher == nil {
		return StreamHandle{}, fmt.Errorf("iconsub: Publisher is required")
	}
	if opts.Source == SourceEvent && len(opts.Filters) != 1 {
		return StreamHandle{}, fmt.Errorf("iconsub: event-source subscriptions require exactly one filter, got %d", len(opts.Filters))
	}

	sub := filter.Subscription{
		Source:        opts.Source,
		ResumeHeight:  opts.ResumeHeight,
		Filters:       opts.Filters,
		MaxBufferSize: opts.MaxBufferSize,
		Endpoint:      c.wsEndpoint,
	}
	sessOpts := session.Options{
		WSURL:      c.wsEndpoint,
		RPCClient:  c.rpcClient,
		Publisher:  opts.Publisher,
		Channel:    opts.Channel,
		BackoffCfg: c.backoffCfg,
		Metrics:    c.metrics,
	}

	sv := supervisor.New(sub, sessOpts)
	c.registry.Add(sv)
	sv.Start(ctx)
	if c.metrics != nil {
		c.metrics.SetActiveSubscriptions(c.registry.Len())
	}
	return sv.Handle(), nil
}

// Unsubscribe stops the subscription identified by handle, discarding any
// messages still buffered for it.
func (c *Client) Unsubscribe(handle StreamHandle) error {
	sv, ok := c.registry.Get(handle)
	if !ok {
		return fmt.Errorf("iconsub: unknown subscription %s", handle)
	}
	sv.Stop()
	c.registry.Remove(handle)
	if c.metrics != nil {
		c.metrics.SetActiveSubscriptions(c.registry.Len())
	}
	return nil
}

// State reports the current lifecycle state of the subscription
// identified by handle.
func (c *Client) State(handle StreamHandle) (State, error) {
	sv, ok := c.registry.Get(handle)
	if !ok {
		return "", fmt.Errorf("iconsub: unknown subscription %s", handle)
	}
	return sv.State(), nil
}

// ActiveSubscriptions returns the handles of every subscription currently
// open through this Client.
func (c *Client) ActiveSubscriptions() []StreamHandle {
	svs := c.registry.List()
	out := make([]StreamHandle, len(svs))
	for i, sv := range svs {
		out[i] = sv.Handle()
	}
	return out
}

// Close stops every open subscription and blocks until each has torn
// down.
func (c *Client) Close() {
	c.registry.StopAll()
	if c.metrics != nil {
		c.metrics.SetActiveSubscriptions(0)
	}
}
