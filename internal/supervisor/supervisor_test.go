package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/icon-project/iconsub/internal/backoff"
	"github.com/icon-project/iconsub/internal/filter"
	"github.com/icon-project/iconsub/internal/rpcclient"
	"github.com/icon-project/iconsub/internal/session"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(frames ...[]byte) *fakeConn {
	return &fakeConn{frames: frames, closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	_, err := json.Marshal(v)
	return err
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	if c.idx < len(c.frames) {
		f := c.frames[c.idx]
		c.idx++
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()
	<-c.closed
	return nil, errors.New("fake connection closed")
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (session.Conn, *http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := d.conns[d.calls%len(d.conns)]
	d.calls++
	return conn, &http.Response{StatusCode: http.StatusSwitchingProtocols}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []interface{}
}

func (p *fakePublisher) Publish(channel string, message interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func newFakeNode(t *testing.T, height string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcclient.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		block := rpcclient.Block{Height: height, BlockHash: "0x" + repeat("ab", 32)}
		body, _ := json.Marshal(block)
		resp := rpcclient.Response{JSONRPC: "2.0", ID: req.ID, Result: body}
		json.NewEncoder(w).Encode(resp)
	}))
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSupervisorReachesConsumingAndStopsCleanly(t *testing.T) {
	node := newFakeNode(t, "0x1")
	defer node.Close()
	client := rpcclient.New(node.URL, nil)

	ack := []byte(`{"code":0,"message":"ok"}`)
	heartbeat := []byte(`{"height":"0x1","hash":"0x` + repeat("ab", 32) + `"}`)
	recovering := newFakeConn(ack, heartbeat)
	dialer := &fakeDialer{conns: []*fakeConn{recovering}}

	pub := &fakePublisher{}
	sub := filter.Subscription{
		Source:        filter.SourceBlock,
		ResumeHeight:  big.NewInt(1),
		MaxBufferSize: 10,
	}
	sv := New(sub, session.Options{
		WSURL:      "ws://fake",
		RPCClient:  client,
		Publisher:  pub,
		Channel:    "blocks",
		BackoffCfg: backoff.Config{MaxRetries: 2, SlotSize: 1},
		Dialer:     dialer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sv.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return pub.count() > 0 })
	if sv.State() != session.StateConsuming {
		t.Errorf("state = %s, want consuming", sv.State())
	}
	if sv.Handle().IsZero() {
		t.Error("expected a non-zero StreamHandle")
	}

	recovering.Close()
	cancel()
	sv.Stop()
}

func TestRegistryTracksSupervisors(t *testing.T) {
	node := newFakeNode(t, "0x1")
	defer node.Close()
	client := rpcclient.New(node.URL, nil)

	ack := []byte(`{"code":0,"message":"ok"}`)
	conn := newFakeConn(ack)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	pub := &fakePublisher{}
	sub := filter.Subscription{
		Source:        filter.SourceBlock,
		ResumeHeight:  big.NewInt(1),
		MaxBufferSize: 10,
	}
	sv := New(sub, session.Options{
		WSURL:      "ws://fake",
		RPCClient:  client,
		Publisher:  pub,
		Channel:    "blocks",
		BackoffCfg: backoff.Config{MaxRetries: 2, SlotSize: 1},
		Dialer:     dialer,
	})

	reg := NewRegistry()
	reg.Add(sv)
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
	got, ok := reg.Get(sv.Handle())
	if !ok || got != sv {
		t.Fatal("Get did not return the registered Supervisor")
	}

	reg.Remove(sv.Handle())
	if reg.Len() != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", reg.Len())
	}
}
