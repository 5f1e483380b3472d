package expander

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/icon-project/iconsub/internal/filter"
	"github.com/icon-project/iconsub/internal/rpcclient"
	"github.com/icon-project/iconsub/internal/rpcerr"
)

func hex32(b byte) string {
	out := make([]byte, 0, 64)
	for i := 0; i < 32; i++ {
		out = append(out, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return "0x" + string(out)
}

var hexDigits = []byte("0123456789abcdef")

func hexAddr(prefix string, b byte) string {
	out := make([]byte, 0, 40)
	for i := 0; i < 20; i++ {
		out = append(out, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return prefix + string(out)
}

// newFakeNode builds an httptest server that answers icx_getBlockByHeight
// and icx_getTransactionResult from fixed fixtures, routed by method name.
func newFakeNode(t *testing.T, block rpcclient.Block, results map[string]rpcclient.TransactionResult) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcclient.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resp := rpcclient.Response{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "icx_getBlockByHeight":
			result, _ := json.Marshal(block)
			resp.Result = result
		case "icx_getTransactionResult":
			txHash, _ := req.Params["txHash"].(string)
			tr, ok := results[txHash]
			if !ok {
				t.Fatalf("no fixture for txHash %q", txHash)
			}
			result, _ := json.Marshal(tr)
			resp.Result = result
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestExpandBlockSourceScenario1(t *testing.T) {
	txHash := hex32(0x11)
	block := rpcclient.Block{
		Height:    "0x2a",
		BlockHash: hex32(0xc7),
		ConfirmedTransactionList: []rpcclient.Transaction{
			{TxHash: hex32(0x01)},
			{TxHash: txHash},
		},
	}
	addrA := hexAddr("hx", 0xaa)
	addrB := hexAddr("hx", 0xbb)
	results := map[string]rpcclient.TransactionResult{
		txHash: {
			TxHash: txHash,
			EventLogs: []rpcclient.EventLog{
				{
					ScoreAddress: hexAddr("cx", 0xcc),
					Indexed:      []string{"Transfer(Address,Address,int)", addrA, addrB},
					Data:         []string{"0x2a"},
				},
				{
					ScoreAddress: hexAddr("cx", 0xcc),
					Indexed:      []string{"Other(int)"},
					Data:         []string{"0x1"},
				},
			},
		},
	}
	srv := newFakeNode(t, block, results)
	defer srv.Close()

	e := New(rpcclient.New(srv.URL, srv.Client()))
	raw := []byte(`{"height":"0x2a","hash":"` + hex32(0xc7) + `","indexes":[["0x1"]],"events":[[["0x0"]]]}`)

	msgs, err := e.Expand(context.Background(), raw, filter.SourceBlock)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected BlockTick + 1 EventLog, got %d messages", len(msgs))
	}
	tick, ok := msgs[0].(*BlockTick)
	if !ok || tick.Height.String() != "42" {
		t.Fatalf("first message should be BlockTick at height 42, got %#v", msgs[0])
	}
	log, ok := msgs[1].(*EventLog)
	if !ok {
		t.Fatalf("second message should be EventLog, got %#v", msgs[1])
	}
	if log.Header != "Transfer(Address,Address,int)" {
		t.Errorf("header = %q", log.Header)
	}
	if log.Name != "Transfer" {
		t.Errorf("name = %q", log.Name)
	}
	if len(log.Indexed) != 2 || len(log.Data) != 1 {
		t.Errorf("unexpected arity: indexed=%d data=%d", len(log.Indexed), len(log.Data))
	}
}

func TestExpandEventSourceUsesFetchedBlockHash(t *testing.T) {
	txHash := hex32(0x22)
	fetchedHash := hex32(0x4e)
	block := rpcclient.Block{
		Height:                   "0x29",
		BlockHash:                fetchedHash,
		ConfirmedTransactionList: []rpcclient.Transaction{{TxHash: txHash}},
	}
	results := map[string]rpcclient.TransactionResult{
		txHash: {
			TxHash: txHash,
			EventLogs: []rpcclient.EventLog{
				{
					ScoreAddress: hexAddr("cx", 0xcc),
					Indexed:      []string{"Transfer(Address,Address,int)", hexAddr("hx", 0x1), hexAddr("hx", 0x2)},
					Data:         []string{"0x2a"},
				},
			},
		},
	}
	srv := newFakeNode(t, block, results)
	defer srv.Close()

	e := New(rpcclient.New(srv.URL, srv.Client()))
	notificationHash := hex32(0xc7) // the notification's own hash, should NOT be used for event source
	raw := []byte(`{"height":"0x29","hash":"` + notificationHash + `","index":"0x0","events":["0x0"]}`)

	msgs, err := e.Expand(context.Background(), raw, filter.SourceEvent)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	tick := msgs[0].(*BlockTick)
	if string(tick.BlockHash) != fetchedHash {
		t.Errorf("event-source BlockTick hash = %s, want fetched hash %s", tick.BlockHash, fetchedHash)
	}
}

func TestExpandHeartbeatHasNoEventLogs(t *testing.T) {
	block := rpcclient.Block{Height: "0x1", BlockHash: hex32(0x1)}
	srv := newFakeNode(t, block, nil)
	defer srv.Close()

	e := New(rpcclient.New(srv.URL, srv.Client()))
	raw := []byte(`{"height":"0x1","hash":"` + hex32(0x1) + `"}`)
	msgs, err := e.Expand(context.Background(), raw, filter.SourceBlock)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("heartbeat should produce exactly one BlockTick, got %d messages", len(msgs))
	}
}

func TestExpandInvalidHeight(t *testing.T) {
	e := New(rpcclient.New("http://unused", nil))
	raw := []byte(`{"height":"invalid","hash":"` + hex32(0x1) + `"}`)
	_, err := e.Expand(context.Background(), raw, filter.SourceBlock)
	if err == nil {
		t.Fatal("expected error for invalid height")
	}
	rpcErr, ok := err.(*rpcerr.Error)
	if !ok || rpcErr.Reason != rpcerr.ReasonInvalidParams {
		t.Fatalf("expected invalid_params error, got %#v", err)
	}
}

func TestExpandMissingTransactionIndex(t *testing.T) {
	block := rpcclient.Block{Height: "0x29", BlockHash: hex32(0x1)} // empty tx list
	srv := newFakeNode(t, block, nil)
	defer srv.Close()

	e := New(rpcclient.New(srv.URL, srv.Client()))
	raw := []byte(`{"height":"0x29","hash":"` + hex32(0x1) + `","indexes":[["0x1"]],"events":[[["0x0"]]]}`)
	_, err := e.Expand(context.Background(), raw, filter.SourceBlock)
	if err == nil {
		t.Fatal("expected error for missing tx index")
	}
	rpcErr, ok := err.(*rpcerr.Error)
	if !ok || rpcErr.Reason != rpcerr.ReasonServerError {
		t.Fatalf("expected server_error, got %#v", err)
	}
	want := "cannot find the transaction index 1 on block with height 41"
	if rpcErr.Message != want {
		t.Errorf("message = %q, want %q", rpcErr.Message, want)
	}
}
