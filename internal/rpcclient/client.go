// Package rpcclient implements the JSON-RPC 2.0 HTTP client used to talk to
// the node: block/transaction lookups for the Notification Expander, plus
// the convenience-API methods spec.md §6 lists as consumers of this layer.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/icon-project/iconsub/internal/codec"
	"github.com/icon-project/iconsub/internal/rpcerr"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      uint64                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client is a shared, connection-pooled JSON-RPC 2.0 client. A single
// Client may be used concurrently across subscriptions, per spec.md §5.
type Client struct {
	endpoint   string
	httpClient *http.Client
	nextID     uint64
}

// New returns a Client bound to endpoint. A nil httpClient uses
// http.DefaultClient.
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, httpClient: httpClient}
}

// Call issues a JSON-RPC request and unmarshals the result into out (which
// may be nil if the caller only cares about the error). A non-nil error is
// always a *rpcerr.Error when the node replied with a JSON-RPC error
// object; transport failures are returned as plain errors.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	id := atomic.AddUint64(&c.nextID, 1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var rpcResp Response
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		var data interface{}
		if len(rpcResp.Error.Data) > 0 {
			_ = json.Unmarshal(rpcResp.Error.Data, &data)
		}
		return rpcerr.Classify(rpcResp.Error.Code, rpcResp.Error.Message, data)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// ---- Wire shapes ----

// Transaction is a confirmed transaction entry as it appears in
// confirmed_transaction_list.
type Transaction struct {
	TxHash string `json:"txHash"`
}

// Block is the getBlockByHeight/getBlockByHash result, kept in wire form;
// callers decode Height/BlockHash through codec.
type Block struct {
	Height                   string        `json:"height"`
	BlockHash                string        `json:"block_hash"`
	ConfirmedTransactionList []Transaction `json:"confirmed_transaction_list"`
}

// DecodedHeight parses Height as a non-negative integer.
func (b *Block) DecodedHeight() (*big.Int, error) {
	return codec.LoadNonNegInteger(b.Height)
}

// DecodedHash parses BlockHash.
func (b *Block) DecodedHash() (codec.Hash, error) {
	return codec.LoadHash(b.BlockHash)
}

// EventLog is a single emitted log as it appears in a transaction result's
// eventLogs list, kept in wire form; the Expander decodes Indexed/Data
// positionally against the subscription filter's parsed type list.
type EventLog struct {
	ScoreAddress string   `json:"scoreAddress"`
	Indexed      []string `json:"indexed"`
	Data         []string `json:"data"`
}

// TransactionResult is the getTransactionResult payload.
type TransactionResult struct {
	TxHash     string     `json:"txHash"`
	Status     string     `json:"status"`
	EventLogs  []EventLog `json:"eventLogs"`
}

// ---- Typed RPC methods ----

// GetLastBlock determines the current chain tip, used to resolve a
// "latest" resume height.
func (c *Client) GetLastBlock(ctx context.Context) (*Block, error) {
	var b Block
	if err := c.Call(ctx, "icx_getLastBlock", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlockByHeight fetches the block the Expander needs to resolve a
// notification's transaction indices.
func (c *Client) GetBlockByHeight(ctx context.Context, height *big.Int) (*Block, error) {
	wire, err := codec.DumpNonNegInteger(height)
	if err != nil {
		return nil, err
	}
	var b Block
	if err := c.Call(ctx, "icx_getBlockByHeight", map[string]interface{}{"height": wire}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlockByHash fetches a block by its hash.
func (c *Client) GetBlockByHash(ctx context.Context, hash codec.Hash) (*Block, error) {
	var b Block
	if err := c.Call(ctx, "icx_getBlockByHash", map[string]interface{}{"hash": string(hash)}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBalance returns an account's balance.
func (c *Client) GetBalance(ctx context.Context, addr codec.Address) (*big.Int, error) {
	var result string
	if err := c.Call(ctx, "icx_getBalance", map[string]interface{}{"address": string(addr)}, &result); err != nil {
		return nil, err
	}
	return codec.LoadNonNegInteger(result)
}

// GetScoreAPI returns the raw SCORE API description for a contract.
func (c *Client) GetScoreAPI(ctx context.Context, addr codec.Address) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.Call(ctx, "icx_getScoreApi", map[string]interface{}{"address": string(addr)}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetTotalSupply returns the total ICX supply.
func (c *Client) GetTotalSupply(ctx context.Context) (*big.Int, error) {
	var result string
	if err := c.Call(ctx, "icx_getTotalSupply", nil, &result); err != nil {
		return nil, err
	}
	return codec.LoadNonNegInteger(result)
}

// GetTransactionResult fetches a transaction's receipt, including its
// event logs, for the Expander to filter and decode.
func (c *Client) GetTransactionResult(ctx context.Context, txHash codec.Hash) (*TransactionResult, error) {
	var result TransactionResult
	if err := c.Call(ctx, "icx_getTransactionResult", map[string]interface{}{"txHash": string(txHash)}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTransactionByHash fetches the raw transaction body.
func (c *Client) GetTransactionByHash(ctx context.Context, txHash codec.Hash) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.Call(ctx, "icx_getTransactionByHash", map[string]interface{}{"txHash": string(txHash)}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// WaitTransactionResult polls the node with a server-side wait timeout,
// used by the out-of-scope convenience API (e.g. transfer/install_score).
func (c *Client) WaitTransactionResult(ctx context.Context, txHash codec.Hash, timeout time.Duration) (*TransactionResult, error) {
	ms := timeout.Milliseconds()
	var result TransactionResult
	params := map[string]interface{}{
		"txHash":  string(txHash),
		"timeout": fmt.Sprintf("0x%x", ms),
	}
	if err := c.Call(ctx, "icx_waitTransactionResult", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
