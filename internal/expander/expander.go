// Package expander resolves a raw wire notification (height, block hash,
// and compact transaction/event-log indices) into a concrete sequence of
// BlockTick and EventLog messages, per spec.md §4.3. It is the component
// that performs network I/O (block + transaction fetch) inside each
// Session's per-notification expansion task.
package expander

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/icon-project/iconsub/internal/codec"
	"github.com/icon-project/iconsub/internal/filter"
	"github.com/icon-project/iconsub/internal/rpcclient"
	"github.com/icon-project/iconsub/internal/rpcerr"
)

// BlockTick is the minimal block notification: height and block hash,
// without transaction bodies.
type BlockTick struct {
	Height    *big.Int
	BlockHash codec.Hash
}

// EventLog is a fully decoded, concrete event log ready for delivery.
type EventLog struct {
	ScoreAddress codec.Address
	Header       string
	Name         string
	Indexed      []interface{}
	Data         []interface{}
}

// Expander fetches blocks and transaction results through an RPC client
// and expands raw notifications into ordered message sequences.
type Expander struct {
	Client *rpcclient.Client
}

// New returns an Expander backed by client.
func New(client *rpcclient.Client) *Expander {
	return &Expander{Client: client}
}

type wireNotification struct {
	Height  string          `json:"height"`
	Hash    string          `json:"hash"`
	Index   json.RawMessage `json:"index,omitempty"`
	Indexes [][]string      `json:"indexes,omitempty"`
	Events  json.RawMessage `json:"events,omitempty"`
}

// txEventSet accumulates, per transaction index, the deduplicated ordered
// list of event-log indices referenced by one or more filters.
type txEventSet struct {
	order map[string]int
	keys  []string
	seen  []map[string]bool
	lists [][]string
}

func newTxEventSet() *txEventSet {
	return &txEventSet{order: make(map[string]int)}
}

func (s *txEventSet) add(tx string, events []string) {
	i, ok := s.order[tx]
	if !ok {
		i = len(s.keys)
		s.order[tx] = i
		s.keys = append(s.keys, tx)
		s.seen = append(s.seen, make(map[string]bool))
		s.lists = append(s.lists, nil)
	}
	for _, e := range events {
		if !s.seen[i][e] {
			s.seen[i][e] = true
			s.lists[i] = append(s.lists[i], e)
		}
	}
}

// sortedTxIndices returns the transaction indices in ascending numeric
// order, matching the "(tx_index, event_index) lexicographic order" output
// requirement of spec.md §4.3 step 7.
func (s *txEventSet) sortedTxIndices() ([]string, error) {
	out := append([]string(nil), s.keys...)
	var sortErr error
	sort.Slice(out, func(i, j int) bool {
		a, err := codec.LoadNonNegInteger(out[i])
		if err != nil {
			sortErr = err
			return false
		}
		b, err := codec.LoadNonNegInteger(out[j])
		if err != nil {
			sortErr = err
			return false
		}
		return a.Cmp(b) < 0
	})
	return out, sortErr
}

func (s *txEventSet) eventsFor(tx string) []string {
	i, ok := s.order[tx]
	if !ok {
		return nil
	}
	list := append([]string(nil), s.lists[i]...)
	sort.Slice(list, func(a, b int) bool {
		av, _ := codec.LoadNonNegInteger(list[a])
		bv, _ := codec.LoadNonNegInteger(list[b])
		if av == nil || bv == nil {
			return list[a] < list[b]
		}
		return av.Cmp(bv) < 0
	})
	return list
}

// parseRaw decodes a raw wire frame into height, hash, and the flattened
// tx_index -> event-log-index set, per spec.md §4.3 step 1-2.
func parseRaw(raw []byte) (height, hash string, set *txEventSet, err error) {
	var w wireNotification
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", "", nil, rpcerr.InvalidParams("notification is not valid JSON: %s", err)
	}
	set = newTxEventSet()

	switch {
	case len(w.Index) > 0:
		// event shape: {height, hash, index, events:[idx]}
		var idx string
		if err := json.Unmarshal(w.Index, &idx); err != nil {
			return "", "", nil, rpcerr.InvalidParams("notification index is invalid")
		}
		var events []string
		if len(w.Events) > 0 {
			if err := json.Unmarshal(w.Events, &events); err != nil {
				return "", "", nil, rpcerr.InvalidParams("notification events is invalid")
			}
		}
		set.add(idx, events)
	case len(w.Indexes) > 0:
		// block shape: {height, hash, indexes:[[idx,...],...], events:[[[evt_idx,...],...],...]}
		var eventsByFilter [][][]string
		if len(w.Events) > 0 {
			if err := json.Unmarshal(w.Events, &eventsByFilter); err != nil {
				return "", "", nil, rpcerr.InvalidParams("notification events is invalid")
			}
		}
		for fi, txIndices := range w.Indexes {
			for ti, tx := range txIndices {
				var evts []string
				if fi < len(eventsByFilter) && ti < len(eventsByFilter[fi]) {
					evts = eventsByFilter[fi][ti]
				}
				set.add(tx, evts)
			}
		}
	default:
		// heartbeat: height+hash only, no transactions.
	}

	return w.Height, w.Hash, set, nil
}

// Expand resolves raw into a BlockTick followed by zero or more decoded
// EventLogs, per spec.md §4.3. The returned slice elements are *BlockTick
// or *EventLog. source controls whether the BlockTick's hash comes from
// the notification itself (block source) or the fetched block body (event
// source), per spec.md §4.3 notes.
func (e *Expander) Expand(ctx context.Context, raw []byte, source filter.Source) ([]interface{}, error) {
	heightWire, hashWire, set, err := parseRaw(raw)
	if err != nil {
		return nil, err
	}

	height, err := codec.LoadNonNegInteger(heightWire)
	if err != nil {
		return nil, rpcerr.InvalidParams("height is invalid")
	}

	block, err := e.Client.GetBlockByHeight(ctx, height)
	if err != nil {
		return nil, err
	}

	tickHash, err := resolveTickHash(source, hashWire, block)
	if err != nil {
		return nil, err
	}

	messages := []interface{}{&BlockTick{Height: height, BlockHash: tickHash}}

	txIndices, err := set.sortedTxIndices()
	if err != nil {
		return nil, rpcerr.InvalidParams("transaction index is invalid")
	}

	for _, txIdx := range txIndices {
		txHashWire, err := resolveConfirmedTxHash(block, txIdx, height)
		if err != nil {
			return nil, err
		}
		txHash, err := codec.LoadHash(txHashWire)
		if err != nil {
			return nil, rpcerr.ServerError("transaction hash %q on block with height %s is invalid", txHashWire, height.String())
		}

		result, err := e.Client.GetTransactionResult(ctx, txHash)
		if err != nil {
			return nil, err
		}

		wanted := make(map[string]bool)
		for _, idx := range set.eventsFor(txIdx) {
			wanted[idx] = true
		}

		logs, err := selectAndDecodeLogs(result.EventLogs, wanted)
		if err != nil {
			return nil, err
		}
		for _, l := range logs {
			messages = append(messages, l)
		}
	}

	return messages, nil
}

func resolveTickHash(source filter.Source, notificationHash string, block *rpcclient.Block) (codec.Hash, error) {
	if source == filter.SourceBlock {
		h, err := codec.LoadHash(notificationHash)
		if err != nil {
			return "", rpcerr.InvalidParams("hash is invalid")
		}
		return h, nil
	}
	return block.DecodedHash()
}

func resolveConfirmedTxHash(block *rpcclient.Block, txIdxWire string, height *big.Int) (string, error) {
	txIdx, err := codec.LoadNonNegInteger(txIdxWire)
	if err != nil {
		return "", rpcerr.InvalidParams("transaction index %q is invalid", txIdxWire)
	}
	if !txIdx.IsInt64() {
		return "", rpcerr.ServerError("cannot find the transaction index %s on block with height %s", txIdx.String(), height.String())
	}
	i := int(txIdx.Int64())
	if i < 0 || i >= len(block.ConfirmedTransactionList) {
		return "", rpcerr.ServerError("cannot find the transaction index %d on block with height %s", i, height.String())
	}
	return block.ConfirmedTransactionList[i].TxHash, nil
}

// selectAndDecodeLogs picks the event logs at the wanted indices, in
// ascending index order, and decodes each one.
func selectAndDecodeLogs(all []rpcclient.EventLog, wanted map[string]bool) ([]*EventLog, error) {
	indices := make([]int, 0, len(wanted))
	seen := make(map[int]bool)
	for k := range wanted {
		v, err := codec.LoadNonNegInteger(k)
		if err != nil || !v.IsInt64() {
			return nil, rpcerr.ServerError("event log index %q is invalid", k)
		}
		idx := int(v.Int64())
		if idx < 0 || idx >= len(all) {
			return nil, rpcerr.ServerError("event log index %d is out of range", idx)
		}
		if !seen[idx] {
			seen[idx] = true
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	out := make([]*EventLog, 0, len(indices))
	for _, idx := range indices {
		decoded, err := decodeEventLog(all[idx])
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

// decodeEventLog parses a raw event log's signature and typed-decodes its
// remaining indexed and data parameters positionally, per spec.md §4.3
// step 6. Decoding is strict: any failure aborts the whole notification.
func decodeEventLog(raw rpcclient.EventLog) (*EventLog, error) {
	if len(raw.Indexed) == 0 {
		return nil, rpcerr.ServerError("event log has no signature")
	}
	header := raw.Indexed[0]
	types, err := filter.ParseSignature(header)
	if err != nil {
		return nil, err
	}

	rest := raw.Indexed[1:]
	if len(rest)+len(raw.Data) != len(types) {
		return nil, rpcerr.ServerError("event log %q has %d params but signature declares %d", header, len(rest)+len(raw.Data), len(types))
	}

	indexed, err := decodeTypedValues(types[:len(rest)], rest)
	if err != nil {
		return nil, err
	}
	data, err := decodeTypedValues(types[len(rest):], raw.Data)
	if err != nil {
		return nil, err
	}

	addr, err := codec.LoadContractAddress(raw.ScoreAddress)
	if err != nil {
		return nil, rpcerr.ServerError("event log scoreAddress %q is invalid", raw.ScoreAddress)
	}

	name := header
	if i := indexOf(header, '('); i >= 0 {
		name = header[:i]
	}

	return &EventLog{
		ScoreAddress: addr,
		Header:       header,
		Name:         name,
		Indexed:      indexed,
		Data:         data,
	}, nil
}

func decodeTypedValues(types []filter.ParamType, values []string) ([]interface{}, error) {
	out := make([]interface{}, len(values))
	for i, v := range values {
		decoded, err := decodeTyped(types[i], v)
		if err != nil {
			return nil, err
		}
		out[i] = decoded
	}
	return out, nil
}

// decodeTyped decodes a single wire value through the filter package's
// per-type Schema registry, the same dispatch EncodeFilter uses in the
// opposite direction.
func decodeTyped(t filter.ParamType, v string) (interface{}, error) {
	decoded, err := filter.LoadTyped(t, v)
	if err != nil {
		return nil, rpcerr.ServerError("%s value %q: %s", t, v, err)
	}
	return decoded, nil
}

func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
