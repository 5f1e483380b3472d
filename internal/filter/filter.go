// Package filter translates a user Subscription into the JSON subscription
// message the node expects as the first WebSocket text frame, per spec.md
// §4.2, and parses an event signature into its ordered parameter type list.
package filter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/icon-project/iconsub/internal/codec"
	"github.com/icon-project/iconsub/internal/rpcerr"
)

// Source names which kind of push stream a Subscription consumes.
type Source string

const (
	SourceBlock Source = "block"
	SourceEvent Source = "event"
)

// ParamType is one of the signature parameter type tags.
type ParamType string

const (
	ParamInt     ParamType = "int"
	ParamStr     ParamType = "str"
	ParamBytes   ParamType = "bytes"
	ParamBool    ParamType = "bool"
	ParamAddress ParamType = "Address"
)

// EventFilter is the immutable filter portion of a Subscription, per
// spec.md §3.
type EventFilter struct {
	EventSignature string
	Address        *codec.Address
	Indexed        []interface{} // positional match values; nil entry means wildcard
	Data           []interface{}
}

// Subscription is the immutable (apart from ResumeHeight) subscription
// request, per spec.md §3.
type Subscription struct {
	Source        Source
	ResumeHeight  *big.Int // nil means "latest"
	Filters       []EventFilter
	MaxBufferSize int
	Endpoint      string
}

// ParseSignature splits "Name(TypeA,TypeB,...)" into its ordered parameter
// type list, discarding the event name.
func ParseSignature(sig string) ([]ParamType, error) {
	open := strings.Index(sig, "(")
	close := strings.LastIndex(sig, ")")
	if open < 0 || close < open {
		return nil, rpcerr.InvalidParams("event signature %q is malformed", sig)
	}
	inner := sig[open+1 : close]
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	types := make([]ParamType, 0, len(parts))
	for _, p := range parts {
		t, err := mapTypeTag(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func mapTypeTag(tag string) (ParamType, error) {
	switch tag {
	case "int":
		return ParamInt, nil
	case "str":
		return ParamStr, nil
	case "bytes":
		return ParamBytes, nil
	case "bool":
		return ParamBool, nil
	case "Address":
		return ParamAddress, nil
	default:
		return "", rpcerr.InvalidParams("unknown parameter type %q", tag)
	}
}

// paramSchemas is the runtime-registered table of per-parameter-type
// load/dump behavior: encodeMatchList and decodeTypedValues (in the
// expander) both dispatch through it by ParamType instead of a hand-written
// type switch at each call site.
var paramSchemas = buildParamSchemas()

func buildParamSchemas() *codec.Registry {
	r := codec.NewRegistry()
	r.Register(string(ParamInt), codec.SchemaFunc{
		LoadFn: func(external interface{}) (interface{}, error) {
			s, ok := external.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported type %T", external)
			}
			return codec.LoadInteger(s)
		},
		DumpFn: func(internal interface{}) (interface{}, error) {
			switch x := internal.(type) {
			case *big.Int:
				return codec.DumpInteger(x)
			case int:
				return codec.DumpInteger(big.NewInt(int64(x)))
			case int64:
				return codec.DumpInteger(big.NewInt(x))
			default:
				return nil, fmt.Errorf("unsupported type %T", internal)
			}
		},
	})
	r.Register(string(ParamStr), codec.SchemaFunc{
		LoadFn: func(external interface{}) (interface{}, error) {
			s, ok := external.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported type %T", external)
			}
			return s, nil
		},
		DumpFn: func(internal interface{}) (interface{}, error) {
			s, ok := internal.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported type %T", internal)
			}
			return s, nil
		},
	})
	r.Register(string(ParamBytes), codec.SchemaFunc{
		LoadFn: func(external interface{}) (interface{}, error) {
			s, ok := external.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported type %T", external)
			}
			return codec.LoadBinaryData(s)
		},
		DumpFn: func(internal interface{}) (interface{}, error) {
			// A string without the 0x prefix is taken as raw bytes.
			if s, ok := internal.(string); ok && !strings.HasPrefix(strings.ToLower(s), "0x") {
				return codec.DumpBinaryData([]byte(s))
			}
			b, err := codec.LoadBinaryData(internal)
			if err != nil {
				return nil, err
			}
			return codec.DumpBinaryData(b)
		},
	})
	r.Register(string(ParamBool), codec.SchemaFunc{
		LoadFn: func(external interface{}) (interface{}, error) {
			s, ok := external.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported type %T", external)
			}
			switch s {
			case "0x1":
				return true, nil
			case "0x0":
				return false, nil
			default:
				return nil, fmt.Errorf("value %q is invalid", s)
			}
		},
		DumpFn: func(internal interface{}) (interface{}, error) {
			b, ok := internal.(bool)
			if !ok {
				return nil, fmt.Errorf("unsupported type %T", internal)
			}
			if b {
				return "0x1", nil
			}
			return "0x0", nil
		},
	})
	r.Register(string(ParamAddress), codec.SchemaFunc{
		LoadFn: func(external interface{}) (interface{}, error) {
			s, ok := external.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported type %T", external)
			}
			return codec.LoadAddress(s)
		},
		DumpFn: func(internal interface{}) (interface{}, error) {
			switch x := internal.(type) {
			case codec.Address:
				return codec.DumpAddress(x)
			case string:
				a, err := codec.LoadAddress(x)
				if err != nil {
					return nil, err
				}
				return codec.DumpAddress(a)
			default:
				return nil, fmt.Errorf("unsupported type %T", internal)
			}
		},
	})
	return r
}

func paramSchema(t ParamType) (codec.Schema, error) {
	s, ok := paramSchemas.Get(string(t))
	if !ok {
		return nil, rpcerr.InvalidParams("unsupported parameter type %q", t)
	}
	return s, nil
}

// LoadTyped decodes a wire string against t's registered Schema; it is the
// expander's entry point for decoding an event log's positional indexed/
// data values.
func LoadTyped(t ParamType, wire string) (interface{}, error) {
	schema, err := paramSchema(t)
	if err != nil {
		return nil, err
	}
	return schema.Load(wire)
}

// dumpTyped dumps a single positional value against its parameter type.
// A nil value passes through verbatim (wildcard).
func dumpTyped(t ParamType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	schema, err := paramSchema(t)
	if err != nil {
		return nil, err
	}
	dumped, err := schema.Dump(v)
	if err != nil {
		return nil, rpcerr.InvalidParams("%s param: %s", t, err)
	}
	return dumped, nil
}

// encodeMatchList dumps a slice of positional match values starting at
// offset within the signature's full parameter type list.
func encodeMatchList(types []ParamType, offset int, values []interface{}) ([]interface{}, error) {
	if values == nil {
		return nil, nil
	}
	if len(values) > len(types)-offset {
		return nil, rpcerr.InvalidParams("match list has %d values but signature only has %d parameters from offset %d", len(values), len(types)-offset, offset)
	}
	out := make([]interface{}, len(values))
	for i, v := range values {
		dumped, err := dumpTyped(types[offset+i], v)
		if err != nil {
			return nil, err
		}
		out[i] = dumped
	}
	return out, nil
}

// matchListSchema adapts encodeMatchList into a Schema so EncodeFilter can
// assemble the wire object through a single codec.Map instead of a
// hand-built one-field-at-a-time map.
func matchListSchema(types []ParamType, offset int) codec.Schema {
	return codec.SchemaFunc{
		DumpFn: func(internal interface{}) (interface{}, error) {
			values, ok := internal.([]interface{})
			if !ok {
				return nil, fmt.Errorf("match list has unsupported type %T", internal)
			}
			return encodeMatchList(types, offset, values)
		},
		LoadFn: func(interface{}) (interface{}, error) {
			return nil, fmt.Errorf("match list decoding is not supported")
		},
	}
}

var eventSignatureSchema = codec.SchemaFunc{
	DumpFn: func(internal interface{}) (interface{}, error) {
		s, ok := internal.(string)
		if !ok {
			return nil, fmt.Errorf("event signature has unsupported type %T", internal)
		}
		return s, nil
	},
	LoadFn: func(external interface{}) (interface{}, error) { return external, nil },
}

var contractAddressSchema = codec.SchemaFunc{
	DumpFn: func(internal interface{}) (interface{}, error) {
		a, ok := internal.(codec.Address)
		if !ok {
			return nil, fmt.Errorf("filter address has unsupported type %T", internal)
		}
		return codec.DumpContractAddress(a)
	},
	LoadFn: func(external interface{}) (interface{}, error) { return external, nil },
}

// EncodeFilter builds the JSON object for a single EventFilter per
// spec.md §4.2 steps 1-4.
func EncodeFilter(f EventFilter) (map[string]interface{}, error) {
	if f.EventSignature == "" {
		return nil, rpcerr.InvalidParams("event signature is required")
	}
	types, err := ParseSignature(f.EventSignature)
	if err != nil {
		return nil, err
	}

	fields := map[string]codec.Schema{"event": eventSignatureSchema}
	optional := map[string]bool{"addr": true, "indexed": true, "data": true}
	internal := map[string]interface{}{"event": f.EventSignature}

	if f.Address != nil {
		fields["addr"] = contractAddressSchema
		internal["addr"] = *f.Address
	}
	if f.Indexed != nil {
		fields["indexed"] = matchListSchema(types, 0)
		internal["indexed"] = f.Indexed
	}
	if f.Data != nil {
		fields["data"] = matchListSchema(types, len(f.Indexed))
		internal["data"] = f.Data
	}

	m := codec.Map{Fields: fields, Optional: optional}
	dumped, err := m.Dump(internal)
	if err != nil {
		return nil, rpcerr.InvalidParams("%s", err)
	}
	out, ok := dumped.(map[string]interface{})
	if !ok {
		return nil, rpcerr.ServerError("filter encoding did not produce a map")
	}
	return out, nil
}

// resumeHeightWire renders the subscription's starting height; nil means
// "latest" and must be resolved by the caller before encoding.
func resumeHeightWire(s Subscription) (string, error) {
	if s.ResumeHeight == nil {
		return "", rpcerr.InvalidParams("resume height must be resolved before encoding (latest not yet looked up)")
	}
	return codec.DumpNonNegInteger(s.ResumeHeight)
}

// Encode builds the first-frame JSON subscription message per spec.md §4.2:
// block source with no filters -> {height}; block source with N filters ->
// {height, eventFilters:[...]}; event source with one filter -> {height,
// ...filter fields merged at top level}.
func Encode(s Subscription) (map[string]interface{}, error) {
	height, err := resumeHeightWire(s)
	if err != nil {
		return nil, err
	}

	switch s.Source {
	case SourceBlock:
		out := map[string]interface{}{"height": height}
		if len(s.Filters) == 0 {
			return out, nil
		}
		encoded := make([]interface{}, len(s.Filters))
		for i, f := range s.Filters {
			ef, err := EncodeFilter(f)
			if err != nil {
				return nil, err
			}
			encoded[i] = ef
		}
		out["eventFilters"] = encoded
		return out, nil
	case SourceEvent:
		if len(s.Filters) != 1 {
			return nil, rpcerr.InvalidParams("event source subscription requires exactly one filter, got %d", len(s.Filters))
		}
		ef, err := EncodeFilter(s.Filters[0])
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{"height": height}
		for k, v := range ef {
			out[k] = v
		}
		return out, nil
	default:
		return nil, rpcerr.InvalidParams("unknown subscription source %q", s.Source)
	}
}
