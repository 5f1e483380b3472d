// Package codec implements typed load/dump for the hex-encoded wire values
// used throughout the subscription core: integers, hashes, addresses,
// binary blobs, timestamps, and enums, plus a Map container combinator and
// a Registry of named Schemas that the filter package uses for its
// per-parameter-type dispatch instead of a hand-written type switch.
package codec

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// ValidationError names the dotted field path that failed to load or dump,
// e.g. "eventFilters[1].indexed[0]".
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return e.Path + " " + e.Reason
}

// MultiError aggregates independent field failures from a single Map
// load/dump.
type MultiError []error

func (m MultiError) Error() string {
	parts := make([]string, len(m))
	for i, e := range m {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func wrapFieldErr(field string, err error) error {
	if err == nil {
		return nil
	}
	if me, ok := err.(MultiError); ok {
		out := make(MultiError, len(me))
		for i, e := range me {
			out[i] = wrapFieldErr(field, e)
		}
		return out
	}
	var ve *ValidationError
	if ok := asValidationError(err, &ve); ok {
		if ve.Path == "" {
			return &ValidationError{Path: field, Reason: ve.Reason}
		}
		sep := "."
		if strings.HasPrefix(ve.Path, "[") {
			sep = ""
		}
		return &ValidationError{Path: field + sep + ve.Path, Reason: ve.Reason}
	}
	return &ValidationError{Path: field, Reason: err.Error()}
}

func asValidationError(err error, target **ValidationError) bool {
	if ve, ok := err.(*ValidationError); ok {
		*target = ve
		return true
	}
	return false
}

// ---- Integer ----

// LoadInteger parses a "0x"-prefixed, optionally "-"-signed lowercase hex
// string into an arbitrary-precision integer.
func LoadInteger(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("integer is empty")
	}
	rest := s
	neg := false
	if strings.HasPrefix(rest, "-") {
		neg = true
		rest = rest[1:]
	}
	if !strings.HasPrefix(rest, "0x") {
		return nil, fmt.Errorf("integer %q missing 0x prefix", s)
	}
	digits := rest[2:]
	if digits == "" {
		return nil, fmt.Errorf("integer %q has no hex digits", s)
	}
	if digits != strings.ToLower(digits) {
		return nil, fmt.Errorf("integer %q is not lowercase hex", s)
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("integer %q is not valid hex", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// DumpInteger renders v as a "0x"-prefixed lowercase hex string.
func DumpInteger(v *big.Int) (string, error) {
	if v == nil {
		return "", fmt.Errorf("integer is nil")
	}
	abs := new(big.Int).Abs(v)
	h := abs.Text(16)
	if v.Sign() < 0 {
		return "-0x" + h, nil
	}
	return "0x" + h, nil
}

// LoadNonNegInteger loads an integer and rejects negative values.
func LoadNonNegInteger(s string) (*big.Int, error) {
	v, err := LoadInteger(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("integer %q must be non-negative", s)
	}
	return v, nil
}

// DumpNonNegInteger dumps v, rejecting negative values.
func DumpNonNegInteger(v *big.Int) (string, error) {
	if v != nil && v.Sign() < 0 {
		return "", fmt.Errorf("integer must be non-negative")
	}
	return DumpInteger(v)
}

// LoadPosInteger loads an integer and rejects zero and negative values.
func LoadPosInteger(s string) (*big.Int, error) {
	v, err := LoadInteger(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("integer %q must be positive", s)
	}
	return v, nil
}

// DumpPosInteger dumps v, rejecting zero and negative values.
func DumpPosInteger(v *big.Int) (string, error) {
	if v != nil && v.Sign() <= 0 {
		return "", fmt.Errorf("integer must be positive")
	}
	return DumpInteger(v)
}

// LoadNegInteger loads an integer and rejects zero and positive values.
func LoadNegInteger(s string) (*big.Int, error) {
	v, err := LoadInteger(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() >= 0 {
		return nil, fmt.Errorf("integer %q must be negative", s)
	}
	return v, nil
}

// DumpNegInteger dumps v, rejecting zero and positive values.
func DumpNegInteger(v *big.Int) (string, error) {
	if v != nil && v.Sign() >= 0 {
		return "", fmt.Errorf("integer must be negative")
	}
	return DumpInteger(v)
}

// LoadNonPosInteger loads an integer and rejects positive values.
func LoadNonPosInteger(s string) (*big.Int, error) {
	v, err := LoadInteger(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() > 0 {
		return nil, fmt.Errorf("integer %q must be non-positive", s)
	}
	return v, nil
}

// DumpNonPosInteger dumps v, rejecting positive values.
func DumpNonPosInteger(v *big.Int) (string, error) {
	if v != nil && v.Sign() > 0 {
		return "", fmt.Errorf("integer must be non-positive")
	}
	return DumpInteger(v)
}

// ---- Hash ----

// Hash is a lowercase "0x"-prefixed, 64-hex-digit digest.
type Hash string

// LoadHash normalizes case and rejects a wrong-length value.
func LoadHash(s string) (Hash, error) {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "0x") {
		return "", fmt.Errorf("hash %q missing 0x prefix", s)
	}
	body := lower[2:]
	if len(body) != 64 {
		return "", fmt.Errorf("hash %q must have 64 hex digits, got %d", s, len(body))
	}
	if _, err := hex.DecodeString(body); err != nil {
		return "", fmt.Errorf("hash %q is not valid hex", s)
	}
	return Hash(lower), nil
}

// DumpHash re-validates and returns the wire form.
func DumpHash(h Hash) (string, error) {
	v, err := LoadHash(string(h))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// ---- Address ----

// Address is a lowercase "hx"- or "cx"-prefixed, 40-hex-digit account id.
type Address string

const (
	eoaPrefix      = "hx"
	contractPrefix = "cx"
)

func loadAddressPrefix(s string, allowed ...string) (Address, error) {
	lower := strings.ToLower(s)
	if len(lower) < 2 {
		return "", fmt.Errorf("address %q too short", s)
	}
	prefix := lower[:2]
	ok := false
	for _, a := range allowed {
		if prefix == a {
			ok = true
			break
		}
	}
	if !ok {
		return "", fmt.Errorf("address %q has unsupported prefix %q", s, prefix)
	}
	body := lower[2:]
	if len(body) != 40 {
		return "", fmt.Errorf("address %q must have 40 hex digits, got %d", s, len(body))
	}
	if _, err := hex.DecodeString(body); err != nil {
		return "", fmt.Errorf("address %q is not valid hex", s)
	}
	return Address(lower), nil
}

// LoadAddress accepts either an EOA ("hx") or contract ("cx") address.
func LoadAddress(s string) (Address, error) {
	return loadAddressPrefix(s, eoaPrefix, contractPrefix)
}

// LoadEOAAddress restricts the prefix to "hx".
func LoadEOAAddress(s string) (Address, error) {
	return loadAddressPrefix(s, eoaPrefix)
}

// LoadContractAddress restricts the prefix to "cx".
func LoadContractAddress(s string) (Address, error) {
	return loadAddressPrefix(s, contractPrefix)
}

// DumpAddress re-validates and returns the wire form.
func DumpAddress(a Address) (string, error) {
	v, err := LoadAddress(string(a))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// DumpContractAddress re-validates a as a contract address and returns the
// wire form.
func DumpContractAddress(a Address) (string, error) {
	v, err := loadAddressPrefix(string(a), contractPrefix)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// IsContract reports whether a carries the contract-address prefix.
func (a Address) IsContract() bool {
	return strings.HasPrefix(string(a), contractPrefix)
}

// ---- BinaryData ----

// LoadBinaryData accepts a "0x"-prefixed even-length hex string, or raw
// bytes passed straight through.
func LoadBinaryData(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		lower := strings.ToLower(x)
		if !strings.HasPrefix(lower, "0x") {
			return nil, fmt.Errorf("binary data %q missing 0x prefix", x)
		}
		body := lower[2:]
		if len(body)%2 != 0 {
			return nil, fmt.Errorf("binary data %q has odd length", x)
		}
		b, err := hex.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("binary data %q is not valid hex", x)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("binary data has unsupported type %T", v)
	}
}

// DumpBinaryData renders b as a "0x"-prefixed lowercase hex string.
func DumpBinaryData(b []byte) (string, error) {
	return "0x" + hex.EncodeToString(b), nil
}

// ---- Timestamp ----

// LoadTimestamp parses the wire integer into microseconds since the Unix
// epoch.
func LoadTimestamp(s string) (int64, error) {
	v, err := LoadInteger(s)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("timestamp %q out of range", s)
	}
	return v.Int64(), nil
}

// DumpTimestamp renders microseconds since the Unix epoch as the wire
// integer form.
func DumpTimestamp(us int64) (string, error) {
	return DumpInteger(big.NewInt(us))
}

// ---- Enum ----

// Enum is a closed set of symbols that round-trip through their lowercase
// string form.
type Enum struct {
	values map[string]struct{}
}

// NewEnum builds an Enum from the given symbols (case-insensitive).
func NewEnum(values ...string) *Enum {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[strings.ToLower(v)] = struct{}{}
	}
	return &Enum{values: m}
}

// Load normalizes case and rejects values outside the closed set.
func (e *Enum) Load(s string) (string, error) {
	lower := strings.ToLower(s)
	if _, ok := e.values[lower]; !ok {
		return "", fmt.Errorf("enum value %q is not one of the allowed symbols", s)
	}
	return lower, nil
}

// Dump validates and returns the lowercase wire form.
func (e *Enum) Dump(s string) (string, error) {
	return e.Load(s)
}

// ---- Schema ----

// Schema is the generic load/dump contract used by container combinators.
type Schema interface {
	Load(external interface{}) (interface{}, error)
	Dump(internal interface{}) (interface{}, error)
}

// SchemaFunc adapts load/dump closures into a Schema.
type SchemaFunc struct {
	LoadFn func(interface{}) (interface{}, error)
	DumpFn func(interface{}) (interface{}, error)
}

func (f SchemaFunc) Load(external interface{}) (interface{}, error) { return f.LoadFn(external) }
func (f SchemaFunc) Dump(internal interface{}) (interface{}, error) { return f.DumpFn(internal) }

// ---- Container combinators ----

// Map validates a fixed set of named fields, each against its own Schema.
// optional lists the field names that may be absent from external/internal.
type Map struct {
	Fields   map[string]Schema
	Optional map[string]bool
}

// Load validates each field, aggregating dotted-path errors.
func (m Map) Load(external interface{}) (interface{}, error) {
	em, ok := external.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("map requires an object, got %T", external)
	}
	out := make(map[string]interface{}, len(m.Fields))
	var errs MultiError
	for _, field := range sortedKeys(m.Fields) {
		schema := m.Fields[field]
		v, present := em[field]
		if !present {
			if m.Optional[field] {
				continue
			}
			errs = append(errs, &ValidationError{Path: field, Reason: "is required"})
			continue
		}
		loaded, err := schema.Load(v)
		if err != nil {
			errs = append(errs, wrapFieldErr(field, err))
			continue
		}
		out[field] = loaded
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// Dump renders each field back to its wire form.
func (m Map) Dump(internal interface{}) (interface{}, error) {
	im, ok := internal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("map requires an object, got %T", internal)
	}
	out := make(map[string]interface{}, len(m.Fields))
	var errs MultiError
	for _, field := range sortedKeys(m.Fields) {
		schema := m.Fields[field]
		v, present := im[field]
		if !present {
			if m.Optional[field] {
				continue
			}
			errs = append(errs, &ValidationError{Path: field, Reason: "is required"})
			continue
		}
		dumped, err := schema.Dump(v)
		if err != nil {
			errs = append(errs, wrapFieldErr(field, err))
			continue
		}
		out[field] = dumped
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func sortedKeys(m map[string]Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ---- Registry ----

// Registry is a runtime-registered table of named schemas, replacing
// compile-time load/dump code generation.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds or replaces the schema under name.
func (r *Registry) Register(name string, s Schema) {
	r.schemas[name] = s
}

// Get looks up a previously registered schema.
func (r *Registry) Get(name string) (Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}
