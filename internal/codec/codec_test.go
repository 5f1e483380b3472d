package codec

import (
	"math/big"
	"testing"
)

func TestIntegerRoundTrip(t *testing.T) {
	cases := []string{"0x0", "0x2a", "0x1234567890abcdef", "-0x2a", "-0x1"}
	for _, e := range cases {
		v, err := LoadInteger(e)
		if err != nil {
			t.Fatalf("LoadInteger(%q): %v", e, err)
		}
		got, err := DumpInteger(v)
		if err != nil {
			t.Fatalf("DumpInteger(%v): %v", v, err)
		}
		if got != e {
			t.Errorf("round trip mismatch: got %q, want %q", got, e)
		}
	}
}

func TestIntegerLoadRejects(t *testing.T) {
	cases := []string{"", "2a", "0xZZ", "0x", "0X2a", "0x2A", "-"}
	for _, e := range cases {
		if _, err := LoadInteger(e); err == nil {
			t.Errorf("LoadInteger(%q) should have failed", e)
		}
	}
}

func TestRangeVariants(t *testing.T) {
	if _, err := LoadNonNegInteger("-0x1"); err == nil {
		t.Error("LoadNonNegInteger should reject negative")
	}
	if v, err := LoadNonNegInteger("0x0"); err != nil || v.Sign() != 0 {
		t.Errorf("LoadNonNegInteger(0x0) = %v, %v", v, err)
	}
	if _, err := LoadPosInteger("0x0"); err == nil {
		t.Error("LoadPosInteger should reject zero")
	}
	if _, err := DumpPosInteger(big.NewInt(0)); err == nil {
		t.Error("DumpPosInteger should reject zero on dump")
	}
	if _, err := LoadNegInteger("0x1"); err == nil {
		t.Error("LoadNegInteger should reject positive")
	}
	if _, err := LoadNonPosInteger("0x1"); err == nil {
		t.Error("LoadNonPosInteger should reject positive")
	}
	if v, err := LoadNonPosInteger("0x0"); err != nil || v.Sign() != 0 {
		t.Errorf("LoadNonPosInteger(0x0) = %v, %v", v, err)
	}
}

func TestHash(t *testing.T) {
	lower := "0x" + repeat("ab", 32)
	upper := "0x" + repeat("AB", 32)
	h, err := LoadHash(upper)
	if err != nil {
		t.Fatalf("LoadHash(%q): %v", upper, err)
	}
	if string(h) != lower {
		t.Errorf("LoadHash did not normalize case: got %q want %q", h, lower)
	}
	if _, err := LoadHash("0x1234"); err == nil {
		t.Error("LoadHash should reject wrong length")
	}
	if got, err := DumpHash(h); err != nil || got != lower {
		t.Errorf("DumpHash = %q, %v", got, err)
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestAddress(t *testing.T) {
	eoa := "hx" + repeat("11", 20)
	contract := "cx" + repeat("22", 20)

	if _, err := LoadEOAAddress(contract); err == nil {
		t.Error("LoadEOAAddress should reject cx prefix")
	}
	if _, err := LoadContractAddress(eoa); err == nil {
		t.Error("LoadContractAddress should reject hx prefix")
	}
	a, err := LoadAddress(contract)
	if err != nil {
		t.Fatalf("LoadAddress(%q): %v", contract, err)
	}
	if !a.IsContract() {
		t.Error("IsContract should be true for cx address")
	}
	if _, err := LoadAddress("zx" + repeat("33", 20)); err == nil {
		t.Error("LoadAddress should reject unknown prefix")
	}
}

func TestBinaryData(t *testing.T) {
	b, err := LoadBinaryData("0x68656c6c6f")
	if err != nil {
		t.Fatalf("LoadBinaryData: %v", err)
	}
	if string(b) != "hello" {
		t.Errorf("LoadBinaryData = %q, want %q", b, "hello")
	}
	if _, err := LoadBinaryData([]byte("raw")); err != nil {
		t.Errorf("LoadBinaryData on raw bytes should pass through: %v", err)
	}
	if _, err := LoadBinaryData("0xabc"); err == nil {
		t.Error("LoadBinaryData should reject odd-length hex")
	}
	dumped, err := DumpBinaryData([]byte("hi"))
	if err != nil || dumped != "0x6869" {
		t.Errorf("DumpBinaryData = %q, %v", dumped, err)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	const us int64 = 1620000000123456
	wire, err := DumpTimestamp(us)
	if err != nil {
		t.Fatalf("DumpTimestamp: %v", err)
	}
	got, err := LoadTimestamp(wire)
	if err != nil {
		t.Fatalf("LoadTimestamp(%q): %v", wire, err)
	}
	if got != us {
		t.Errorf("timestamp round trip = %d, want %d", got, us)
	}
}

func TestEnum(t *testing.T) {
	e := NewEnum("Block", "Event")
	v, err := e.Load("BLOCK")
	if err != nil || v != "block" {
		t.Errorf("Enum.Load(BLOCK) = %q, %v", v, err)
	}
	if _, err := e.Load("unknown"); err == nil {
		t.Error("Enum.Load should reject unknown symbol")
	}
}

func TestMapDottedPathErrors(t *testing.T) {
	inner := Map{Fields: map[string]Schema{
		"height": SchemaFunc{
			LoadFn: func(v interface{}) (interface{}, error) {
				s, _ := v.(string)
				return LoadInteger(s)
			},
		},
	}}
	outer := Map{Fields: map[string]Schema{
		"block": inner,
	}}
	_, err := outer.Load(map[string]interface{}{
		"block": map[string]interface{}{"height": "nope"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	me := err.(MultiError)
	if me[0].Error() != "block.height integer \"nope\" missing 0x prefix" {
		t.Errorf("unexpected dotted path error: %s", me[0].Error())
	}
}

func TestMapOptionalField(t *testing.T) {
	m := Map{
		Fields:   map[string]Schema{"addr": SchemaFunc{LoadFn: func(v interface{}) (interface{}, error) { return v, nil }}},
		Optional: map[string]bool{"addr": true},
	}
	out, err := m.Load(map[string]interface{}{})
	if err != nil {
		t.Fatalf("optional field should not error when absent: %v", err)
	}
	if _, ok := out.(map[string]interface{})["addr"]; ok {
		t.Error("absent optional field should not appear in output")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("hash", SchemaFunc{
		LoadFn: func(v interface{}) (interface{}, error) {
			s, _ := v.(string)
			return LoadHash(s)
		},
	})
	s, ok := r.Get("hash")
	if !ok {
		t.Fatal("expected registered schema")
	}
	if _, err := s.Load("0x" + repeat("ab", 32)); err != nil {
		t.Errorf("registered schema Load failed: %v", err)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get should report false for unregistered name")
	}
}
