package protocol

import (
	"bytes"
	"testing"
)

func TestRequestResponseRoundTrip(t *testing.T) {
	req := &Request{
		Opcode: OpSet,
		Key:    []byte("ns:user:1"),
		Extras: SetStoreExtras(0, 300),
		Value:  []byte("hello"),
		Opaque: 42,
		CAS:    0,
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.Opcode != req.Opcode || !bytes.Equal(got.Key, req.Key) || !bytes.Equal(got.Value, req.Value) || got.Opaque != req.Opaque {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
	flags, expiry, err := ParseStoreExtras(got.Extras)
	if err != nil {
		t.Fatalf("ParseStoreExtras: %v", err)
	}
	if flags != 0 || expiry != 300 {
		t.Fatalf("store extras mismatch: flags=%d expiry=%d", flags, expiry)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{
		Opcode: OpGet,
		Status: StatusOK,
		Key:    []byte("ns:user:1"),
		Value:  []byte("hello"),
		Opaque: 7,
		CAS:    99,
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if got.Status != StatusOK || !bytes.Equal(got.Value, resp.Value) || got.CAS != 99 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestIncrDecrExtrasNoInitialMeansFailIfAbsent(t *testing.T) {
	extras := SetIncrDecrExtras(1, 0, 0, false)
	delta, initial, expiry, err := ParseIncrDecrExtras(extras)
	if err != nil {
		t.Fatalf("ParseIncrDecrExtras: %v", err)
	}
	if delta != 1 || initial != 0 || expiry != 0xFFFFFFFF {
		t.Fatalf("expected fail-if-absent expiry, got delta=%d initial=%d expiry=%#x", delta, initial, expiry)
	}
}

func TestIsQuiet(t *testing.T) {
	if !IsQuiet(OpGetQ) || !IsQuiet(OpSetQ) {
		t.Fatalf("expected quiet opcodes to be reported as quiet")
	}
	if IsQuiet(OpGet) || IsQuiet(OpNoop) {
		t.Fatalf("expected non-quiet opcodes to be reported as non-quiet")
	}
}

func TestUint64ValueRoundTrip(t *testing.T) {
	encoded := AppendUint64Value(123456789)
	got, err := ParseUint64Value(encoded)
	if err != nil {
		t.Fatalf("ParseUint64Value: %v", err)
	}
	if got != 123456789 {
		t.Fatalf("got %d, want 123456789", got)
	}
}
