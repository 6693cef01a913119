// Package protocol implements the binary request/response framing used to talk
// to a memcached-compatible cache server: a fixed 24-byte header followed by
// extras, key, and value sections.
//
// Wire format (network byte order throughout):
//
//	byte 0       magic (request 0x80, response 0x81)
//	byte 1       opcode
//	bytes 2-3    key length
//	byte 4       extras length
//	byte 5       data type (always 0x00, reserved by the wire format)
//	bytes 6-7    vbucket id (requests) / status (responses)
//	bytes 8-11   total body length (extras + key + value)
//	bytes 12-15  opaque
//	bytes 16-23  CAS
//
// Extras carry opcode-specific fixed-width fields: flags+expiry for
// SET/ADD/REPLACE, delta+initial+expiry for INCREMENT/DECREMENT, expiry alone
// for GAT/TOUCH/FLUSH.
//
// Example:
//
//	req := &protocol.Request{Opcode: protocol.OpGet, Key: []byte("ns:user:1"), Opaque: 7}
//	if err := protocol.WriteRequest(conn, req); err != nil {
//		return err
//	}
//	resp, err := protocol.ReadResponse(conn)
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// HeaderSize is the fixed size in bytes of every request or response header.
const HeaderSize = 24

const (
	magicRequest  = 0x80
	magicResponse = 0x81
)

// Opcode identifies the operation carried by a request or response.
type Opcode uint8

// Opcodes, matching the memcached binary protocol numbering.
const (
	OpGet        Opcode = 0x00
	OpSet        Opcode = 0x01
	OpAdd        Opcode = 0x02
	OpReplace    Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpIncrement  Opcode = 0x05
	OpDecrement  Opcode = 0x06
	OpQuit       Opcode = 0x07
	OpFlush      Opcode = 0x08
	OpGetQ       Opcode = 0x09
	OpNoop       Opcode = 0x0a
	OpVersion    Opcode = 0x0b
	OpGetK       Opcode = 0x0c
	OpGetKQ      Opcode = 0x0d
	OpAppend     Opcode = 0x0e
	OpPrepend    Opcode = 0x0f
	OpStat       Opcode = 0x10
	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1a
	OpTouch      Opcode = 0x1c
	OpGAT        Opcode = 0x1d
	OpGATQ       Opcode = 0x1e
	OpSASLList   Opcode = 0x20
	OpSASLAuth   Opcode = 0x21
	OpSASLStep   Opcode = 0x22
	OpGATK       Opcode = 0x23
	OpGATKQ      Opcode = 0x24
)

// Status is the server's outcome code for a response.
type Status uint16

// Status codes, matching the memcached binary protocol numbering.
const (
	StatusOK             Status = 0x00
	StatusKeyNotFound    Status = 0x01
	StatusKeyExists      Status = 0x02
	StatusValueTooLarge  Status = 0x03
	StatusInvalidArgs    Status = 0x04
	StatusItemNotStored  Status = 0x05
	StatusNonNumeric     Status = 0x06
	StatusAuthFailed     Status = 0x20
	StatusUnknownCommand Status = 0x81
	StatusOutOfMemory    Status = 0x82
	StatusBusy           Status = 0x85
)

// Request is a single binary-protocol request frame.
type Request struct {
	Key    []byte
	Extras []byte
	Value  []byte
	Opcode Opcode
	Opaque uint32
	CAS    uint64
}

// Response is a single binary-protocol response frame.
type Response struct {
	Key    []byte
	Extras []byte
	Value  []byte
	Opcode Opcode
	Status Status
	Opaque uint32
	CAS    uint64
}

// OK reports whether the response status is StatusOK.
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// SetIncrDecrExtras builds the delta/initial/expiry extras layout used by
// INCREMENT and DECREMENT requests. A nil initial (represented by
// hasInitial=false) maps to expiry 0xFFFFFFFF, meaning "fail if the key is
// absent" instead of seeding a default.
func SetIncrDecrExtras(delta, initial uint64, expiry uint32, hasInitial bool) []byte {
	if !hasInitial {
		expiry = 0xFFFFFFFF
	}
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], delta)
	binary.BigEndian.PutUint64(buf[8:16], initial)
	binary.BigEndian.PutUint32(buf[16:20], expiry)
	return buf
}

// SetStoreExtras builds the flags/expiry extras layout used by SET, ADD and
// REPLACE requests.
func SetStoreExtras(flags, expiry uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], flags)
	binary.BigEndian.PutUint32(buf[4:8], expiry)
	return buf
}

// SetExpiryExtras builds the bare expiry extras layout used by GAT, TOUCH and
// FLUSH requests.
func SetExpiryExtras(expiry uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, expiry)
	return buf
}

// ParseStoreExtras reads back the flags/expiry layout written by
// SetStoreExtras.
func ParseStoreExtras(extras []byte) (flags, expiry uint32, err error) {
	if len(extras) != 8 {
		return 0, 0, fmt.Errorf("protocol: store extras must be 8 bytes, got %d", len(extras))
	}
	return binary.BigEndian.Uint32(extras[0:4]), binary.BigEndian.Uint32(extras[4:8]), nil
}

// ParseIncrDecrExtras reads back the delta/initial/expiry layout written by
// SetIncrDecrExtras.
func ParseIncrDecrExtras(extras []byte) (delta, initial uint64, expiry uint32, err error) {
	if len(extras) != 20 {
		return 0, 0, 0, fmt.Errorf("protocol: incr/decr extras must be 20 bytes, got %d", len(extras))
	}
	return binary.BigEndian.Uint64(extras[0:8]), binary.BigEndian.Uint64(extras[8:16]), binary.BigEndian.Uint32(extras[16:20]), nil
}

// ParseUint64Value decodes the 8-byte big-endian counter value returned by
// INCREMENT/DECREMENT responses.
func ParseUint64Value(value []byte) (uint64, error) {
	if len(value) != 8 {
		return 0, fmt.Errorf("protocol: counter value must be 8 bytes, got %d", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

// AppendUint64Value appends the 8-byte big-endian encoding of v, the inverse
// of ParseUint64Value.
func AppendUint64Value(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// WriteRequest serializes req and writes it to w, using a pooled scratch
// buffer for the header + extras + key portion.
func WriteRequest(w io.Writer, req *Request) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	totalLen := len(req.Extras) + len(req.Key) + len(req.Value)
	if err := writeHeader(buf, magicRequest, uint8(req.Opcode), len(req.Key), len(req.Extras), 0, totalLen, req.Opaque, req.CAS); err != nil {
		return err
	}
	buf.Write(req.Extras)
	buf.Write(req.Key)
	buf.Write(req.Value)

	_, err := w.Write(buf.B)
	return err
}

// WriteResponse serializes resp and writes it to w.
func WriteResponse(w io.Writer, resp *Response) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	totalLen := len(resp.Extras) + len(resp.Key) + len(resp.Value)
	if err := writeHeader(buf, magicResponse, uint8(resp.Opcode), len(resp.Key), len(resp.Extras), uint16(resp.Status), totalLen, resp.Opaque, resp.CAS); err != nil {
		return err
	}
	buf.Write(resp.Extras)
	buf.Write(resp.Key)
	buf.Write(resp.Value)

	_, err := w.Write(buf.B)
	return err
}

func writeHeader(buf *bytebufferpool.ByteBuffer, magic, opcode byte, keyLen, extrasLen int, statusOrVbucket uint16, totalBodyLen int, opaque uint32, cas uint64) error {
	if keyLen > 0xFFFF {
		return fmt.Errorf("protocol: key too long for header: %d bytes", keyLen)
	}
	if extrasLen > 0xFF {
		return fmt.Errorf("protocol: extras too long for header: %d bytes", extrasLen)
	}
	var hdr [HeaderSize]byte
	hdr[0] = magic
	hdr[1] = opcode
	binary.BigEndian.PutUint16(hdr[2:4], uint16(keyLen))
	hdr[4] = uint8(extrasLen)
	hdr[5] = 0
	binary.BigEndian.PutUint16(hdr[6:8], statusOrVbucket)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(totalBodyLen))
	binary.BigEndian.PutUint32(hdr[12:16], opaque)
	binary.BigEndian.PutUint64(hdr[16:24], cas)
	buf.Write(hdr[:])
	return nil
}

// ReadResponse reads and parses one response frame from r.
func ReadResponse(r io.Reader) (*Response, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != magicResponse {
		return nil, fmt.Errorf("protocol: bad response magic 0x%02x", hdr[0])
	}

	opcode := Opcode(hdr[1])
	keyLen := binary.BigEndian.Uint16(hdr[2:4])
	extrasLen := hdr[4]
	status := Status(binary.BigEndian.Uint16(hdr[6:8]))
	totalLen := binary.BigEndian.Uint32(hdr[8:12])
	opaque := binary.BigEndian.Uint32(hdr[12:16])
	cas := binary.BigEndian.Uint64(hdr[16:24])

	if uint32(keyLen)+uint32(extrasLen) > totalLen {
		return nil, fmt.Errorf("protocol: malformed response header: key+extras exceed body length")
	}

	body := make([]byte, totalLen)
	if totalLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	resp := &Response{
		Opcode: opcode,
		Status: status,
		Opaque: opaque,
		CAS:    cas,
		Extras: body[:extrasLen],
		Key:    body[extrasLen : uint32(extrasLen)+uint32(keyLen)],
		Value:  body[uint32(extrasLen)+uint32(keyLen):],
	}
	return resp, nil
}

// ReadRequest reads and parses one request frame from r. Used by the test
// fixture server, which plays the role of the binary protocol's receiving end.
func ReadRequest(r io.Reader) (*Request, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != magicRequest {
		return nil, fmt.Errorf("protocol: bad request magic 0x%02x", hdr[0])
	}

	opcode := Opcode(hdr[1])
	keyLen := binary.BigEndian.Uint16(hdr[2:4])
	extrasLen := hdr[4]
	totalLen := binary.BigEndian.Uint32(hdr[8:12])
	opaque := binary.BigEndian.Uint32(hdr[12:16])
	cas := binary.BigEndian.Uint64(hdr[16:24])

	if uint32(keyLen)+uint32(extrasLen) > totalLen {
		return nil, fmt.Errorf("protocol: malformed request header: key+extras exceed body length")
	}

	body := make([]byte, totalLen)
	if totalLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	req := &Request{
		Opcode: opcode,
		Opaque: opaque,
		CAS:    cas,
		Extras: body[:extrasLen],
		Key:    body[extrasLen : uint32(extrasLen)+uint32(keyLen)],
		Value:  body[uint32(extrasLen)+uint32(keyLen):],
	}
	return req, nil
}

// IsQuiet reports whether opcode is a "quiet" variant that suppresses success
// responses (used by the multi-get coordinator to decide what to expect back).
func IsQuiet(op Opcode) bool {
	switch op {
	case OpGetQ, OpGetKQ, OpSetQ, OpAddQ, OpReplaceQ, OpDeleteQ, OpIncrementQ, OpDecrementQ, OpQuitQ, OpFlushQ, OpAppendQ, OpPrependQ, OpGATQ, OpGATKQ:
		return true
	default:
		return false
	}
}
