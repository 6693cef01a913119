// Package codec implements the value envelope carried in the protocol's
// flags field: optional serialization of non-[]byte values and optional
// compression above a size threshold, with enough bits in flags to recover
// both on the way back out.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/gob"
	"errors"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Flag bits stored in the protocol's per-item flags word. The low byte is
// reserved for these; callers must not collide with it.
const (
	FlagSerialized uint32 = 1 << 0
	FlagCompressed uint32 = 1 << 1
)

// ErrValueTooLarge is returned when an encoded value would exceed the
// configured maximum.
var ErrValueTooLarge = errors.New("codec: value exceeds maximum size")

// ErrUnmarshal wraps a failure to reverse serialization or decompression.
var ErrUnmarshal = errors.New("codec: failed to decode value")

// Serializer converts an arbitrary value to and from a byte slice. The
// default, GobSerializer, mirrors the "binary-marshal" default named in
// configuration.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// Compressor compresses and decompresses byte slices.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Options controls how Encode and Decode treat a value.
type Options struct {
	Serializer         Serializer
	Compressor         Compressor
	Compress           bool
	CompressionMinSize int
	ValueMaxBytes      int
}

// DefaultOptions returns the configuration-table defaults: gob serialization,
// zlib compression above 4096 bytes, a 1 MiB ceiling.
func DefaultOptions() Options {
	return Options{
		Serializer:         GobSerializer{},
		Compressor:         ZlibCompressor{},
		Compress:           true,
		CompressionMinSize: 4096,
		ValueMaxBytes:      1024 * 1024,
	}
}

// Encode serializes v (if it is not already a []byte), compresses it if it
// is large enough and compression is enabled, and returns the wire bytes
// plus the flags word describing what was done.
func Encode(v interface{}, opts Options) (wire []byte, flags uint32, err error) {
	raw, ok := v.([]byte)
	if !ok {
		ser := opts.Serializer
		if ser == nil {
			ser = GobSerializer{}
		}
		raw, err = ser.Marshal(v)
		if err != nil {
			return nil, 0, err
		}
		flags |= FlagSerialized
	}

	if opts.Compress && len(raw) >= opts.CompressionMinSize {
		comp := opts.Compressor
		if comp == nil {
			comp = ZlibCompressor{}
		}
		compressed, cerr := comp.Compress(raw)
		if cerr != nil {
			return nil, 0, cerr
		}
		raw = compressed
		flags |= FlagCompressed
	}

	if opts.ValueMaxBytes > 0 && len(raw) > opts.ValueMaxBytes {
		return nil, 0, ErrValueTooLarge
	}
	return raw, flags, nil
}

// Decompress reverses only the compression step of Encode, leaving
// serialization untouched. Used by callers (the multi-get coordinator) that
// hand values back to code that already knows how to unmarshal them, or
// that deal in raw bytes and never serialize at all.
func Decompress(wire []byte, flags uint32, opts Options) ([]byte, error) {
	if flags&FlagCompressed == 0 {
		return wire, nil
	}
	comp := opts.Compressor
	if comp == nil {
		comp = ZlibCompressor{}
	}
	decompressed, err := comp.Decompress(wire)
	if err != nil {
		return nil, errors.Join(ErrUnmarshal, err)
	}
	return decompressed, nil
}

// Decode reverses Encode: decompresses if FlagCompressed is set, then
// unmarshals into dst if FlagSerialized is set. If FlagSerialized is not set,
// the (decompressed) bytes are stored into dst, which must be a *[]byte; any
// other dst yields ErrUnmarshal.
func Decode(wire []byte, flags uint32, dst interface{}, opts Options) error {
	data, err := Decompress(wire, flags, opts)
	if err != nil {
		return err
	}

	if flags&FlagSerialized == 0 {
		if out, ok := dst.(*[]byte); ok {
			*out = data
			return nil
		}
		return ErrUnmarshal
	}

	ser := opts.Serializer
	if ser == nil {
		ser = GobSerializer{}
	}
	if err := ser.Unmarshal(data, dst); err != nil {
		return errors.Join(ErrUnmarshal, err)
	}
	return nil
}

// GobSerializer is the default Serializer, matching the "binary-marshal"
// configuration default.
type GobSerializer struct{}

func (GobSerializer) Marshal(v interface{}) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

func (GobSerializer) Unmarshal(data []byte, v interface{}) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

// ZlibCompressor is the default Compressor.
type ZlibCompressor struct{}

func (ZlibCompressor) Compress(data []byte) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	w := zlib.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

func (ZlibCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
