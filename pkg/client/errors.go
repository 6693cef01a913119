package client

import (
	"errors"

	"github.com/cachemir/ringcache/pkg/codec"
	"github.com/cachemir/ringcache/pkg/conn"
	"github.com/cachemir/ringcache/pkg/hash"
	"github.com/cachemir/ringcache/pkg/key"
)

// Re-exported so callers can errors.Is against a single package without
// reaching into pkg/key, pkg/codec, pkg/conn, or pkg/hash directly.
var (
	ErrInvalidKey      = key.ErrInvalidKey
	ErrValueTooLarge   = codec.ErrValueTooLarge
	ErrUnmarshal       = codec.ErrUnmarshal
	ErrRing            = hash.RingError
	ErrProtocol        = errors.New("client: malformed or unexpected response")
	ErrInvalidArgument = errors.New("client: invalid argument")
)

// ErrCASNotFound is returned by cas (not cas!) when the key does not exist.
// Checked with errors.Is, never a sentinel string, per the status-code-driven
// design this implementation settled on.
var ErrCASNotFound = errors.New("client: key not found for cas")

// IsNetworkError reports whether err is (or wraps) a conn.NetworkError.
func IsNetworkError(err error) bool {
	var ne *conn.NetworkError
	return errors.As(err, &ne)
}

// CASResult is the outcome of Cas/CasBang.
type CASResult int

const (
	Updated CASResult = iota
	Conflict
	Missing
)

func (r CASResult) String() string {
	switch r {
	case Updated:
		return "updated"
	case Conflict:
		return "conflict"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}
