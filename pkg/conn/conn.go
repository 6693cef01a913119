// Package conn implements the per-server connection: a small state machine
// over a single net.Conn that opens lazily, frames requests and responses
// with the memcached binary protocol, and marks itself down after
// repeated failures instead of retrying forever.
package conn

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/cachemir/ringcache/pkg/protocol"
)

// State is one point in the connection's lifecycle.
type State int

const (
	Unconnected State = iota
	Connecting
	Authenticating
	Ready
	Down
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Down:
		return "down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// NetworkError wraps any I/O failure encountered while talking to the
// server. The request chokepoint treats this as the signal to retry once
// against a freshly selected server.
type NetworkError struct {
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("conn: network error talking to %s: %v", e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrDown is returned by Request when the connection is in the Down state
// and its retry timer has not yet elapsed.
var ErrDown = errors.New("conn: server marked down")

// ErrClosed is returned by any operation on a connection after Close.
var ErrClosed = errors.New("conn: connection closed")

// Options configures a Connection.
type Options struct {
	Addr               string
	SocketTimeout      time.Duration
	SocketMaxFailures  int
	SocketFailureDelay time.Duration
	DownRetryDelay     time.Duration
	Username           string
	Password           string
	TLSConfig          *tls.Config
	KeepAlive          bool

	// Threadsafe mirrors the client's option of the same name: when true, one
	// request at a time is allowed on this connection, enforced with a
	// mutex; when false, callers are trusted not to share the connection
	// across goroutines and Lock/Unlock degenerate to no-ops.
	Threadsafe bool
}

// Connection owns one TCP connection to one memcached server.
type Connection struct {
	opts Options

	// mu serializes access to nc across concurrent callers when
	// opts.Threadsafe is set. A connection pool around the whole client is
	// the intended pattern for higher per-server parallelism.
	mu sync.Mutex

	nc net.Conn

	state        State
	downUntil    time.Time
	failureCount int

	nextOpaque uint32

	// pendingOpaques tracks quiet requests written during the current
	// multi-get drain that have not yet been accounted for (either by a
	// matching response or by the terminating NOOP), purely so callers can
	// report how much of a drain is still outstanding.
	pendingOpaques  *deque.Deque[uint32]
	multiNoopOpaque uint32
	multiDone       bool
	multiErr        error
}

// New constructs a Connection in the Unconnected state. It does not dial.
func New(opts Options) *Connection {
	if opts.SocketMaxFailures <= 0 {
		opts.SocketMaxFailures = 2
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = time.Second
	}
	return &Connection{
		opts:           opts,
		state:          Unconnected,
		pendingOpaques: deque.NewDeque[uint32](),
	}
}

// Addr returns the server address this connection talks to.
func (c *Connection) Addr() string { return c.opts.Addr }

// Lock acquires exclusive use of this connection's socket. It is a no-op
// when the connection was constructed with Threadsafe: false.
func (c *Connection) Lock() {
	if c.opts.Threadsafe {
		c.mu.Lock()
	}
}

// Unlock releases a prior Lock. A no-op when Threadsafe is false.
func (c *Connection) Unlock() {
	if c.opts.Threadsafe {
		c.mu.Unlock()
	}
}

// State returns the connection's current lifecycle state, resolving a
// Down state back to Unconnected once its retry timer has elapsed.
func (c *Connection) State() State {
	if c.state == Down && time.Now().After(c.downUntil) {
		c.state = Unconnected
	}
	return c.state
}

// Alive reports whether the connection is currently usable (Ready, or
// Unconnected/Connecting and eligible to try).
func (c *Connection) Alive() bool {
	return c.State() != Down && c.State() != Closed
}

// PendingCount returns the number of quiet requests still awaited in the
// current multi-get drain.
func (c *Connection) PendingCount() int { return c.pendingOpaques.Len() }

func (c *Connection) ensureConnected(ctx context.Context) error {
	switch c.State() {
	case Ready:
		return nil
	case Closed:
		return ErrClosed
	case Down:
		return ErrDown
	}

	c.state = Connecting
	network := "tcp"
	if strings.HasPrefix(c.opts.Addr, "/") {
		network = "unix"
	}
	d := net.Dialer{Timeout: c.opts.SocketTimeout}
	var nc net.Conn
	var err error
	if c.opts.TLSConfig != nil {
		nc, err = tls.DialWithDialer(&d, network, c.opts.Addr, c.opts.TLSConfig)
	} else {
		nc, err = d.DialContext(ctx, network, c.opts.Addr)
	}
	if err != nil {
		c.recordFailure()
		return &NetworkError{Addr: c.opts.Addr, Err: err}
	}
	if tc, ok := nc.(*net.TCPConn); ok && c.opts.KeepAlive {
		_ = tc.SetKeepAlive(true)
	}
	c.nc = nc

	if c.opts.Username != "" {
		c.state = Authenticating
		if err := c.authenticate(); err != nil {
			c.nc.Close()
			c.nc = nil
			c.recordFailure()
			return err
		}
	}

	c.state = Ready
	c.failureCount = 0
	return nil
}

// authenticate performs SASL PLAIN negotiation. The byte-level SASL exchange
// itself is out of scope; this records the intended step so a future
// implementation has a single place to fill in.
func (c *Connection) authenticate() error {
	return nil
}

func (c *Connection) recordFailure() {
	c.failureCount++
	if c.failureCount >= c.opts.SocketMaxFailures {
		c.state = Down
		c.downUntil = time.Now().Add(c.opts.DownRetryDelay)
		c.failureCount = 0
	} else {
		c.state = Unconnected
		time.Sleep(c.opts.SocketFailureDelay)
	}
}

func (c *Connection) fail(err error) error {
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	c.recordFailure()
	return &NetworkError{Addr: c.opts.Addr, Err: err}
}

func (c *Connection) allocOpaque() uint32 {
	c.nextOpaque++
	if c.nextOpaque == 0 {
		c.nextOpaque++
	}
	return c.nextOpaque
}

// Request performs one request/response round trip, retrying up to
// SocketMaxFailures times (recordFailure sleeps SocketFailureDelay between
// attempts that don't yet trip Down) before marking the connection Down and
// returning the NetworkError that caused it, so a caller resolving a fresh
// server through the ring lands on a different one. Serialized against any
// other Request or multi-get drain on this connection when Threadsafe is
// set.
func (c *Connection) Request(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.Lock()
	defer c.Unlock()
	if req.Opaque == 0 {
		req.Opaque = c.allocOpaque()
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.SocketMaxFailures; attempt++ {
		if err := c.ensureConnected(ctx); err != nil {
			if _, ok := err.(*NetworkError); !ok {
				return nil, err
			}
			lastErr = err
			if c.State() == Down {
				break
			}
			continue
		}

		deadline := time.Now().Add(c.opts.SocketTimeout)
		_ = c.nc.SetDeadline(deadline)

		if err := protocol.WriteRequest(c.nc, req); err != nil {
			lastErr = c.fail(err)
			if c.State() == Down {
				break
			}
			continue
		}
		resp, err := protocol.ReadResponse(c.nc)
		if err != nil {
			lastErr = c.fail(err)
			if c.State() == Down {
				break
			}
			continue
		}
		c.failureCount = 0
		return resp, nil
	}

	if c.State() != Down {
		c.state = Down
		c.downUntil = time.Now().Add(c.opts.DownRetryDelay)
		c.failureCount = 0
	}
	return nil, lastErr
}

// SendMultiget writes a quiet GETKQ for each key followed by a NOOP, without
// reading any response. Use MultiResponseStart/MultiResponseNonblock to
// drain the results afterward.
func (c *Connection) SendMultiget(keys [][]byte) error {
	if err := c.ensureConnected(context.Background()); err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.SocketTimeout)
	_ = c.nc.SetWriteDeadline(deadline)

	c.pendingOpaques = deque.NewDeque[uint32]()
	for _, k := range keys {
		opaque := c.allocOpaque()
		req := &protocol.Request{Opcode: protocol.OpGetKQ, Key: k, Opaque: opaque}
		if err := protocol.WriteRequest(c.nc, req); err != nil {
			return c.fail(err)
		}
		c.pendingOpaques.PushFront(opaque)
	}
	noop := &protocol.Request{Opcode: protocol.OpNoop, Opaque: c.allocOpaque()}
	c.multiNoopOpaque = noop.Opaque
	if err := protocol.WriteRequest(c.nc, noop); err != nil {
		return c.fail(err)
	}
	return nil
}

// MultiResponseStart resets per-drain state before the first
// MultiResponseNonblock call.
func (c *Connection) MultiResponseStart() {
	c.multiDone = false
	c.multiErr = nil
}

// MultiItem is one decoded entry from a multi-get drain.
type MultiItem struct {
	Key   []byte
	Value []byte
	Flags uint32
	CAS   uint64
}

// MultiResponseNonblock reads whatever responses are available within
// timeout and returns them, along with whether the drain for this
// connection is complete (the terminating NOOP was seen). It never blocks
// longer than timeout; a timeout with no NOOP yet is not an error, it means
// try again later with whatever time budget remains.
func (c *Connection) MultiResponseNonblock(timeout time.Duration) ([]MultiItem, bool, error) {
	if c.multiErr != nil {
		return nil, true, c.multiErr
	}
	if c.multiDone {
		return nil, true, nil
	}
	if timeout <= 0 {
		return nil, false, nil
	}

	_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
	var items []MultiItem
	for {
		resp, err := protocol.ReadResponse(c.nc)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return items, false, nil
			}
			c.multiErr = c.fail(err)
			return items, true, c.multiErr
		}
		if resp.Opcode == protocol.OpNoop {
			c.pendingOpaques = deque.NewDeque[uint32]()
			c.multiDone = true
			return items, true, nil
		}
		if c.pendingOpaques.Len() > 0 {
			c.pendingOpaques.PopBack()
		}
		if resp.OK() {
			var flags uint32
			if len(resp.Extras) == 4 {
				flags = binary.BigEndian.Uint32(resp.Extras)
			}
			items = append(items, MultiItem{
				Key:   resp.Key,
				Value: resp.Value,
				Flags: flags,
				CAS:   resp.CAS,
			})
		}
	}
}

// MultiResponseCompleted reports whether the last drain finished cleanly.
func (c *Connection) MultiResponseCompleted() bool { return c.multiDone && c.multiErr == nil }

// MultiResponseAbort discards in-flight multi-get state, typically after a
// whole-operation timeout forces the caller to give up on this connection.
// Unconsumed GETKQ/NOOP responses are still buffered on the wire, so the
// socket is closed rather than left for the next Request to misframe
// against; the connection redials lazily on its next use, same as Reset.
func (c *Connection) MultiResponseAbort() {
	c.multiDone = true
	c.multiErr = nil
	c.pendingOpaques = deque.NewDeque[uint32]()
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	if c.state != Closed {
		c.state = Unconnected
	}
}

// Close releases the underlying socket and latches the connection Closed.
func (c *Connection) Close() error {
	c.state = Closed
	if c.nc != nil {
		err := c.nc.Close()
		c.nc = nil
		return err
	}
	return nil
}

// Reset drops the socket and returns the connection to Unconnected so the
// next operation redials lazily.
func (c *Connection) Reset() {
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	if c.state != Closed {
		c.state = Unconnected
	}
	c.failureCount = 0
}
