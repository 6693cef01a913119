// Package client implements the request chokepoint and facade: the single
// entry point that normalizes a key, resolves it to a server through the
// ring, and dispatches to that server's connection, retrying exactly once
// on a network error with a freshly chosen server.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cachemir/ringcache/pkg/codec"
	"github.com/cachemir/ringcache/pkg/config"
	"github.com/cachemir/ringcache/pkg/conn"
	"github.com/cachemir/ringcache/pkg/hash"
	"github.com/cachemir/ringcache/pkg/key"
	"github.com/cachemir/ringcache/pkg/logging"
	"github.com/cachemir/ringcache/pkg/protocol"
)

// Client is the facade over the ring, connections, key normalizer, and
// value codec. The zero value is not usable; construct with New or
// NewWithConfig.
type Client struct {
	cfg        *config.ClientConfig
	normalizer *key.Normalizer
	codecOpts  codec.Options
	logger     logging.Logger

	mu     sync.RWMutex
	ring   *hash.Ring
	conns  map[string]*conn.Connection
	closed bool
}

// New constructs a Client from a bare server list using default options.
func New(servers []string) (*Client, error) {
	specs := make([]config.ServerSpec, 0, len(servers))
	for _, s := range servers {
		specs = append(specs, config.ServerSpec{Addr: s, Weight: 1})
	}
	cfg := config.LoadClientConfig()
	cfg.Servers = specs
	return NewWithConfig(cfg)
}

// NewWithConfig constructs a Client from a fully populated ClientConfig.
func NewWithConfig(cfg *config.ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client: invalid configuration: %w", err)
	}

	c := &Client{
		cfg: cfg,
		normalizer: key.New(key.Fixed(cfg.Namespace), nil),
		codecOpts: codec.Options{
			Serializer:         codec.GobSerializer{},
			Compressor:         codec.ZlibCompressor{},
			Compress:           cfg.Compress,
			CompressionMinSize: cfg.CompressionMinSize,
			ValueMaxBytes:      cfg.ValueMaxBytes,
		},
		logger: logging.Default(),
		conns:  make(map[string]*conn.Connection),
	}
	return c, nil
}

// ensureRing builds the ring lazily on first use, per the "build on first
// use, rebuild on reset" contract.
func (c *Client) ensureRing() *hash.Ring {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring != nil {
		return c.ring
	}
	r := hash.New()
	for _, s := range c.cfg.Servers {
		r.AddServer(s.Addr, s.Weight)
		c.conns[s.Addr] = conn.New(conn.Options{
			Addr:               s.Addr,
			SocketTimeout:      c.cfg.SocketTimeout,
			SocketMaxFailures:  c.cfg.SocketMaxFailures,
			SocketFailureDelay: c.cfg.SocketFailureDelay,
			DownRetryDelay:     c.cfg.DownRetryDelay,
			Username:           firstNonEmpty(s.Username, c.cfg.Username),
			Password:           firstNonEmpty(s.Password, c.cfg.Password),
			KeepAlive:          c.cfg.Keepalive,
			Threadsafe:         c.cfg.Threadsafe,
		})
	}
	c.ring = r
	return r
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (c *Client) connectionFor(addr string) *conn.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[addr]
}

func (c *Client) liveness() hash.Liveness {
	return func(server string) bool {
		conn := c.connectionFor(server)
		if conn == nil {
			return false
		}
		return conn.Alive()
	}
}

// allConnections returns every connection currently known to the ring, for
// fan-out operations (stats, version, flush).
func (c *Client) allConnections() map[string]*conn.Connection {
	c.ensureRing()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*conn.Connection, len(c.conns))
	for addr, cn := range c.conns {
		out[addr] = cn
	}
	return out
}

// op is one wire operation to perform against whatever connection the
// chokepoint resolves. nkey is the already-normalized key, handed to fn so
// it doesn't need to normalize it again before building its request.
type op func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error)

// perform normalizes key, resolves a server via the ring, and runs fn
// against that server's connection. A NetworkError triggers exactly one
// retry with a fresh ring selection; the failing server is down by then, so
// with failover enabled a different server is tried. With failover disabled
// the retry goes to the same server, which then answers conn.ErrDown.
func (c *Client) perform(ctx context.Context, rawKey string, fn op) (*protocol.Response, []byte, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, nil, ErrClosed
	}

	nkey, err := c.normalizer.Normalize(rawKey)
	if err != nil {
		return nil, nil, err
	}

	ring := c.ensureRing()

	resp, err := c.performOnce(ctx, ring, nkey, fn)
	if err != nil && IsNetworkError(err) {
		resp, err = c.performOnce(ctx, ring, nkey, fn)
	}
	return resp, nkey, err
}

func (c *Client) performOnce(ctx context.Context, ring *hash.Ring, nkey []byte, fn op) (*protocol.Response, error) {
	var liveFn hash.Liveness
	if c.cfg.Failover {
		liveFn = c.liveness()
	} else {
		liveFn = func(string) bool { return true }
	}

	server, err := ring.LookupFailover(nkey, liveFn)
	if err != nil {
		return nil, err
	}
	cn := c.connectionFor(server)
	if cn == nil {
		return nil, errors.New("client: no connection for server " + server)
	}
	return fn(ctx, cn, nkey)
}

// ErrClosed is returned by any operation on a Client after Close.
var ErrClosed = errors.New("client: closed")

// Reset closes every connection and discards the ring; the client remains
// usable and rebuilds the ring lazily on the next operation.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cn := range c.conns {
		cn.Close()
	}
	c.conns = make(map[string]*conn.Connection)
	c.ring = nil
}

// Close calls Reset and then permanently latches the client unusable.
func (c *Client) Close() error {
	c.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

