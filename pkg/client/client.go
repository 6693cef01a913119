package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cachemir/ringcache/pkg/codec"
	"github.com/cachemir/ringcache/pkg/conn"
	"github.com/cachemir/ringcache/pkg/multiget"
	"github.com/cachemir/ringcache/pkg/protocol"
)

// Get retrieves a value. The second return is false when the key is absent.
func (c *Client) Get(key string, dst interface{}) (bool, error) {
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		return cn.Request(ctx, &protocol.Request{Opcode: protocol.OpGet, Key: nkey})
	})
	if err != nil {
		return false, err
	}
	if resp.Status == protocol.StatusKeyNotFound {
		return false, nil
	}
	if !resp.OK() {
		return false, statusError(resp.Status)
	}
	flags := flagsFromExtras(resp.Extras)
	if err := codec.Decode(resp.Value, flags, dst, c.codecOpts); err != nil {
		return false, ErrUnmarshal
	}
	return true, nil
}

// Set unconditionally stores value under key with the given ttl (0 = use
// configured default, which itself may be 0 meaning no expiry).
func (c *Client) Set(key string, value interface{}, ttl time.Duration) error {
	wire, flags, err := codec.Encode(value, c.codecOpts)
	if err != nil {
		return err
	}
	_, _, err = c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		req := &protocol.Request{
			Opcode: protocol.OpSet,
			Key:    nkey,
			Extras: protocol.SetStoreExtras(flags, expirySeconds(c.effectiveTTL(ttl))),
			Value:  wire,
		}
		return cn.Request(ctx, req)
	})
	return err
}

// Add stores value only if key does not already exist. Returns false,nil
// (not an error) if the key already exists.
func (c *Client) Add(key string, value interface{}, ttl time.Duration) (bool, error) {
	wire, flags, err := codec.Encode(value, c.codecOpts)
	if err != nil {
		return false, err
	}
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		req := &protocol.Request{
			Opcode: protocol.OpAdd,
			Key:    nkey,
			Extras: protocol.SetStoreExtras(flags, expirySeconds(c.effectiveTTL(ttl))),
			Value:  wire,
		}
		return cn.Request(ctx, req)
	})
	if err != nil {
		return false, err
	}
	if resp.Status == protocol.StatusKeyExists || resp.Status == protocol.StatusItemNotStored {
		return false, nil
	}
	if !resp.OK() {
		return false, statusError(resp.Status)
	}
	return true, nil
}

// Replace stores value only if key already exists.
func (c *Client) Replace(key string, value interface{}, ttl time.Duration) (bool, error) {
	wire, flags, err := codec.Encode(value, c.codecOpts)
	if err != nil {
		return false, err
	}
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		req := &protocol.Request{
			Opcode: protocol.OpReplace,
			Key:    nkey,
			Extras: protocol.SetStoreExtras(flags, expirySeconds(c.effectiveTTL(ttl))),
			Value:  wire,
		}
		return cn.Request(ctx, req)
	})
	if err != nil {
		return false, err
	}
	if resp.Status == protocol.StatusKeyNotFound || resp.Status == protocol.StatusItemNotStored {
		return false, nil
	}
	if !resp.OK() {
		return false, statusError(resp.Status)
	}
	return true, nil
}

// Delete removes key. Returns false,nil if it did not exist.
func (c *Client) Delete(key string) (bool, error) {
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		return cn.Request(ctx, &protocol.Request{Opcode: protocol.OpDelete, Key: nkey})
	})
	if err != nil {
		return false, err
	}
	if resp.Status == protocol.StatusKeyNotFound {
		return false, nil
	}
	return resp.OK(), statusErrorIfNotOK(resp.Status)
}

// Append appends raw bytes to an existing value without touching flags.
func (c *Client) Append(key string, value []byte) (bool, error) {
	return c.appendPrepend(key, value, protocol.OpAppend)
}

// Prepend prepends raw bytes to an existing value without touching flags.
func (c *Client) Prepend(key string, value []byte) (bool, error) {
	return c.appendPrepend(key, value, protocol.OpPrepend)
}

func (c *Client) appendPrepend(key string, value []byte, opcode protocol.Opcode) (bool, error) {
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		return cn.Request(ctx, &protocol.Request{Opcode: opcode, Key: nkey, Value: value})
	})
	if err != nil {
		return false, err
	}
	if resp.Status == protocol.StatusItemNotStored {
		return false, nil
	}
	return resp.OK(), statusErrorIfNotOK(resp.Status)
}

// Incr increments a counter by delta. If the key is absent and hasInitial is
// true, it is seeded to initial with delta already applied (initial+delta);
// if hasInitial is false, the operation fails with a not-found status instead
// of seeding a default.
func (c *Client) Incr(key string, delta uint64, initial uint64, hasInitial bool, ttl time.Duration) (uint64, error) {
	return c.incrDecr(key, delta, initial, hasInitial, ttl, protocol.OpIncrement)
}

// Decr decrements a counter by delta, clamping at 0. An absent key with
// hasInitial is seeded to initial-delta, also clamped at 0.
func (c *Client) Decr(key string, delta uint64, initial uint64, hasInitial bool, ttl time.Duration) (uint64, error) {
	return c.incrDecr(key, delta, initial, hasInitial, ttl, protocol.OpDecrement)
}

func (c *Client) incrDecr(key string, delta, initial uint64, hasInitial bool, ttl time.Duration, opcode protocol.Opcode) (uint64, error) {
	// The server stores the seed as-is on a miss, so delta is applied to
	// initial here to make the first call count like every later one.
	seed := initial + delta
	if opcode == protocol.OpDecrement {
		seed = 0
		if initial > delta {
			seed = initial - delta
		}
	}
	extras := protocol.SetIncrDecrExtras(delta, seed, expirySeconds(c.effectiveTTL(ttl)), hasInitial)
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		return cn.Request(ctx, &protocol.Request{Opcode: opcode, Key: nkey, Extras: extras})
	})
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, statusError(resp.Status)
	}
	return protocol.ParseUint64Value(resp.Value)
}

// Touch updates a key's expiry without fetching its value.
func (c *Client) Touch(key string, ttl time.Duration) (bool, error) {
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		req := &protocol.Request{Opcode: protocol.OpTouch, Key: nkey, Extras: protocol.SetExpiryExtras(expirySeconds(ttl))}
		return cn.Request(ctx, req)
	})
	if err != nil {
		return false, err
	}
	if resp.Status == protocol.StatusKeyNotFound {
		return false, nil
	}
	return resp.OK(), statusErrorIfNotOK(resp.Status)
}

// Gat (get-and-touch) fetches a value while updating its expiry.
func (c *Client) Gat(key string, ttl time.Duration, dst interface{}) (bool, error) {
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		req := &protocol.Request{Opcode: protocol.OpGAT, Key: nkey, Extras: protocol.SetExpiryExtras(expirySeconds(ttl))}
		return cn.Request(ctx, req)
	})
	if err != nil {
		return false, err
	}
	if resp.Status == protocol.StatusKeyNotFound {
		return false, nil
	}
	if !resp.OK() {
		return false, statusError(resp.Status)
	}
	flags := flagsFromExtras(resp.Extras)
	if err := codec.Decode(resp.Value, flags, dst, c.codecOpts); err != nil {
		return false, ErrUnmarshal
	}
	return true, nil
}

// Fetch reads key; on a miss it calls producer and stores the result with
// add (never set), so that under a concurrent-miss race only the first
// producer's value wins. A nil producer result is stored as an empty-byte
// marker rather than skipped, so a later Fetch can tell "cached nil" apart
// from "never cached" at all. Whether that cached nil is honored as a hit on
// the way back out, instead of re-running producer, is governed by
// CacheNils.
func (c *Client) Fetch(key string, ttl time.Duration, producer func() (interface{}, error)) (interface{}, error) {
	var raw []byte
	found, err := c.Get(key, &raw)
	if err != nil && err != ErrUnmarshal {
		return nil, err
	}
	if found && (len(raw) > 0 || c.cfg.CacheNils) {
		if len(raw) == 0 {
			return nil, nil
		}
		return raw, nil
	}

	value, err := producer()
	if err != nil {
		return nil, err
	}
	if value == nil {
		if _, err := c.Add(key, []byte{}, ttl); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if _, err := c.Add(key, value, ttl); err != nil {
		return nil, err
	}
	return value, nil
}

// Cas reads the current value and CAS token, calls producer with it, and
// writes the result back conditioned on the token still matching. It
// returns Missing together with ErrCASNotFound if the key does not exist.
func (c *Client) Cas(key string, producer func(current []byte) (interface{}, error)) (CASResult, error) {
	return c.cas(key, producer, false)
}

// CasBang behaves like Cas but calls producer even when the key is absent,
// storing the result unconditionally (token = 0) in that case.
func (c *Client) CasBang(key string, producer func(current []byte) (interface{}, error)) (CASResult, error) {
	return c.cas(key, producer, true)
}

func (c *Client) cas(key string, producer func(current []byte) (interface{}, error), bang bool) (CASResult, error) {
	resp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		return cn.Request(ctx, &protocol.Request{Opcode: protocol.OpGet, Key: nkey})
	})
	if err != nil {
		return Missing, err
	}

	var current []byte
	var cas uint64
	switch {
	case resp.Status == protocol.StatusKeyNotFound:
		if !bang {
			return Missing, ErrCASNotFound
		}
		cas = 0
	case resp.OK():
		current = resp.Value
		cas = resp.CAS
	default:
		return Missing, statusError(resp.Status)
	}

	newValue, err := producer(current)
	if err != nil {
		return Missing, err
	}
	wire, flags, err := codec.Encode(newValue, c.codecOpts)
	if err != nil {
		return Missing, err
	}

	setResp, _, err := c.perform(context.Background(), key, func(ctx context.Context, cn *conn.Connection, nkey []byte) (*protocol.Response, error) {
		req := &protocol.Request{
			Opcode: protocol.OpSet,
			Key:    nkey,
			Extras: protocol.SetStoreExtras(flags, 0),
			Value:  wire,
			CAS:    cas,
		}
		return cn.Request(ctx, req)
	})
	if err != nil {
		return Missing, err
	}
	if setResp.Status == protocol.StatusKeyExists {
		return Conflict, nil
	}
	if !setResp.OK() {
		return Missing, statusError(setResp.Status)
	}
	return Updated, nil
}

// GetMulti retrieves several keys in one pipelined pass. Keys that do not
// exist, or whose server is unreachable with failover disabled, are simply
// absent from the returned map.
func (c *Client) GetMulti(keys []string) (map[string]multiget.Item, error) {
	ring := c.ensureRing()
	return multiget.Get(keys, multiget.Deps{
		Ring:          ring,
		Connection:    c.connectionFor,
		Normalizer:    c.normalizer,
		Namespace:     c.cfg.Namespace,
		CodecOpts:     c.codecOpts,
		SocketTimeout: c.cfg.SocketTimeout,
		Failover:      c.cfg.Failover,
		Logger:        c.logger,
	})
}

// GetMultiCas is an alias for GetMulti: the returned Item already carries
// the CAS token alongside the value.
func (c *Client) GetMultiCas(keys []string) (map[string]multiget.Item, error) {
	return c.GetMulti(keys)
}

// Stats fans a STAT request out to every live server.
func (c *Client) Stats() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for addr, cn := range c.allConnections() {
		if !cn.Alive() {
			continue
		}
		resp, err := cn.Request(context.Background(), &protocol.Request{Opcode: protocol.OpStat})
		if err != nil || !resp.OK() {
			continue
		}
		out[addr] = map[string]string{string(resp.Key): string(resp.Value)}
	}
	return out
}

// Version fans a VERSION request out to every live server.
func (c *Client) Version() map[string]string {
	out := make(map[string]string)
	for addr, cn := range c.allConnections() {
		if !cn.Alive() {
			continue
		}
		resp, err := cn.Request(context.Background(), &protocol.Request{Opcode: protocol.OpVersion})
		if err != nil || !resp.OK() {
			continue
		}
		out[addr] = string(resp.Value)
	}
	return out
}

// Flush issues FLUSH to every server, staggering the delay by step per
// server so caches expire in sequence rather than all at once.
func (c *Client) Flush(step time.Duration) error {
	var i uint32
	for _, cn := range c.allConnections() {
		if !cn.Alive() {
			continue
		}
		delay := expirySeconds(time.Duration(i) * step)
		if _, err := cn.Request(context.Background(), &protocol.Request{Opcode: protocol.OpFlush, Extras: protocol.SetExpiryExtras(delay)}); err != nil {
			return err
		}
		i++
	}
	return nil
}

// AliveBang probes the ring for at least one live server, raising RingError
// if none is alive.
func (c *Client) AliveBang() error {
	ring := c.ensureRing()
	_, err := ring.LookupFailover([]byte("__alive_probe__"), c.liveness())
	return err
}

func (c *Client) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return c.cfg.ExpiresIn
	}
	return ttl
}

// flagsFromExtras reads the 4-byte flags-only extras layout carried by
// GET/GETK/GAT responses (distinct from the flags+expiry layout requests use).
func flagsFromExtras(extras []byte) uint32 {
	if len(extras) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(extras)
}

func expirySeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}

func statusError(status protocol.Status) error {
	return fmt.Errorf("%w: status 0x%02x", ErrProtocol, status)
}

func statusErrorIfNotOK(status protocol.Status) error {
	if status == protocol.StatusOK {
		return nil
	}
	return statusError(status)
}
