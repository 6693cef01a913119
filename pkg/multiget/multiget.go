// Package multiget implements the pipelined multi-get coordinator: group
// keys by server, issue quiet pipelined gets, and drain the responses with
// an explicit readiness-polling loop bounded by one whole-operation
// deadline. There is no goroutine per socket; one caller goroutine visits
// each participant connection in turn, giving each a short slice of the
// remaining time budget.
package multiget

import (
	"time"

	"github.com/cachemir/ringcache/pkg/codec"
	"github.com/cachemir/ringcache/pkg/conn"
	"github.com/cachemir/ringcache/pkg/hash"
	"github.com/cachemir/ringcache/pkg/key"
	"github.com/cachemir/ringcache/pkg/logging"
)

// Item is one multi-get result. Value has had compression reversed but not
// serialization: Flags still carries codec.FlagSerialized when the caller
// needs to unmarshal it with the same Serializer the client is configured
// with.
type Item struct {
	Value []byte
	CAS   uint64
	Flags uint32
}

// Deps are the collaborators the coordinator needs; all are owned by the
// caller (normally a *client.Client).
type Deps struct {
	Ring          *hash.Ring
	Connection    func(server string) *conn.Connection
	Normalizer    *key.Normalizer
	Namespace     string
	CodecOpts     codec.Options
	SocketTimeout time.Duration
	Failover      bool
	Logger        logging.Logger
}

// minSliceDuration is the floor on how long a single connection's
// nonblocking drain call may wait in one pass around the active set. Each
// connection otherwise gets an equal share of the remaining time, so the loop
// keeps visiting every connection instead of camping on one.
const minSliceDuration = time.Millisecond

// Get fans keys out to their owning servers, drains responses under the
// configured socket timeout as a single whole-operation deadline, and
// returns whatever was retrieved. Per-key and per-group failures (bad keys,
// a down server with failover disabled) are logged and dropped rather than
// failing the whole call; a network error mid-drain aborts the entire
// operation and is returned.
func Get(keys []string, deps Deps) (map[string]Item, error) {
	type group struct {
		server      string
		cn          *conn.Connection
		origByNorm  map[string]string
		normKeys    [][]byte
	}

	groups := make(map[string]*group)

	liveFn := deps.liveness()
	for _, rawKey := range keys {
		nkey, err := deps.Normalizer.Normalize(rawKey)
		if err != nil {
			deps.logf("multiget: dropping invalid key %q: %v", rawKey, err)
			continue
		}
		server, err := deps.Ring.LookupFailover(nkey, liveFn)
		if err != nil {
			deps.logf("multiget: no server for key %q: %v", rawKey, err)
			continue
		}
		g, ok := groups[server]
		if !ok {
			cn := deps.Connection(server)
			if cn == nil {
				deps.logf("multiget: no connection for server %s", server)
				continue
			}
			g = &group{server: server, cn: cn, origByNorm: make(map[string]string)}
			groups[server] = g
		}
		g.normKeys = append(g.normKeys, nkey)
		g.origByNorm[string(nkey)] = rawKey
	}

	results := make(map[string]Item)
	if len(groups) == 0 {
		return results, nil
	}

	// release unlocks a group's connection exactly once, however its drain
	// ends (completion, timeout-abort, or error-abort).
	release := func(g *group) { g.cn.Unlock() }

	var active []*group
	for _, g := range groups {
		// Held for the whole drain below so a concurrent Request on this
		// connection from another goroutine can't interleave with the
		// pipelined reads.
		g.cn.Lock()
		if err := g.cn.SendMultiget(g.normKeys); err != nil {
			deps.logf("multiget: send failed for server %s: %v", g.server, err)
			release(g)
			continue
		}
		g.cn.MultiResponseStart()
		active = append(active, g)
	}

	loopStart := time.Now()
	for len(active) > 0 {
		elapsed := time.Since(loopStart)
		timeLeft := deps.SocketTimeout - elapsed
		if timeLeft <= 0 {
			for _, g := range active {
				g.cn.MultiResponseAbort()
				release(g)
			}
			return results, nil
		}

		perConn := timeLeft / time.Duration(len(active))
		if perConn < minSliceDuration {
			perConn = minSliceDuration
		}

		remaining := active[:0]
		for i, g := range active {
			items, done, err := g.cn.MultiResponseNonblock(perConn)
			for _, it := range items {
				origKey := g.origByNorm[string(it.Key)]
				if origKey == "" {
					origKey = string(key.Denormalize(deps.Namespace, it.Key))
				}
				// Compression is reversed here; unmarshaling a serialized
				// value is left to the caller, since Item.Value has no way
				// to carry an arbitrary destination type through the map.
				value, decErr := codec.Decompress(it.Value, it.Flags, deps.CodecOpts)
				if decErr != nil {
					deps.logf("multiget: dropping undecompressable value for key %q: %v", origKey, decErr)
					continue
				}
				results[origKey] = Item{Value: value, CAS: it.CAS, Flags: it.Flags}
			}
			if err != nil {
				release(g)
				// remaining shares active's backing array; the groups still
				// holding their lock are remaining plus those not yet visited.
				for _, other := range remaining {
					other.cn.MultiResponseAbort()
					release(other)
				}
				for _, other := range active[i+1:] {
					other.cn.MultiResponseAbort()
					release(other)
				}
				return results, err
			}
			if done {
				release(g)
			} else {
				remaining = append(remaining, g)
			}
		}
		active = remaining
	}

	return results, nil
}

func (d Deps) liveness() hash.Liveness {
	if !d.Failover {
		return func(string) bool { return true }
	}
	return func(server string) bool {
		cn := d.Connection(server)
		return cn != nil && cn.Alive()
	}
}

func (d Deps) logf(format string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Warnf(format, args...)
	}
}
