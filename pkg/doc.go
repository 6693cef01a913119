// Package ringcache provides the core components for the ringcache distributed
// caching client.
//
// This package serves as the umbrella for ringcache's public API and contains
// the primary interfaces and types used throughout the system. It brings together
// all the individual components to provide a cohesive memcached client library.
//
// # Overview
//
// ringcache is a client library for memcached-protocol cache clusters, designed
// for horizontal scalability through client-side consistent hashing. There is no
// server-side coordination: each client independently computes which node owns a
// key and talks to that node directly over the memcached binary protocol.
//
// # Key Features
//
//   - memcached binary protocol, no text-protocol fallback
//   - Horizontal scaling through consistent hashing
//   - Connection-level retry and failover on network errors
//   - Atomic counters, append/prepend, and compare-and-swap
//   - Pipelined multi-get over quiet opcodes
//   - Pluggable value serialization and compression
//   - Optional bounded pool of whole client instances
//
// # Architecture Components
//
// Client SDK (pkg/client):
//   - High-level client library
//   - Automatic node selection via consistent hashing
//   - One connection per server node
//   - Retry-once-on-network-error dispatch
//
// Connection (pkg/conn):
//   - Per-server connection state machine
//   - Liveness tracking and reconnect-on-demand
//   - Mutual exclusion for one in-flight request at a time
//
// Protocol (pkg/protocol):
//   - memcached binary protocol request/response framing
//   - Opcode and status tables
//   - Extras encoding for store, expiry, and incr/decr requests
//
// Consistent Hashing (pkg/hash):
//   - Virtual points for better distribution
//   - Minimal key redistribution on topology changes
//   - Thread-safe ring lookups with failover
//
// Value Codec (pkg/codec):
//   - Pluggable serialization (gob by default)
//   - Optional compression with a size threshold
//   - Flags-based round trip so foreign writers can be read back
//
// Multi-Get (pkg/multiget):
//   - Pipelines GETKQ across distinct servers behind one NOOP barrier per server
//   - Drains responses as they arrive rather than per-key round trips
//
// Pool (pkg/pool):
//   - Bounds the number of live pkg/client instances
//   - Built on a generic resource pool, not tied to a single server address
//
// Configuration (pkg/config):
//   - Client and test-server configuration management
//   - Environment variables with documented defaults
//   - Validation and defaults
//
// # Usage Examples
//
// Basic client usage:
//
//	import "github.com/cachemir/ringcache/pkg/client"
//
//	cl, err := client.New([]string{"server1:11211", "server2:11211"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cl.Close()
//
//	err = cl.Set("user:123", "john_doe", time.Hour)
//	var value string
//	found, err := cl.Get("user:123", &value)
//	deleted, err := cl.Delete("user:123")
//
// Advanced client configuration:
//
//	import "github.com/cachemir/ringcache/pkg/config"
//
//	cfg := config.LoadClientConfig()
//	cl, err := client.NewWithConfig(cfg)
//
// Pooled clients:
//
//	import "github.com/cachemir/ringcache/pkg/pool"
//
//	p, err := pool.New(func() (*client.Client, error) {
//		return client.New([]string{"server1:11211", "server2:11211"})
//	}, 10)
//	res, err := p.Acquire(ctx)
//	defer res.Release()
//	res.Client().Get("user:123", &value)
//
// # Operations
//
//   - Get, Set, Add, Replace, Delete: basic key-value operations
//   - Append, Prepend: raw byte concatenation onto an existing value
//   - Incr, Decr: atomic counters, optionally seeded on first use
//   - Touch, Gat: expiry refresh, with or without fetching the value
//   - Fetch: read-through cache-or-compute with add-not-set semantics
//   - Cas, CasBang: compare-and-swap with a caller-supplied producer
//   - GetMulti, GetMultiCas: pipelined multi-key fetch
//   - Stats, Version, Flush, AliveBang: cluster introspection and maintenance
//
// # Scaling and Performance
//
// Horizontal Scaling:
//   - Client-side sharding using consistent hashing
//   - Add nodes without a migration step; only keys near the new points move
//   - No single point of failure in the client path itself
//
// # Error Handling
//
// The client SDK distinguishes protocol-level errors (server responded, but
// with a non-OK status) from network errors (dial, read, or write failure),
// and retries a request exactly once against a failover node on the latter
// when failover is enabled.
//
// # Thread Safety
//
// All ringcache components are designed for concurrent use:
//   - Client is safe for concurrent use by multiple goroutines
//   - Connection serializes requests against a single socket
//   - Consistent hash ring supports concurrent lookups
//
// For detailed documentation of specific components, refer to their individual
// package documentation.
package ringcache
