// Package ringcache provides a client library for distributed memcached-protocol
// cache clusters, using client-side consistent hashing to spread keys across nodes.
//
// ringcache speaks the memcached binary protocol directly and distributes requests
// across a ring of servers with no inter-node communication or coordination service.
// It supports get/set/add/replace/delete, atomic counters, append/prepend,
// compare-and-swap, pipelined multi-get, and connection pooling.
//
// # Architecture Overview
//
// ringcache consists of several key components:
//
//   - Client SDK: High-level client library with consistent-hash node selection
//   - Protocol: memcached binary protocol encoder/decoder
//   - Consistent Hashing: distributes keys across nodes with minimal redistribution
//   - Connection: per-server connection with liveness tracking and retry
//   - Pool: bounded pool of independently configured clients
//   - Configuration: flexible configuration through environment variables
//
// # Quick Start
//
// Client:
//
//	import "github.com/cachemir/ringcache/pkg/client"
//
//	cl, err := client.New([]string{"localhost:11211", "localhost:11212"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cl.Close()
//
//	cl.Set("user:123", "john_doe", time.Hour)
//
//	var value string
//	found, err := cl.Get("user:123", &value)
//
//	cl.Incr("page_views", 1, 0, true, 0)
//
//	result, err := cl.Cas("user:123", func(current []byte) (interface{}, error) {
//		return append(current, '!'), nil
//	})
//
// # Supported Operations
//
//   - Get, Set, Add, Replace, Delete: basic key-value operations
//   - Append, Prepend: raw byte concatenation onto an existing value
//   - Incr, Decr: atomic counters with optional seeding
//   - Touch, Gat: expiry refresh, with or without fetching the value
//   - Fetch: read-through cache-or-compute
//   - Cas, CasBang: compare-and-swap; a lost race is reported as Conflict, not retried
//   - GetMulti, GetMultiCas: pipelined multi-key fetch
//   - Stats, Version, Flush, AliveBang: cluster introspection and maintenance
//
// # Scaling and Distribution
//
// ringcache uses client-side consistent hashing for horizontal scaling:
//
//   - Keys are automatically distributed across multiple server nodes
//   - Adding/removing nodes causes minimal key redistribution
//   - No inter-node communication required
//   - Failed nodes are skipped via failover when configured
//
// # Configuration
//
// Client configuration via environment variables:
//
//	RINGCACHE_SERVERS=host1:11211,host2:11211 \
//	RINGCACHE_NAMESPACE=myapp \
//	RINGCACHE_SOCKET_TIMEOUT_MS=1000 \
//	./myapp
//
// or programmatically through pkg/config.ClientConfig.
//
// # Package Structure
//
//   - pkg/client: client SDK with consistent hashing
//   - pkg/conn: per-server connection state machine
//   - pkg/protocol: memcached binary protocol encode/decode
//   - pkg/hash: consistent hashing ring
//   - pkg/key: key namespacing and digesting
//   - pkg/codec: value serialization and compression
//   - pkg/multiget: pipelined multi-get coordinator
//   - pkg/pool: bounded pool of pkg/client instances
//   - pkg/config: configuration management
//   - internal/testserver: minimal in-memory server for tests and examples
//   - cmd/testserver: standalone test server executable
//   - cmd/client-example: example client usage
//
// For detailed documentation of individual packages, see their respective godoc pages.
package ringcache
