// Package hash implements the consistent hash ring that maps keys onto
// servers, with per-server weighting and failover to the next live server
// when the primary one is down.
//
// Consistent hashing distributes keys across servers so that adding or
// removing a server only redistributes the keys that land on that server's
// points, not the whole keyspace. Each server is placed at multiple points
// on the ring (proportional to its weight) to smooth out the distribution.
package hash

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PointsPerWeight is the number of ring points placed per unit of server
// weight. A server with weight 1 gets this many points; weight 2 gets
// twice as many.
const PointsPerWeight = 160

// RingError is returned when a lookup cannot be satisfied, either because
// the ring has no servers or because every candidate server is down.
var RingError = errors.New("hash: no live server available")

// Liveness reports whether server is currently usable. The ring has no
// notion of connection state itself; callers (the request chokepoint) supply
// this so the ring can skip down servers during failover.
type Liveness func(server string) bool

// alwaysAlive treats every server as live, used when no Liveness is supplied.
func alwaysAlive(string) bool { return true }

// Ring is a weighted consistent hash ring. Zero value is not usable; use
// New.
type Ring struct {
	mu           sync.RWMutex
	points       map[uint64]string
	sortedPoints []uint64
	weights      map[string]int
}

// New constructs an empty Ring. Lookups and mutations are always
// synchronized internally; the ring has no single-threaded fast path (that
// lives in pkg/conn's per-connection Threadsafe option instead).
func New() *Ring {
	return &Ring{
		points:  make(map[uint64]string),
		weights: make(map[string]int),
	}
}

// AddServer adds server to the ring with the given weight (minimum 1). If
// the server already exists, its points are replaced to reflect the new
// weight.
func (r *Ring) AddServer(server string, weight int) {
	if weight < 1 {
		weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeServerLocked(server)
	r.weights[server] = weight
	n := weight * PointsPerWeight
	for i := 0; i < n; i++ {
		p := r.pointHash(server, i)
		r.points[p] = server
		r.sortedPoints = append(r.sortedPoints, p)
	}
	sort.Slice(r.sortedPoints, func(i, j int) bool { return r.sortedPoints[i] < r.sortedPoints[j] })
}

// RemoveServer removes server and all of its points from the ring.
func (r *Ring) RemoveServer(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeServerLocked(server)
}

func (r *Ring) removeServerLocked(server string) {
	if _, ok := r.weights[server]; !ok {
		return
	}
	weight := r.weights[server]
	delete(r.weights, server)
	for i := 0; i < weight*PointsPerWeight; i++ {
		delete(r.points, r.pointHash(server, i))
	}
	kept := r.sortedPoints[:0:0]
	for _, p := range r.sortedPoints {
		if _, exists := r.points[p]; exists {
			kept = append(kept, p)
		}
	}
	r.sortedPoints = kept
}

// Servers returns the distinct server addresses currently in the ring. Order
// is not guaranteed.
func (r *Ring) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.weights))
	for s := range r.weights {
		out = append(out, s)
	}
	return out
}

// Lookup returns the server that owns key, ignoring liveness. It returns
// RingError if the ring has no servers.
func (r *Ring) Lookup(key []byte) (string, error) {
	return r.LookupFailover(key, alwaysAlive)
}

// LookupFailover returns the server that owns key, walking forward around
// the ring past any server for which alive reports false. It returns
// RingError if the ring is empty or every server is down.
func (r *Ring) LookupFailover(key []byte, alive Liveness) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sortedPoints) == 0 {
		return "", RingError
	}
	if alive == nil {
		alive = alwaysAlive
	}

	h := xxhash.Sum64(key)
	start := r.search(h)
	n := len(r.sortedPoints)
	tried := make(map[string]bool, len(r.weights))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		server := r.points[r.sortedPoints[idx]]
		if tried[server] {
			continue
		}
		tried[server] = true
		if alive(server) {
			return server, nil
		}
	}
	return "", RingError
}

func (r *Ring) search(h uint64) int {
	idx := sort.Search(len(r.sortedPoints), func(i int) bool {
		return r.sortedPoints[i] >= h
	})
	if idx == len(r.sortedPoints) {
		idx = 0
	}
	return idx
}

func (r *Ring) pointHash(server string, i int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s:%d", server, i))
}

// Stats reports ring size information, useful for diagnostics.
func (r *Ring) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"servers": len(r.weights),
		"points":  len(r.sortedPoints),
	}
}
