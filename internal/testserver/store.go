// Package testserver implements a minimal memcached-binary-protocol server:
// just enough of a real cache node to exercise pkg/client and pkg/multiget
// against something real over a socket. It is not meant to be a production
// cache; storage is a single in-memory map with no eviction policy beyond
// expiry.
package testserver

import (
	"strconv"
	"sync"
	"time"

	"github.com/cachemir/ringcache/pkg/protocol"
)

// item is one stored value: its bytes, the opaque flags word the client
// asked to have echoed back, an optional expiry, and a CAS token that
// changes on every mutation.
type item struct {
	value   []byte
	flags   uint32
	expires time.Time
	cas     uint64
}

func (it *item) expired(now time.Time) bool {
	return !it.expires.IsZero() && now.After(it.expires)
}

// Store is a flat, mutex-guarded key/value table with per-key expiry and
// CAS tokens, trimmed from a richer multi-type cache down to exactly what a
// memcached server exposes to a binary-protocol client.
type Store struct {
	mu      sync.RWMutex
	data    map[string]*item
	nextCAS uint64

	stop chan struct{}
	done chan struct{}
}

// sweepInterval bounds how stale an expired-but-unaccessed key can get
// before the background sweep reclaims it.
const sweepInterval = 30 * time.Second

// NewStore creates an empty Store and starts its background expiry sweep.
func NewStore() *Store {
	s := &Store{
		data: make(map[string]*item),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.sweepExpired()
	return s
}

// Close stops the background sweep. The store remains otherwise usable.
func (s *Store) Close() {
	close(s.stop)
	<-s.done
}

func (s *Store) sweepExpired() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, it := range s.data {
				if it.expired(now) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) allocCAS() uint64 {
	s.nextCAS++
	return s.nextCAS
}

func expiryTime(expiry uint32) time.Time {
	if expiry == 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(expiry) * time.Second)
}

// Get returns the current value, flags, and CAS for key.
func (s *Store) Get(key string) (value []byte, flags uint32, cas uint64, status protocol.Status) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.data[key]
	if !ok || it.expired(time.Now()) {
		return nil, 0, 0, protocol.StatusKeyNotFound
	}
	return it.value, it.flags, it.cas, protocol.StatusOK
}

// Set stores value unconditionally, or conditionally on reqCAS matching the
// current CAS when reqCAS is nonzero.
func (s *Store) Set(key string, value []byte, flags, expiry uint32, reqCAS uint64) (newCAS uint64, status protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reqCAS != 0 {
		existing, ok := s.data[key]
		if !ok || existing.expired(time.Now()) {
			return 0, protocol.StatusKeyNotFound
		}
		if existing.cas != reqCAS {
			return 0, protocol.StatusKeyExists
		}
	}

	cas := s.allocCAS()
	s.data[key] = &item{value: value, flags: flags, expires: expiryTime(expiry), cas: cas}
	return cas, protocol.StatusOK
}

// Add stores value only if key is absent (or expired).
func (s *Store) Add(key string, value []byte, flags, expiry uint32) (newCAS uint64, status protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[key]; ok && !existing.expired(time.Now()) {
		return 0, protocol.StatusKeyExists
	}
	cas := s.allocCAS()
	s.data[key] = &item{value: value, flags: flags, expires: expiryTime(expiry), cas: cas}
	return cas, protocol.StatusOK
}

// Replace stores value only if key is present and not expired, optionally
// conditioned on reqCAS matching.
func (s *Store) Replace(key string, value []byte, flags, expiry uint32, reqCAS uint64) (newCAS uint64, status protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[key]
	if !ok || existing.expired(time.Now()) {
		return 0, protocol.StatusKeyNotFound
	}
	if reqCAS != 0 && existing.cas != reqCAS {
		return 0, protocol.StatusKeyExists
	}
	cas := s.allocCAS()
	s.data[key] = &item{value: value, flags: flags, expires: expiryTime(expiry), cas: cas}
	return cas, protocol.StatusOK
}

// Delete removes key, optionally conditioned on reqCAS matching.
func (s *Store) Delete(key string, reqCAS uint64) protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[key]
	if !ok || existing.expired(time.Now()) {
		return protocol.StatusKeyNotFound
	}
	if reqCAS != 0 && existing.cas != reqCAS {
		return protocol.StatusKeyExists
	}
	delete(s.data, key)
	return protocol.StatusOK
}

// Append appends suffix to the existing value. Fails if key is absent.
func (s *Store) Append(key string, suffix []byte) (newCAS uint64, status protocol.Status) {
	return s.concat(key, suffix, false)
}

// Prepend prepends prefix to the existing value. Fails if key is absent.
func (s *Store) Prepend(key string, prefix []byte) (newCAS uint64, status protocol.Status) {
	return s.concat(key, prefix, true)
}

func (s *Store) concat(key string, add []byte, before bool) (newCAS uint64, status protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[key]
	if !ok || existing.expired(time.Now()) {
		return 0, protocol.StatusItemNotStored
	}

	var combined []byte
	if before {
		combined = append(append([]byte{}, add...), existing.value...)
	} else {
		combined = append(append([]byte{}, existing.value...), add...)
	}
	cas := s.allocCAS()
	existing.value = combined
	existing.cas = cas
	return cas, protocol.StatusOK
}

// incrDecrSentinel marks an expiry of "fail if the key is absent" in
// IncrDecr, matching SetIncrDecrExtras's encoding of a nil initial value.
const incrDecrSentinel = 0xFFFFFFFF

// IncrDecr adds delta to the counter stored at key, or subtracts it when
// decrement is set, clamping at zero, seeding initial if the key is
// absent and expiry isn't the "fail if absent" sentinel.
func (s *Store) IncrDecr(key string, delta uint64, decrement bool, initial uint64, expiry uint32) (newVal, newCAS uint64, status protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[key]
	if !ok || existing.expired(time.Now()) {
		if expiry == incrDecrSentinel {
			return 0, 0, protocol.StatusKeyNotFound
		}
		cas := s.allocCAS()
		s.data[key] = &item{value: protocol.AppendUint64Value(initial), expires: expiryTime(expiry), cas: cas}
		return initial, cas, protocol.StatusOK
	}

	cur, err := protocol.ParseUint64Value(existing.value)
	if err != nil {
		return 0, 0, protocol.StatusNonNumeric
	}

	var next uint64
	if decrement {
		if delta > cur {
			next = 0
		} else {
			next = cur - delta
		}
	} else {
		next = cur + delta
	}

	cas := s.allocCAS()
	existing.value = protocol.AppendUint64Value(next)
	existing.cas = cas
	return next, cas, protocol.StatusOK
}

// Touch updates key's expiry without touching its value.
func (s *Store) Touch(key string, expiry uint32) protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[key]
	if !ok || existing.expired(time.Now()) {
		return protocol.StatusKeyNotFound
	}
	existing.expires = expiryTime(expiry)
	return protocol.StatusOK
}

// Flush discards every stored key.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*item)
}

// Stats reports a small set of counters, matching the fields a real
// memcached STAT response would include a subset of.
func (s *Store) Stats() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]string{
		"curr_items": strconv.Itoa(len(s.data)),
	}
}
