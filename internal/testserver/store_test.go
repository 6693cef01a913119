package testserver

import (
	"testing"
	"time"

	"github.com/cachemir/ringcache/pkg/protocol"
)

func TestStoreSetGet(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if _, status := s.Set("k", []byte("v1"), 0, 0, 0); status != protocol.StatusOK {
		t.Fatalf("Set: status %v", status)
	}

	value, _, _, status := s.Get("k")
	if status != protocol.StatusOK || string(value) != "v1" {
		t.Errorf("Get: got %q status %v, want v1/OK", value, status)
	}
}

func TestStoreAddFailsWhenPresent(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if _, status := s.Add("k", []byte("v1"), 0, 0); status != protocol.StatusOK {
		t.Fatalf("first Add: status %v", status)
	}
	if _, status := s.Add("k", []byte("v2"), 0, 0); status != protocol.StatusKeyExists {
		t.Errorf("second Add: status %v, want StatusKeyExists", status)
	}
}

func TestStoreReplaceFailsWhenAbsent(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if _, status := s.Replace("missing", []byte("v"), 0, 0, 0); status != protocol.StatusKeyNotFound {
		t.Errorf("Replace on absent key: status %v, want StatusKeyNotFound", status)
	}
}

func TestStoreExpiry(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if _, status := s.Set("k", []byte("v"), 0, 1, 0); status != protocol.StatusOK {
		t.Fatalf("Set: status %v", status)
	}
	// simulate an already-past expiry by touching to a duration in the past
	// is not possible through the public API, so exercise the real one-second
	// TTL instead of a synthetic clock.
	time.Sleep(1100 * time.Millisecond)

	if _, _, _, status := s.Get("k"); status != protocol.StatusKeyNotFound {
		t.Errorf("Get after expiry: status %v, want StatusKeyNotFound", status)
	}
}

func TestStoreCASMismatchRejected(t *testing.T) {
	s := NewStore()
	defer s.Close()

	cas, status := s.Add("k", []byte("v1"), 0, 0)
	if status != protocol.StatusOK {
		t.Fatalf("Add: status %v", status)
	}

	if _, status := s.Set("k", []byte("v2"), 0, 0, cas+1); status != protocol.StatusKeyExists {
		t.Errorf("Set with wrong CAS: status %v, want StatusKeyExists", status)
	}
	if _, status := s.Set("k", []byte("v2"), 0, 0, cas); status != protocol.StatusOK {
		t.Errorf("Set with correct CAS: status %v, want StatusOK", status)
	}
}

func TestStoreAppendPrepend(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if _, status := s.Add("k", []byte("bc"), 0, 0); status != protocol.StatusOK {
		t.Fatalf("Add: status %v", status)
	}
	if _, status := s.Append("k", []byte("d")); status != protocol.StatusOK {
		t.Fatalf("Append: status %v", status)
	}
	if _, status := s.Prepend("k", []byte("a")); status != protocol.StatusOK {
		t.Fatalf("Prepend: status %v", status)
	}

	value, _, _, _ := s.Get("k")
	if string(value) != "abcd" {
		t.Errorf("Get: got %q, want abcd", value)
	}
}

func TestStoreIncrDecrSeedsAndClamps(t *testing.T) {
	s := NewStore()
	defer s.Close()

	val, _, status := s.IncrDecr("ctr", 5, false, 10, 0)
	if status != protocol.StatusOK || val != 10 {
		t.Fatalf("seed IncrDecr: val %d status %v, want 10/OK", val, status)
	}

	val, _, status = s.IncrDecr("ctr", 3, false, 0, 0)
	if status != protocol.StatusOK || val != 13 {
		t.Errorf("increment: val %d status %v, want 13/OK", val, status)
	}

	val, _, status = s.IncrDecr("ctr", 99, true, 0, 0)
	if status != protocol.StatusOK || val != 0 {
		t.Errorf("decrement past zero: val %d status %v, want 0/OK", val, status)
	}
}

func TestStoreIncrDecrFailsWithoutInitialWhenAbsent(t *testing.T) {
	s := NewStore()
	defer s.Close()

	_, _, status := s.IncrDecr("missing", 1, false, 0, incrDecrSentinel)
	if status != protocol.StatusKeyNotFound {
		t.Errorf("IncrDecr on absent key with fail-if-absent expiry: status %v, want StatusKeyNotFound", status)
	}
}

func TestStoreDeleteRequiresExistingKey(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if status := s.Delete("missing", 0); status != protocol.StatusKeyNotFound {
		t.Errorf("Delete on absent key: status %v, want StatusKeyNotFound", status)
	}

	s.Add("k", []byte("v"), 0, 0)
	if status := s.Delete("k", 0); status != protocol.StatusOK {
		t.Errorf("Delete: status %v, want StatusOK", status)
	}
	if _, _, _, status := s.Get("k"); status != protocol.StatusKeyNotFound {
		t.Errorf("Get after delete: status %v, want StatusKeyNotFound", status)
	}
}

func TestStoreFlushClearsEverything(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Add("a", []byte("1"), 0, 0)
	s.Add("b", []byte("2"), 0, 0)
	s.Flush()

	if _, _, _, status := s.Get("a"); status != protocol.StatusKeyNotFound {
		t.Errorf("Get after flush: status %v, want StatusKeyNotFound", status)
	}
	if stats := s.Stats(); stats["curr_items"] != "0" {
		t.Errorf("Stats after flush: curr_items=%s, want 0", stats["curr_items"])
	}
}
