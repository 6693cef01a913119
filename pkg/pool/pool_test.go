package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachemir/ringcache/pkg/client"
)

func countingFactory(n *int32) func() (*client.Client, error) {
	return func() (*client.Client, error) {
		atomic.AddInt32(n, 1)
		return client.New([]string{"127.0.0.1:11211"})
	}
}

func TestAcquireReleaseReusesClient(t *testing.T) {
	var built int32
	p, err := New(countingFactory(&built), 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c1 := r1.Client()
	r1.Release()

	r2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r2.Release()

	if r2.Client() != c1 {
		t.Fatalf("expected the released client to be reused")
	}
	if atomic.LoadInt32(&built) != 1 {
		t.Fatalf("expected exactly one client constructed, got %d", built)
	}
}

func TestAcquireBlocksUntilMaxSizeFrees(t *testing.T) {
	var built int32
	p, err := New(countingFactory(&built), 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(shortCtx); err == nil {
		t.Fatalf("expected second Acquire to time out while the pool is at MaxSize")
	}

	r1.Release()
	r2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer r2.Release()

	if atomic.LoadInt32(&built) != 1 {
		t.Fatalf("expected exactly one client constructed, got %d", built)
	}
}

func TestDestroyDropsClientFromPool(t *testing.T) {
	var built int32
	p, err := New(countingFactory(&built), 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r1.Destroy()

	r2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after destroy: %v", err)
	}
	defer r2.Release()

	if atomic.LoadInt32(&built) != 2 {
		t.Fatalf("expected destroy to force a fresh construction, got %d builds", built)
	}
}
