// Package pool wraps several independently-constructed *client.Client
// instances in a jackc/puddle pool, for callers who want more than one
// logical client warmed up concurrently against the same node set rather
// than sharing a single Client (and its single connection per server)
// across every caller goroutine.
package pool

import (
	"context"

	"github.com/jackc/puddle/v2"

	"github.com/cachemir/ringcache/pkg/client"
)

// Pool hands out *client.Client instances built by a caller-supplied
// factory, reusing them across Acquire/Release the way puddle reuses any
// other pooled resource.
type Pool struct {
	p *puddle.Pool[*client.Client]
}

// New builds a Pool of at most maxSize clients, each constructed lazily by
// factory on first Acquire. factory is typically client.New or
// client.NewWithConfig bound to a fixed server list.
func New(factory func() (*client.Client, error), maxSize int32) (*Pool, error) {
	p, err := puddle.NewPool(&puddle.Config[*client.Client]{
		Constructor: func(ctx context.Context) (*client.Client, error) {
			return factory()
		},
		Destructor: func(c *client.Client) {
			_ = c.Close()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	return &Pool{p: p}, nil
}

// Resource is a leased *client.Client; callers must call Release when done
// with it so it can be handed to the next Acquire.
type Resource struct {
	res *puddle.Resource[*client.Client]
}

// Client returns the leased client.
func (r *Resource) Client() *client.Client { return r.res.Value() }

// Release returns the client to the pool for reuse.
func (r *Resource) Release() { r.res.Release() }

// Destroy drops the client instead of returning it to the pool, for a
// caller that knows the client is in a bad state (e.g. it saw errors it
// couldn't attribute to a single down server).
func (r *Resource) Destroy() { r.res.Destroy() }

// Acquire waits for an available client, constructing one if the pool has
// room, up to ctx's deadline.
func (p *Pool) Acquire(ctx context.Context) (*Resource, error) {
	res, err := p.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Resource{res: res}, nil
}

// Stat reports the pool's current acquire/idle/construction counters.
func (p *Pool) Stat() *puddle.Stat { return p.p.Stat() }

// Close closes every pooled client and releases the pool.
func (p *Pool) Close() {
	p.p.Close()
}
