package lifecycle

import (
	"context"
	"sync"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// Projection is an entity's folded state as of chain position Through.
type Projection struct {
	EntityID string `json:"entity_id"`
	State    State  `json:"state"`
	Through  int64  `json:"through"`

	// Digest is the link digest of receipt Through, binding the projection
	// to the chain it was folded from.
	Digest ir.DualDigest `json:"digest"`

	// Review is set once any alert receipt names the entity.
	Review bool `json:"review"`
}

// fold applies rs, the entity's receipts in chain order after p.Through.
func (d Definition) fold(p Projection, rs []ir.Receipt) (Projection, error) {
	for _, r := range rs {
		if r.ID > p.Through {
			p.Through = r.ID
		}
		if r.Type == ir.TypeAlert {
			p.Review = true
			continue
		}
		to := r.Payload.String(ir.KeyToState)
		if to == "" {
			continue
		}
		from := State(r.Payload.String(ir.KeyFromState))
		if from != p.State {
			return p, &ProjectionError{EntityID: p.EntityID, ReceiptID: r.ID, Expected: p.State, Actual: from}
		}
		p.State = State(to)
	}
	return p, nil
}

// ProjectionCache stores projections. Put must never replace a projection
// with one at an earlier chain position.
type ProjectionCache interface {
	Get(ctx context.Context, entityID string) (Projection, bool, error)
	Put(ctx context.Context, p Projection) error
	Delete(ctx context.Context, entityID string) error
}

// MemoryCache is an in-process ProjectionCache.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[string]Projection
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]Projection)}
}

func (c *MemoryCache) Get(_ context.Context, entityID string) (Projection, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.m[entityID]
	return p, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, p Projection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[p.EntityID]; ok && cur.Through > p.Through {
		return nil
	}
	c.m[p.EntityID] = p
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, entityID)
	return nil
}

// Len returns the number of cached projections.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
