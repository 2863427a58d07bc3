package cache

import (
	"context"

	"copytrade-core/pkg/db"
)

// Loader is a read-through view over the relationship table. Risk decisions
// tolerate at most one TTL of staleness; mutations must call Invalidate.
type Loader struct {
	cache   *ShardedRelationshipCache
	queries *db.Queries
}

// NewLoader wires a cache in front of the store.
func NewLoader(c *ShardedRelationshipCache, q *db.Queries) *Loader {
	return &Loader{cache: c, queries: q}
}

// Get returns the relationship, from cache when fresh.
func (l *Loader) Get(ctx context.Context, id string) (db.Relationship, error) {
	if l.cache != nil {
		if rel, ok := l.cache.Get(id); ok {
			return rel, nil
		}
	}
	rel, err := l.queries.GetRelationship(ctx, id)
	if err != nil {
		return db.Relationship{}, err
	}
	if l.cache != nil {
		l.cache.Set(rel)
	}
	return rel, nil
}

// Invalidate drops the cached row after a mutation.
func (l *Loader) Invalidate(id string) {
	if l.cache != nil {
		l.cache.Invalidate(id)
	}
}
