// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package dispatch

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nemesis-dev/nemesis/internal/provider"
	"github.com/nemesis-dev/nemesis/internal/store"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// CacheConfig sizes the response cache. Costs are counted per entry,
// not per byte, so MaxEntries maps directly onto MaxCost.
type CacheConfig struct {
	MaxEntries int64
	TTL        time.Duration
}

// cachedResponse is what a repeated identical situation gets back
// without touching the providers.
type cachedResponse struct {
	Directive provider.Directive
	Neighbors []store.SearchResult
}

// Cache memoizes directive responses per tenant and payload hash.
type Cache struct {
	inner *ristretto.Cache
	ttl   time.Duration
}

// NewCache builds the response cache. Ristretto wants roughly 10x as
// many counters as items it will hold.
func NewCache(cfg CacheConfig) (*Cache, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, nemerr.Wrap(err, nemerr.CodeServerStartFailure, "building response cache")
	}
	return &Cache{inner: inner, ttl: ttl}, nil
}

func cacheKey(tenantID, payloadHash string) string {
	return tenantID + ":" + payloadHash
}

func (c *Cache) get(tenantID, payloadHash string) (cachedResponse, bool) {
	v, ok := c.inner.Get(cacheKey(tenantID, payloadHash))
	if !ok {
		return cachedResponse{}, false
	}
	resp, ok := v.(cachedResponse)
	return resp, ok
}

func (c *Cache) put(tenantID, payloadHash string, resp cachedResponse) {
	c.inner.SetWithTTL(cacheKey(tenantID, payloadHash), resp, 1, c.ttl)
}

// Invalidate drops every cached response. Called after feedback lands
// so stale directives do not outlive a score change.
func (c *Cache) Invalidate() {
	c.inner.Clear()
}

func (c *Cache) Close() {
	c.inner.Close()
}
