// Package caching holds the in-memory caches shared across the server.
// Currently that is a single short-TTL cache of decoded room snapshots, so a
// leave/rejoin cycle inside the TTL does not have to re-read and re-decode
// the room's file from disk.
package caching

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/scrawlhq/scrawl/roomserver/types"
)

const (
	snapshotTTL           = 30 * time.Second
	snapshotSweepInterval = time.Minute
)

// SnapshotCache caches the most recently persisted or loaded snapshot per
// room id. Entries expire on their own; Forget exists for tests and explicit
// invalidation.
type SnapshotCache struct {
	cache *gocache.Cache
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		cache: gocache.New(snapshotTTL, snapshotSweepInterval),
	}
}

func (c *SnapshotCache) GetRoomSnapshot(roomID string) (*types.PersistedRoom, bool) {
	v, ok := c.cache.Get(roomID)
	if !ok {
		return nil, false
	}
	return v.(*types.PersistedRoom), true
}

func (c *SnapshotCache) StoreRoomSnapshot(roomID string, p *types.PersistedRoom) {
	c.cache.SetDefault(roomID, p)
}

func (c *SnapshotCache) Forget(roomID string) {
	c.cache.Delete(roomID)
}
