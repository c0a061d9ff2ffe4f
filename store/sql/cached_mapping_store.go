package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-syncbridge/core"
)

const mappingCacheKeyPrefix = "go-syncbridge::sync_mapping::v1"

// CachedMappingStore fronts mapping reads with a cache. The engine resolves
// the same mapping on every hop of a sync, so identity lookups dominate the
// read path. Writes invalidate every key the row can be reached through.
type CachedMappingStore struct {
	base  core.MappingStore
	cache repositorycache.CacheService
}

func NewCachedMappingStore(base core.MappingStore, cacheService repositorycache.CacheService) (*CachedMappingStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base mapping store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: mapping cache service is required")
	}
	return &CachedMappingStore{base: base, cache: cacheService}, nil
}

// MappingCacheKey returns the deterministic cache key for one mapping lookup:
// go-syncbridge::sync_mapping::v1::<lookup>::<value> with each segment
// URL-path escaped.
func MappingCacheKey(lookup string, value string) string {
	segments := []string{url.PathEscape(lookup), url.PathEscape(value)}
	return strings.Join(append([]string{mappingCacheKeyPrefix}, segments...), "::")
}

func (s *CachedMappingStore) Get(ctx context.Context, id string) (core.SyncMapping, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: cached mapping store is not configured")
	}
	id = strings.TrimSpace(id)
	mapping, err := repositorycache.GetOrFetch(ctx, s.cache, MappingCacheKey("id", id), func(ctx context.Context) (core.SyncMapping, error) {
		return s.base.Get(ctx, id)
	})
	if err != nil {
		return core.SyncMapping{}, err
	}
	return mapping, nil
}

func (s *CachedMappingStore) FindByEntity(ctx context.Context, platform core.Platform, entityID string) (core.SyncMapping, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: cached mapping store is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	cacheKey := MappingCacheKey(string(platform), entityID)
	mapping, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.SyncMapping, error) {
		return s.base.FindByEntity(ctx, platform, entityID)
	})
	if err != nil {
		return core.SyncMapping{}, err
	}
	return mapping, nil
}

func (s *CachedMappingStore) Upsert(ctx context.Context, in core.UpsertMappingInput) (core.SyncMapping, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: cached mapping store is not configured")
	}
	mapping, err := s.base.Upsert(ctx, in)
	if err != nil {
		return core.SyncMapping{}, err
	}
	if err := s.invalidate(ctx, mapping); err != nil {
		return core.SyncMapping{}, err
	}
	return mapping, nil
}

func (s *CachedMappingStore) Commit(ctx context.Context, in core.CommitMappingInput) (core.SyncMapping, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: cached mapping store is not configured")
	}
	mapping, err := s.base.Commit(ctx, in)
	if err != nil {
		return core.SyncMapping{}, err
	}
	if err := s.invalidate(ctx, mapping); err != nil {
		return core.SyncMapping{}, err
	}
	return mapping, nil
}

func (s *CachedMappingStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]core.SyncMapping, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached mapping store is not configured")
	}
	return s.base.ListStale(ctx, olderThan, limit)
}

func (s *CachedMappingStore) invalidate(ctx context.Context, mapping core.SyncMapping) error {
	keys := []string{MappingCacheKey("id", mapping.ID)}
	if mapping.EntityIDA != "" {
		keys = append(keys, MappingCacheKey(string(core.PlatformA), mapping.EntityIDA))
	}
	if mapping.EntityIDB != "" {
		keys = append(keys, MappingCacheKey(string(core.PlatformB), mapping.EntityIDB))
	}
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

var _ core.MappingStore = (*CachedMappingStore)(nil)
