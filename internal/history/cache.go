package history

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sunshow/workgear/client/internal/model"
)

// Source reads version history from the engine
type Source interface {
	ListVersions(ctx context.Context, subjectID string) ([]model.HistoryVersion, error)
	FetchSnapshot(ctx context.Context, subjectID, version string) ([]model.Record, error)
}

// Cache keeps past snapshots for the whole session. Version lists are always
// fetched fresh because new generations append to them; snapshots of a
// version never change, so each is fetched once.
type Cache struct {
	source Source
	logger *zap.SugaredLogger
	group  singleflight.Group

	mu        sync.RWMutex
	snapshots map[string]*model.HistorySnapshot
}

// NewCache creates an empty cache over source
func NewCache(source Source, logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Cache{
		source:    source,
		logger:    logger.With("component", "history"),
		snapshots: make(map[string]*model.HistorySnapshot),
	}
}

// ListVersions returns the subject's versions, newest first
func (c *Cache) ListVersions(ctx context.Context, subjectID string) ([]model.HistoryVersion, error) {
	vs, err := c.source.ListVersions(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", subjectID, err)
	}
	return vs, nil
}

// Snapshot returns the frozen records of version. Concurrent first requests
// share one fetch.
func (c *Cache) Snapshot(ctx context.Context, subjectID, version string) (*model.HistorySnapshot, error) {
	key := subjectID + "@" + version

	c.mu.RLock()
	s, ok := c.snapshots[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		s, ok := c.snapshots[key]
		c.mu.RUnlock()
		if ok {
			return s, nil
		}

		records, err := c.source.FetchSnapshot(ctx, subjectID, version)
		if err != nil {
			return nil, err
		}
		s = model.NewHistorySnapshot(version, records)

		c.mu.Lock()
		c.snapshots[key] = s
		c.mu.Unlock()
		c.logger.Debugw("Cached history snapshot", "subject_id", subjectID, "version", version, "records", s.Len())
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s version %s: %w", subjectID, version, err)
	}
	return v.(*model.HistorySnapshot), nil
}

// Cached reports whether version is already cached
func (c *Cache) Cached(subjectID, version string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.snapshots[subjectID+"@"+version]
	return ok
}
