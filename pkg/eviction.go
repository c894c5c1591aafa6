package depot

// eviction.go prunes a local location back under its size budget.  The
// policy is least-recently-accessed first, driven by the .time metadata
// files; entries accessed within the grace window are never touched, so a
// payload that was just promoted or written cannot be evicted out from
// under its reader.
//
// Eviction shares the shard advisory lock with writers, so it cannot race
// an in-progress rename.  Writers never evict synchronously: a write over
// budget answers rejected-full and leaves reclamation to this pass.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// lowWaterRatio is the fill level eviction drains down to once it runs.
const lowWaterRatio = 0.9

// EvictStats reports the outcome of one eviction pass.
type EvictStats struct {
	Scanned    int
	Removed    int
	FreedBytes int64
}

// Evict runs one pass.  Without a configured MaxSize it is a no-op.
func (l *LocalLocation) Evict(ctx context.Context) (EvictStats, error) {
	var stats EvictStats
	if l.cfg.MaxSize <= 0 || l.readOnly {
		return stats, nil
	}
	lowWater := int64(float64(l.cfg.MaxSize) * lowWaterRatio)
	if l.used.Load() <= lowWater {
		return stats, nil
	}

	entries, err := l.scanEntries(ctx)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(entries)

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})

	grace := time.Now().Add(-time.Duration(l.cfg.GraceWindow))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if l.used.Load() <= lowWater {
			break
		}
		if e.lastAccess.After(grace) {
			// Entries are sorted by access time; everything after this
			// one is inside the grace window too.
			break
		}
		if removed, size := l.evictOne(e); removed {
			stats.Removed++
			stats.FreedBytes += size
		}
		// Yield between deletions so concurrent writers keep moving.
		runtime.Gosched()
	}

	if stats.Removed > 0 {
		l.metrics.addEvictions(stats.Removed)
		l.logger.Info("eviction pass completed",
			zap.String("root", l.root),
			zap.Int("removed", stats.Removed),
			zap.Int64("freed_bytes", stats.FreedBytes))
	}
	return stats, nil
}

// evictOne deletes a single entry under its shard lock, re-reading the
// access time in case a reader refreshed it since the scan.
func (l *LocalLocation) evictOne(e localEntry) (bool, int64) {
	lock, err := l.shardLock(e.shardDir)
	if err != nil {
		l.logger.Warn("eviction skipped shard", zap.String("shard", e.shardDir), zap.Error(err))
		return false, 0
	}
	defer lock.Close()

	if last, err := readTimeFile(e.payload + timeSuffix); err == nil && last.After(e.lastAccess) {
		return false, 0
	}
	fi, err := os.Stat(e.payload)
	if err != nil {
		return false, 0
	}
	if err := os.Remove(e.payload); err != nil {
		l.logger.Warn("eviction remove failed", zap.String("payload", e.payload), zap.Error(err))
		return false, 0
	}
	_ = os.Remove(e.payload + timeSuffix)

	used := l.used.Add(-fi.Size())
	l.metrics.setUsedBytes(used)
	return true, fi.Size()
}

// scanEntries enumerates entries with their last-access metadata, reading
// shards concurrently; the stat fan-out dominates eviction latency on
// large roots.
func (l *LocalLocation) scanEntries(ctx context.Context) ([]localEntry, error) {
	var (
		mu  sync.Mutex
		out []localEntry
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	err := l.walkShards(ctx, func(shardDir string, des []os.DirEntry) error {
		g.Go(func() error {
			batch := l.collectShard(shardDir, des)
			mu.Lock()
			out = append(out, batch...)
			mu.Unlock()
			return nil
		})
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return out, err
}

func (l *LocalLocation) collectShard(shardDir string, des []os.DirEntry) []localEntry {
	var batch []localEntry
	for _, e := range des {
		if entry, ok := l.entryInfo(shardDir, e); ok {
			batch = append(batch, entry)
		}
	}
	return batch
}

// Maintain runs Sweep and Evict on a fixed cadence until ctx is done.
// Callers start it in its own goroutine next to the location.
func (l *LocalLocation) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := l.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("sweep failed", zap.String("root", l.root), zap.Error(err))
		}
		if _, err := l.Evict(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("eviction failed", zap.String("root", l.root), zap.Error(err))
		}
	}
}
