package depot

// local.go implements the content-addressed directory location.  Layout
// rooted at R:
//
//   R/config.yml            persisted algorithm + budgets
//   R/<d0d1>/<d2…dN>        payload for hex digest d0d1…dN
//   R/<d0d1>/<d2…dN>.time   last-access timestamp (textual seconds)
//   R/<d0d1>/.lock          advisory lock serializing shard writers
//   R/.tmp/<uuid>           in-progress writes
//
// Payload files are never mutated in place: a write streams into .tmp
// while verifying the digest, then renames into place under the shard
// lock.  Readers therefore need no coordination — they either see a
// complete entry or absence.
//
// Concurrent writers of the same key collapse in-process through
// singleflight; across processes the shard's flock serializes the
// rename-and-recheck critical section.
//
// © 2025 depot authors. MIT License.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/depot/internal/fslock"
	"github.com/Voskan/depot/pkg/digest"
)

const (
	configFileName = "config.yml"
	tmpDirName     = ".tmp"
	lockFileName   = ".lock"
	timeSuffix     = ".time"

	payloadPerm = 0o644
	shardPerm   = 0o755

	defaultLockWait  = 10 * time.Second
	defaultStaleTemp = time.Hour
)

// LocalLocation is a content-addressed store on a local filesystem.  It is
// safe for concurrent use within a process and, via advisory locks, across
// processes sharing the same root.
type LocalLocation struct {
	root string
	cfg  LocalConfig

	readOnly  bool
	lockWait  time.Duration
	staleTemp time.Duration
	diskFree  func(path string) (int64, error)

	logger  *zap.Logger
	metrics metricsSink

	flight singleflight.Group
	used   atomic.Int64
}

/* -------------------------------------------------------------------------
   Options
   ------------------------------------------------------------------------- */

type localOptions struct {
	cfg       LocalConfig
	logger    *zap.Logger
	registry  *prometheus.Registry
	readOnly  bool
	lockWait  time.Duration
	staleTemp time.Duration
	diskFree  func(string) (int64, error)
}

// LocalOption customizes OpenLocal.
type LocalOption func(*localOptions)

// WithLocalConfig sets the desired configuration when creating a new root.
// Opening an existing root adopts the persisted algorithm; a conflicting
// Hash here fails with ErrConfig, while budget fields override the
// persisted values for this handle only.
func WithLocalConfig(cfg LocalConfig) LocalOption {
	return func(o *localOptions) { o.cfg = cfg }
}

// WithLocalLogger plugs an external zap.Logger.  The location never logs
// on the hot path; only best-effort failures and maintenance events are
// emitted.
func WithLocalLogger(l *zap.Logger) LocalOption {
	return func(o *localOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLocalMetrics enables Prometheus metrics for this location.  The
// collectors carry the root path as their instance label.
func WithLocalMetrics(reg *prometheus.Registry) LocalOption {
	return func(o *localOptions) { o.registry = reg }
}

// WithLocalReadOnly opens the root for reading only; writes and deletes
// answer rejected-readonly.
func WithLocalReadOnly() LocalOption {
	return func(o *localOptions) { o.readOnly = true }
}

// WithLockWait bounds how long a writer waits on a contended shard lock
// before failing with a transient error.
func WithLockWait(d time.Duration) LocalOption {
	return func(o *localOptions) {
		if d > 0 {
			o.lockWait = d
		}
	}
}

// WithStaleTempAge sets how old an abandoned .tmp file must be before a
// sweep reclaims it.
func WithStaleTempAge(d time.Duration) LocalOption {
	return func(o *localOptions) {
		if d > 0 {
			o.staleTemp = d
		}
	}
}

/* -------------------------------------------------------------------------
   Construction
   ------------------------------------------------------------------------- */

// OpenLocal opens the location rooted at root, creating the directory
// skeleton and config.yml on first use.  The startup sweep reclaims
// leftovers of interrupted writes before the location is handed out.
func OpenLocal(root string, opts ...LocalOption) (*LocalLocation, error) {
	o := &localOptions{
		logger:    zap.NewNop(),
		lockWait:  defaultLockWait,
		staleTemp: defaultStaleTemp,
		diskFree:  statfsFree,
	}
	for _, opt := range opts {
		opt(o)
	}

	cfgPath := filepath.Join(root, configFileName)
	cfg := o.cfg

	persisted, err := loadLocalConfig(cfgPath)
	switch {
	case err == nil:
		// The persisted algorithm is authoritative; a conflicting
		// request is a construction error.  Budget overrides apply to
		// this handle only.
		if o.cfg.Hash.Name != "" && !persisted.Hash.Equal(o.cfg.Hash) {
			return nil, fmt.Errorf("%w: root %s is keyed by %s, requested %s",
				ErrConfig, root, persisted.Hash.Name, o.cfg.Hash.Name)
		}
		merged := persisted
		if o.cfg.MaxSize != 0 {
			merged.MaxSize = o.cfg.MaxSize
		}
		if o.cfg.FreeDiskSize != 0 {
			merged.FreeDiskSize = o.cfg.FreeDiskSize
		}
		if o.cfg.GraceWindow != 0 {
			merged.GraceWindow = o.cfg.GraceWindow
		}
		cfg = merged.withDefaults()
	case errors.Is(err, os.ErrNotExist):
		if o.readOnly {
			return nil, fmt.Errorf("%w: %s has no %s", ErrConfig, root, configFileName)
		}
		if cfg.Hash.Name == "" {
			cfg.Hash = digest.SHA256
		}
		cfg = cfg.withDefaults()
		if err := os.MkdirAll(filepath.Join(root, tmpDirName), shardPerm); err != nil {
			return nil, fmt.Errorf("%w: creating root: %v", ErrConfig, err)
		}
		if err := saveLocalConfig(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("%w: writing %s: %v", ErrConfig, configFileName, err)
		}
	default:
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !o.readOnly {
		if err := os.MkdirAll(filepath.Join(root, tmpDirName), shardPerm); err != nil {
			return nil, fmt.Errorf("%w: creating temp dir: %v", ErrConfig, err)
		}
	}

	l := &LocalLocation{
		root:      root,
		cfg:       cfg,
		readOnly:  o.readOnly,
		lockWait:  o.lockWait,
		staleTemp: o.staleTemp,
		diskFree:  o.diskFree,
		logger:    o.logger,
		metrics:   noopMetrics{},
	}
	if o.registry != nil {
		l.metrics = newMetricsSink(o.registry, root)
	}

	if !o.readOnly {
		if removed, err := l.Sweep(context.Background()); err != nil {
			l.logger.Warn("startup sweep failed", zap.String("root", root), zap.Error(err))
		} else if removed > 0 {
			l.logger.Info("startup sweep reclaimed leftovers", zap.String("root", root), zap.Int("removed", removed))
		}
	}

	used, err := l.scanUsedBytes()
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	l.used.Store(used)
	l.metrics.setUsedBytes(used)

	return l, nil
}

// Root returns the directory the location is rooted at.
func (l *LocalLocation) Root() string { return l.root }

// Config returns the effective configuration of this handle.
func (l *LocalLocation) Config() LocalConfig { return l.cfg }

// Algorithm implements Location.
func (l *LocalLocation) Algorithm() digest.Algorithm { return l.cfg.Hash }

// Readable implements Location.
func (l *LocalLocation) Readable() bool { return true }

// Writable implements Location.
func (l *LocalLocation) Writable() bool { return !l.readOnly }

// UsedBytes returns the payload bytes currently accounted for.
func (l *LocalLocation) UsedBytes() int64 { return l.used.Load() }

/* -------------------------------------------------------------------------
   Path helpers
   ------------------------------------------------------------------------- */

func (l *LocalLocation) paths(key digest.Key) (shardDir, payload, timeFile string) {
	dir, file := l.cfg.Hash.Split(key)
	shardDir = filepath.Join(l.root, dir)
	payload = filepath.Join(shardDir, file)
	return shardDir, payload, payload + timeSuffix
}

func (l *LocalLocation) shardLock(shardDir string) (*fslock.Lock, error) {
	lock, err := fslock.Acquire(filepath.Join(shardDir, lockFileName), l.lockWait)
	if err != nil {
		if errors.Is(err, fslock.ErrTimeout) {
			return nil, Transient(err)
		}
		return nil, err
	}
	return lock, nil
}

/* -------------------------------------------------------------------------
   Location operations
   ------------------------------------------------------------------------- */

// Contains implements Location with a stat.
func (l *LocalLocation) Contains(_ context.Context, key digest.Key) (Presence, error) {
	_, payload, _ := l.paths(key)
	if _, err := os.Stat(payload); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Absent, nil
		}
		return Unknown, mapFSError(err)
	}
	return Present, nil
}

// Read opens the payload file without locking: payloads are never mutated
// in place, so concurrent readers and writers are safe.  The entry's
// last-access metadata is refreshed best-effort.
func (l *LocalLocation) Read(_ context.Context, key digest.Key) (io.ReadCloser, error) {
	_, payload, timeFile := l.paths(key)
	f, err := os.Open(payload)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, mapFSError(err)
	}
	if !l.readOnly {
		if err := writeTimeFile(timeFile, time.Now()); err != nil {
			l.logger.Warn("updating access time", zap.String("key", string(key)), zap.Error(err))
		}
	}
	return f, nil
}

// Write stores src under key using the tmp-then-rename protocol.  The
// digest is verified while streaming; budget checks happen before the
// rename so a rejected write never consumes quota.
func (l *LocalLocation) Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error) {
	if l.readOnly {
		return WriteRejectedReadOnly, nil
	}
	if keyAlg := key.Algorithm().String(); keyAlg != l.cfg.Hash.Name {
		return 0, fmt.Errorf("%w: key algorithm %s, location expects %s", ErrConfig, keyAlg, l.cfg.Hash.Name)
	}

	shardDir, payload, _ := l.paths(key)

	// Fast path: content addressing makes writes idempotent.
	if _, err := os.Stat(payload); err == nil {
		return WriteAccepted, nil
	}

	// Collapse concurrent same-key writers in this process: one streams,
	// the rest share its outcome.
	v, err, _ := l.flight.Do(string(key), func() (any, error) {
		return l.writeSlow(ctx, key, shardDir, payload, src)
	})
	if err != nil {
		return 0, err
	}
	return v.(WriteStatus), nil
}

func (l *LocalLocation) writeSlow(ctx context.Context, key digest.Key, shardDir, payload string, src *Source) (WriteStatus, error) {
	in, err := src.Open()
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := filepath.Join(l.root, tmpDirName, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, payloadPerm)
	if err != nil {
		return 0, mapFSError(err)
	}

	// Any failure below must unwind the temp file; a stale one left by a
	// crash is reclaimed by the sweep.
	discard := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	verifier := key.Verifier()
	size, err := io.Copy(io.MultiWriter(f, verifier), &ctxReader{ctx: ctx, r: in})
	if err != nil {
		discard()
		return 0, fmt.Errorf("streaming payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		discard()
		return 0, mapFSError(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, mapFSError(err)
	}
	if !verifier.Verified() {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("%w: source does not hash to %s", ErrDigestMismatch, key)
	}

	if status, err := l.checkBudget(size); err != nil || status != WriteAccepted {
		_ = os.Remove(tmp)
		return status, err
	}

	if err := os.MkdirAll(shardDir, shardPerm); err != nil {
		_ = os.Remove(tmp)
		return 0, mapFSError(err)
	}

	lock, err := l.shardLock(shardDir)
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	defer lock.Close()

	// Double-checked insertion: another process may have published the
	// entry while we were streaming.
	if _, err := os.Stat(payload); err == nil {
		_ = os.Remove(tmp)
		return WriteAccepted, nil
	}

	if err := os.Rename(tmp, payload); err != nil {
		_ = os.Remove(tmp)
		return 0, mapFSError(err)
	}
	if err := writeTimeFile(payload+timeSuffix, time.Now()); err != nil {
		l.logger.Warn("initializing access time", zap.String("key", string(key)), zap.Error(err))
	}

	used := l.used.Add(size)
	l.metrics.setUsedBytes(used)
	return WriteAccepted, nil
}

func (l *LocalLocation) checkBudget(incoming int64) (WriteStatus, error) {
	if l.cfg.MaxSize > 0 && l.used.Load()+incoming > l.cfg.MaxSize {
		return WriteRejectedFull, nil
	}
	if l.cfg.FreeDiskSize > 0 {
		free, err := l.diskFree(l.root)
		if err != nil {
			l.logger.Warn("statfs failed", zap.String("root", l.root), zap.Error(err))
		} else if free-incoming < l.cfg.FreeDiskSize {
			return WriteRejectedFull, nil
		}
	}
	return WriteAccepted, nil
}

// Delete removes the payload and its metadata under the shard lock so it
// cannot race an in-progress publication of the same key.
func (l *LocalLocation) Delete(_ context.Context, key digest.Key) (bool, error) {
	if l.readOnly {
		return false, ErrReadOnly
	}
	shardDir, payload, timeFile := l.paths(key)

	if _, err := os.Stat(payload); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	lock, err := l.shardLock(shardDir)
	if err != nil {
		return false, err
	}
	defer lock.Close()

	fi, err := os.Stat(payload)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, mapFSError(err)
	}
	if err := os.Remove(payload); err != nil {
		return false, mapFSError(err)
	}
	_ = os.Remove(timeFile)

	used := l.used.Add(-fi.Size())
	l.metrics.setUsedBytes(used)
	return true, nil
}

// Touch refreshes the entry's last-access metadata.
func (l *LocalLocation) Touch(_ context.Context, key digest.Key) error {
	if l.readOnly {
		return nil
	}
	_, payload, timeFile := l.paths(key)
	if _, err := os.Stat(payload); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return mapFSError(err)
	}
	return writeTimeFile(timeFile, time.Now())
}

/* -------------------------------------------------------------------------
   Maintenance: sweep and enumeration
   ------------------------------------------------------------------------- */

// Sweep reclaims leftovers of interrupted writes: .tmp files older than
// the stale threshold and orphan .time files whose payload is gone.  A
// payload without metadata is well-formed (metadata regenerates on next
// access) and is left alone.
func (l *LocalLocation) Sweep(ctx context.Context) (int, error) {
	removed := 0

	tmpDir := filepath.Join(l.root, tmpDirName)
	tmpEntries, err := os.ReadDir(tmpDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, mapFSError(err)
	}
	cutoff := time.Now().Add(-l.staleTemp)
	for _, e := range tmpEntries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(tmpDir, e.Name())); err == nil {
				removed++
			}
		}
	}

	err = l.walkShards(ctx, func(shardDir string, entries []os.DirEntry) error {
		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, timeSuffix) {
				continue
			}
			payload := filepath.Join(shardDir, strings.TrimSuffix(name, timeSuffix))
			if _, err := os.Stat(payload); errors.Is(err, os.ErrNotExist) {
				if err := os.Remove(filepath.Join(shardDir, name)); err == nil {
					removed++
				}
			}
		}
		return nil
	})
	if removed > 0 {
		l.metrics.addSweepRemoved(removed)
	}
	return removed, err
}

// localEntry is one enumerated payload with its eviction-relevant
// metadata.
type localEntry struct {
	key        digest.Key
	payload    string
	shardDir   string
	size       int64
	lastAccess time.Time
}

// walkShards visits every shard directory under the root.
func (l *LocalLocation) walkShards(ctx context.Context, fn func(shardDir string, entries []os.DirEntry) error) error {
	top, err := os.ReadDir(l.root)
	if err != nil {
		return mapFSError(err)
	}
	for _, d := range top {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() || d.Name() == tmpDirName {
			continue
		}
		if !isHex(d.Name()) {
			continue
		}
		shardDir := filepath.Join(l.root, d.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return mapFSError(err)
		}
		if err := fn(shardDir, entries); err != nil {
			return err
		}
	}
	return nil
}

// entryInfo interprets one directory entry as a stored payload.  Lock
// files, metadata siblings, and foreign names are skipped.  A missing
// .time file falls back to the payload's mtime.
func (l *LocalLocation) entryInfo(shardDir string, e os.DirEntry) (localEntry, bool) {
	name := e.Name()
	if e.IsDir() || name == lockFileName || strings.HasSuffix(name, timeSuffix) {
		return localEntry{}, false
	}
	key, err := l.cfg.Hash.Join(filepath.Base(shardDir), name)
	if err != nil {
		return localEntry{}, false // foreign file; not ours to manage
	}
	info, err := e.Info()
	if err != nil {
		return localEntry{}, false
	}
	payload := filepath.Join(shardDir, name)
	last, err := readTimeFile(payload + timeSuffix)
	if err != nil {
		last = info.ModTime()
	}
	return localEntry{
		key:        key,
		payload:    payload,
		shardDir:   shardDir,
		size:       info.Size(),
		lastAccess: last,
	}, true
}

// entries enumerates all payloads with size and last-access metadata.
func (l *LocalLocation) entries(ctx context.Context) ([]localEntry, error) {
	var out []localEntry
	err := l.walkShards(ctx, func(shardDir string, des []os.DirEntry) error {
		for _, e := range des {
			if entry, ok := l.entryInfo(shardDir, e); ok {
				out = append(out, entry)
			}
		}
		return nil
	})
	return out, err
}

func (l *LocalLocation) scanUsedBytes() (int64, error) {
	entries, err := l.entries(context.Background())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, nil
}

// LocalStats is a point-in-time snapshot used by the inspector and debug
// endpoints.
type LocalStats struct {
	Entries      int       `json:"entries"`
	UsedBytes    int64     `json:"used_bytes"`
	MaxSize      int64     `json:"max_size"`
	OldestAccess time.Time `json:"oldest_access"`
	NewestAccess time.Time `json:"newest_access"`
}

// Stats walks the tree and summarizes it.
func (l *LocalLocation) Stats(ctx context.Context) (LocalStats, error) {
	entries, err := l.entries(ctx)
	if err != nil {
		return LocalStats{}, err
	}
	st := LocalStats{Entries: len(entries), MaxSize: l.cfg.MaxSize}
	for _, e := range entries {
		st.UsedBytes += e.size
		if st.OldestAccess.IsZero() || e.lastAccess.Before(st.OldestAccess) {
			st.OldestAccess = e.lastAccess
		}
		if e.lastAccess.After(st.NewestAccess) {
			st.NewestAccess = e.lastAccess
		}
	}
	return st, nil
}

/* -------------------------------------------------------------------------
   Small helpers
   ------------------------------------------------------------------------- */

// ctxReader aborts a long copy when the caller's context expires.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// mapFSError translates OS errors onto the taxonomy.
func mapFSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	default:
		return err
	}
}

// statfsFree reports the bytes available to unprivileged writers on the
// filesystem holding path.
func statfsFree(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * st.Bsize, nil
}

/* -------------------------------------------------------------------------
   .time files
   ------------------------------------------------------------------------- */

// writeTimeFile records t as textual seconds-since-epoch with nanosecond
// precision ("1718031337.123456789\n").  The same bytes are written on
// every backend that mirrors the local layout, so trees stay portable.
func writeTimeFile(path string, t time.Time) error {
	line := fmt.Sprintf("%d.%09d\n", t.Unix(), t.Nanosecond())
	return natomic.WriteFile(path, bytes.NewReader([]byte(line)))
}

func readTimeFile(path string) (time.Time, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	text := strings.TrimSpace(string(raw))
	secs, frac, ok := strings.Cut(text, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed time file %s", ErrCorruption, path)
	}
	var nsec int64
	if ok {
		frac = (frac + "000000000")[:9]
		nsec, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: malformed time file %s", ErrCorruption, path)
		}
	}
	return time.Unix(sec, nsec), nil
}

var _ Location = (*LocalLocation)(nil)
