package depot

// levels.go implements the vertical cache hierarchy.  Tiers are ordered
// top (fastest, smallest) to bottom (slowest, source of truth).
//
// Writes go to every write-enabled tier, top first: walking only the top
// would flood the fastest tier with cold data, and writing bottom-up
// would leave stale top-tier views after a crash between tiers.  Reads
// walk top to bottom and, on a hit below the top, copy the payload into
// the higher tiers (copy-on-read promotion).
//
// Promotion timing: the reader streams straight from the hit tier; when
// it closes the stream, promotion runs synchronously in Close by
// re-reading the payload from the hit tier.  First-byte latency is thus
// identical to a direct read, and a caller that finished its read can
// rely on higher tiers being populated (failures are logged, never
// surfaced).
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/depot/pkg/digest"
)

// Level is one tier of a hierarchy: a Location plus read/write gates.
// The zero gates participate fully; set NoRead/NoWrite to exclude the
// tier from one side of the data flow.
type Level struct {
	Loc     Location
	NoRead  bool
	NoWrite bool
}

func (t Level) readable() bool { return !t.NoRead && t.Loc.Readable() }
func (t Level) writable() bool { return !t.NoWrite && t.Loc.Writable() }

// Levels is the cache-hierarchy combinator.
type Levels struct {
	tiers  []Level
	alg    digest.Algorithm
	logger *zap.Logger
	retry  RetryPolicy

	metrics metricsSink
}

// LevelsOption customizes NewLevels.
type LevelsOption func(*Levels)

// WithLevelsLogger plugs an external zap.Logger.
func WithLevelsLogger(l *zap.Logger) LevelsOption {
	return func(lv *Levels) {
		if l != nil {
			lv.logger = l
		}
	}
}

// WithLevelsRetry overrides the transient-retry policy applied to tier
// writes.
func WithLevelsRetry(p RetryPolicy) LevelsOption {
	return func(lv *Levels) { lv.retry = p }
}

// WithLevelsMetrics enables Prometheus metrics (promotion counters) for
// this hierarchy under the given instance label.
func WithLevelsMetrics(reg *prometheus.Registry, instance string) LevelsOption {
	return func(lv *Levels) { lv.metrics = newMetricsSink(reg, instance) }
}

// NewLevels composes tiers into a hierarchy.  All tiers must agree on the
// digest algorithm.
func NewLevels(tiers []Level, opts ...LevelsOption) (*Levels, error) {
	locs := make([]Location, len(tiers))
	for i, t := range tiers {
		locs[i] = t.Loc
	}
	alg, err := sameAlgorithm(locs)
	if err != nil {
		return nil, err
	}
	lv := &Levels{
		tiers:   tiers,
		alg:     alg,
		logger:  zap.NewNop(),
		retry:   DefaultRetryPolicy(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(lv)
	}
	return lv, nil
}

// Algorithm implements Location.
func (lv *Levels) Algorithm() digest.Algorithm { return lv.alg }

// Readable reports whether any tier is read-enabled.
func (lv *Levels) Readable() bool {
	for _, t := range lv.tiers {
		if t.readable() {
			return true
		}
	}
	return false
}

// Writable reports whether any tier is write-enabled.
func (lv *Levels) Writable() bool {
	for _, t := range lv.tiers {
		if t.writable() {
			return true
		}
	}
	return false
}

// Read walks tiers top to bottom and returns the first hit.  A hit below
// the top schedules copy-on-read promotion into the higher write-enabled
// tiers, executed when the returned stream is closed.
func (lv *Levels) Read(ctx context.Context, key digest.Key) (io.ReadCloser, error) {
	var (
		transients []error
		sawAbsent  bool
	)
	for i, t := range lv.tiers {
		if !t.readable() {
			continue
		}
		rc, err := t.Loc.Read(ctx, key)
		switch {
		case err == nil:
			if i == 0 {
				return rc, nil
			}
			return &promotingReader{rc: rc, lv: lv, key: key, hit: i}, nil
		case errors.Is(err, ErrNotFound):
			sawAbsent = true
		case IsTransient(err):
			lv.logger.Warn("tier transiently failed read",
				zap.Int("tier", i), zap.String("key", string(key)), zap.Error(err))
			transients = append(transients, err)
		default:
			return nil, err
		}
	}
	if sawAbsent || len(transients) == 0 {
		return nil, ErrNotFound
	}
	return nil, joinTransient(transients)
}

// Write stores the payload in every write-enabled tier, top first.  A
// tier's transient failure is retried per the policy; a fatal error fails
// the whole write.  The write is rejected-full only when every
// write-enabled tier rejected it.
func (lv *Levels) Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error) {
	var (
		accepted bool
		sawFull  bool
		sawAny   bool
	)
	for i, t := range lv.tiers {
		if !t.writable() {
			continue
		}
		sawAny = true
		var status WriteStatus
		err := retryTransient(ctx, lv.retry, func() error {
			s, err := t.Loc.Write(ctx, key, src)
			if err != nil {
				return err
			}
			status = s
			return nil
		})
		if err != nil {
			return 0, err
		}
		switch status {
		case WriteAccepted:
			accepted = true
		case WriteRejectedFull:
			sawFull = true
			lv.logger.Debug("tier rejected write as full", zap.Int("tier", i), zap.String("key", string(key)))
		}
	}
	switch {
	case accepted:
		return WriteAccepted, nil
	case sawFull:
		return WriteRejectedFull, nil
	case sawAny:
		return WriteRejectedPolicy, nil
	default:
		return WriteRejectedReadOnly, nil
	}
}

// Contains short-circuits across read-enabled tiers.
func (lv *Levels) Contains(ctx context.Context, key digest.Key) (Presence, error) {
	sawUnknown := false
	for _, t := range lv.tiers {
		if !t.readable() {
			continue
		}
		p, err := t.Loc.Contains(ctx, key)
		if err != nil {
			if IsTransient(err) {
				sawUnknown = true
				continue
			}
			return Unknown, err
		}
		switch p {
		case Present:
			return Present, nil
		case Unknown:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return Unknown, nil
	}
	return Absent, nil
}

// Delete broadcasts to every write-enabled tier concurrently.
func (lv *Levels) Delete(ctx context.Context, key digest.Key) (bool, error) {
	var (
		mu      sync.Mutex
		removed bool
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range lv.tiers {
		if !t.writable() {
			continue
		}
		g.Go(func() error {
			ok, err := t.Loc.Delete(ctx, key)
			if err != nil && !errors.Is(err, ErrReadOnly) {
				return err
			}
			mu.Lock()
			removed = removed || ok
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return removed, err
}

// Touch refreshes metadata on every tier.
func (lv *Levels) Touch(ctx context.Context, key digest.Key) error {
	var firstErr error
	for _, t := range lv.tiers {
		if err := t.Loc.Touch(ctx, key); err != nil && !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

/* -------------------------------------------------------------------------
   Copy-on-read promotion
   ------------------------------------------------------------------------- */

// promotingReader defers promotion until the reader is done with the
// payload, so the read path stays as fast as a direct read from the hit
// tier.
type promotingReader struct {
	rc   io.ReadCloser
	lv   *Levels
	key  digest.Key
	hit  int
	once sync.Once
}

func (p *promotingReader) Read(b []byte) (int, error) { return p.rc.Read(b) }

func (p *promotingReader) Close() error {
	err := p.rc.Close()
	p.once.Do(func() {
		p.lv.promote(context.Background(), p.key, p.hit)
	})
	return err
}

// promote copies the payload from the hit tier into every higher
// write-enabled tier that does not already hold it.  Best effort: a tier
// that cannot take the copy is logged and skipped.
func (lv *Levels) promote(ctx context.Context, key digest.Key, hit int) {
	for j := 0; j < hit; j++ {
		t := lv.tiers[j]
		if !t.writable() {
			continue
		}
		if p, err := t.Loc.Contains(ctx, key); err == nil && p == Present {
			continue
		}
		if err := lv.promoteOne(ctx, key, hit, j); err != nil {
			lv.metrics.incPromotion("failed")
			lv.logger.Warn("promotion failed",
				zap.Int("from", hit), zap.Int("to", j),
				zap.String("key", string(key)), zap.Error(err))
			continue
		}
		lv.metrics.incPromotion("ok")
	}
}

func (lv *Levels) promoteOne(ctx context.Context, key digest.Key, hit, target int) error {
	// Each Open re-reads from the hit tier, so a target tier that is
	// itself a composition can offer the payload to several children.
	src := &Source{
		size: SizeUnknown,
		open: func() (io.ReadCloser, error) { return lv.tiers[hit].Loc.Read(ctx, key) },
	}
	status, err := lv.tiers[target].Loc.Write(ctx, key, src)
	if err != nil {
		return err
	}
	if status != WriteAccepted {
		return errors.New("tier rejected promotion: " + status.String())
	}
	return nil
}

var _ Location = (*Levels)(nil)
