package depot

// fanout.go implements horizontal spill across peer locations.  A Fanout
// consults its children in declared order; a newly written key lands in
// exactly one child — the first that is writable and not full.
//
// Traversal rules:
//   • read: first non-absent, non-transient answer wins.  Transient
//     children are remembered and only surface when nobody answered.
//   • write: rejected-full, rejected-readonly, and rejected-policy all
//     advance to the next child; fatal errors stop the walk.
//   • contains: short-circuits on present; any unknown poisons a "false".
//   • delete: broadcast, aggregated.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/Voskan/depot/pkg/digest"
)

// Fanout spills writes across an ordered list of peer locations.
type Fanout struct {
	children []Location
	alg      digest.Algorithm
	logger   *zap.Logger
}

// FanoutOption customizes NewFanout.
type FanoutOption func(*Fanout)

// WithFanoutLogger plugs an external zap.Logger.
func WithFanoutLogger(l *zap.Logger) FanoutOption {
	return func(f *Fanout) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFanout composes children into a spill chain.  All children must
// agree on the digest algorithm.
func NewFanout(children []Location, opts ...FanoutOption) (*Fanout, error) {
	alg, err := sameAlgorithm(children)
	if err != nil {
		return nil, err
	}
	f := &Fanout{
		children: children,
		alg:      alg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Algorithm implements Location.
func (f *Fanout) Algorithm() digest.Algorithm { return f.alg }

// Readable reports whether any child is readable.
func (f *Fanout) Readable() bool {
	for _, c := range f.children {
		if c.Readable() {
			return true
		}
	}
	return false
}

// Writable reports whether any child is writable.
func (f *Fanout) Writable() bool {
	for _, c := range f.children {
		if c.Writable() {
			return true
		}
	}
	return false
}

// Read returns the first child's hit.  A transient child failure moves on
// to the next child; if every child was absent or transient, absence wins
// when anyone reported it, otherwise the collected transients surface as
// one.
func (f *Fanout) Read(ctx context.Context, key digest.Key) (io.ReadCloser, error) {
	var (
		transients []error
		sawAbsent  bool
	)
	for _, c := range f.children {
		if !c.Readable() {
			continue
		}
		rc, err := c.Read(ctx, key)
		switch {
		case err == nil:
			return rc, nil
		case errors.Is(err, ErrNotFound):
			sawAbsent = true
		case IsTransient(err):
			f.logger.Warn("fanout child transiently failed read", zap.String("key", string(key)), zap.Error(err))
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

// Write offers the payload to each child in order until one accepts.
func (f *Fanout) Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error) {
	status := WriteRejectedFull
	var transients []error
	for _, c := range f.children {
		s, err := c.Write(ctx, key, src)
		switch {
		case err == nil && s == WriteAccepted:
			return WriteAccepted, nil
		case err == nil:
			// Full, readonly, and policy rejections all advance; the
			// aggregate answer is rejected-full.
			continue
		case IsTransient(err):
			f.logger.Warn("fanout child transiently failed write", zap.String("key", string(key)), zap.Error(err))
			transients = append(transients, err)
		default:
			return 0, err
		}
	}
	if len(transients) > 0 {
		return 0, joinTransient(transients)
	}
	return status, nil
}

// Contains short-circuits on the first present child.
func (f *Fanout) Contains(ctx context.Context, key digest.Key) (Presence, error) {
	sawUnknown := false
	for _, c := range f.children {
		p, err := c.Contains(ctx, key)
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

// Delete attempts removal on every child and aggregates the outcome.
func (f *Fanout) Delete(ctx context.Context, key digest.Key) (bool, error) {
	removed := false
	var firstErr error
	for _, c := range f.children {
		ok, err := c.Delete(ctx, key)
		if err != nil && !errors.Is(err, ErrReadOnly) && firstErr == nil {
			firstErr = err
		}
		removed = removed || ok
	}
	return removed, firstErr
}

// Touch refreshes metadata on every child holding the key.
func (f *Fanout) Touch(ctx context.Context, key digest.Key) error {
	var firstErr error
	for _, c := range f.children {
		if err := c.Touch(ctx, key); err != nil && !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Location = (*Fanout)(nil)
