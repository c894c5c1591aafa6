package depot

// small.go implements the size-filter wrapper: a Location that gates
// writes by payload size and passes everything else through to its child.
// It exists so a fast-but-tiny backend (Redis, a small SSD tier) can sit
// inside a Fanout without ever being asked to hold a large payload.
//
// Reads and deletes are not filtered: entries written before the
// threshold changed must stay reachable.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Voskan/depot/pkg/digest"
)

// errPayloadTooLarge aborts the child's streaming write when the payload
// crosses the threshold mid-stream.  The child's write protocol unwinds
// whatever it buffered (temp file, partial upload) on any stream error.
var errPayloadTooLarge = errors.New("depot: payload exceeds size threshold")

// Small wraps a child Location and rejects writes larger than Limit bytes
// with rejected-policy.
type Small struct {
	child Location
	limit int64
}

// NewSmall wraps child with a size threshold.
func NewSmall(child Location, limit int64) (*Small, error) {
	if child == nil {
		return nil, errNoChildren
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: size threshold must be positive", ErrConfig)
	}
	return &Small{child: child, limit: limit}, nil
}

// Limit returns the configured threshold.
func (s *Small) Limit() int64 { return s.limit }

// Algorithm implements Location.
func (s *Small) Algorithm() digest.Algorithm { return s.child.Algorithm() }

// Readable implements Location.
func (s *Small) Readable() bool { return s.child.Readable() }

// Writable implements Location.
func (s *Small) Writable() bool { return s.child.Writable() }

// Contains passes through.
func (s *Small) Contains(ctx context.Context, key digest.Key) (Presence, error) {
	return s.child.Contains(ctx, key)
}

// Read passes through regardless of size.
func (s *Small) Read(ctx context.Context, key digest.Key) (io.ReadCloser, error) {
	return s.child.Read(ctx, key)
}

// Write rejects oversized payloads.  When the source reports its size the
// rejection is free; an unknown-size stream is cut off as soon as the
// accumulated bytes cross the threshold, and the child rolls back.
func (s *Small) Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error) {
	if size := src.Size(); size != SizeUnknown && size > s.limit {
		return WriteRejectedPolicy, nil
	}

	status, err := s.child.Write(ctx, key, s.capped(src))
	if err != nil && errors.Is(err, errPayloadTooLarge) {
		return WriteRejectedPolicy, nil
	}
	return status, err
}

// Delete passes through.
func (s *Small) Delete(ctx context.Context, key digest.Key) (bool, error) {
	return s.child.Delete(ctx, key)
}

// Touch passes through.
func (s *Small) Touch(ctx context.Context, key digest.Key) error {
	return s.child.Touch(ctx, key)
}

// capped wraps src so every opened stream fails with errPayloadTooLarge
// past the threshold.
func (s *Small) capped(src *Source) *Source {
	return &Source{
		size: src.Size(),
		open: func() (io.ReadCloser, error) {
			rc, err := src.Open()
			if err != nil {
				return nil, err
			}
			return &cappedReader{rc: rc, remaining: s.limit}, nil
		},
	}
}

type cappedReader struct {
	rc        io.ReadCloser
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return c.rc.Read(p)
	}
	if c.remaining == 0 {
		// At the cap: probe one byte to tell an exactly-threshold
		// payload (EOF here) from an oversized one.
		var b [1]byte
		n, err := c.rc.Read(b[:])
		if n > 0 {
			return 0, errPayloadTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.rc.Read(p)
	c.remaining -= int64(n)
	return n, err
}

func (c *cappedReader) Close() error { return c.rc.Close() }

var _ Location = (*Small)(nil)
