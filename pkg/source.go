package depot

// source.go models the "readable byte source" handed to Location.Write.
// A payload may come from a path, an in-memory byte string, or an
// arbitrary stream whose size is unknown until it ends.
//
// Combinators re-offer the same payload to several children, and adapters
// re-stream on retry, so file- and bytes-backed sources are reopenable.
// A reader-backed source can be consumed exactly once; the façade always
// spools caller streams to a temp file before they reach a composition
// (see storage.go), so one-shot sources only ever meet a single location.
//
// © 2025 depot authors. MIT License.

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
)

// SizeUnknown is reported by Source.Size when the payload length is not
// known up front.
const SizeUnknown int64 = -1

var errSourceConsumed = errors.New("depot: one-shot source already consumed")

// Source is a payload to be written.  Open returns a fresh stream over the
// full payload; Size returns the byte length or SizeUnknown.
type Source struct {
	size int64
	open func() (io.ReadCloser, error)
}

// Size returns the payload length in bytes, or SizeUnknown.
func (s *Source) Size() int64 { return s.size }

// Open starts a stream over the payload.  File- and bytes-backed sources
// may be opened any number of times; reader-backed sources fail the second
// Open with an error.
func (s *Source) Open() (io.ReadCloser, error) { return s.open() }

// NewFileSource reads the payload from a file on each Open.  Size is
// determined lazily by the consumer; stat failures surface on Open.
func NewFileSource(path string) *Source {
	size := SizeUnknown
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	return &Source{
		size: size,
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// NewBytesSource serves the payload from memory.  The slice is not copied;
// the caller must not mutate it while the source is in use.
func NewBytesSource(b []byte) *Source {
	return &Source{
		size: int64(len(b)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		},
	}
}

// NewReaderSource wraps a one-shot stream.  Pass SizeUnknown when the
// length is not known up front.  The stream is closed by the consumer if
// it implements io.Closer.
func NewReaderSource(r io.Reader, size int64) *Source {
	var mu sync.Mutex
	consumed := false
	return &Source{
		size: size,
		open: func() (io.ReadCloser, error) {
			mu.Lock()
			defer mu.Unlock()
			if consumed {
				return nil, errSourceConsumed
			}
			consumed = true
			if c, ok := r.(io.ReadCloser); ok {
				return c, nil
			}
			return io.NopCloser(r), nil
		},
	}
}
