package depot

// storage.go is the hash-key façade: the only surface most applications
// touch.  It owns a single root Location (usually a composition), turns
// payloads into keys by hashing, and verifies integrity both ways:
//
//   • write: the payload is spooled through a streaming digester first
//     (hash-first, write-second), so the composition below always
//     receives a reopenable source together with its final key.
//   • read: the returned handle tees every byte through a verifier and
//     checks the digest on Close (lazy verification); a mismatch
//     surfaces as ErrCorruption.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/depot/pkg/digest"
)

// HashKeyStorage stores opaque payloads under their digests.
type HashKeyStorage struct {
	root     Location
	alg      digest.Algorithm
	accept   map[string]bool
	spoolDir string
	logger   *zap.Logger
	metrics  metricsSink
}

/* -------------------------------------------------------------------------
   Options
   ------------------------------------------------------------------------- */

type storageOptions struct {
	fallbacks []digest.Algorithm
	spoolDir  string
	logger    *zap.Logger
	registry  *prometheus.Registry
}

// StorageOption customizes NewHashKeyStorage.
type StorageOption func(*storageOptions)

// WithFallbackAlgorithms accepts legacy keys under older digests on the
// read path.  Writes always use the root's algorithm.
func WithFallbackAlgorithms(algs ...digest.Algorithm) StorageOption {
	return func(o *storageOptions) { o.fallbacks = append(o.fallbacks, algs...) }
}

// WithSpoolDir sets where streamed payloads are spooled while hashing.
// Defaults to the OS temp directory; point it at the same filesystem as a
// local root to keep the downstream rename cheap.
func WithSpoolDir(dir string) StorageOption {
	return func(o *storageOptions) { o.spoolDir = dir }
}

// WithStorageLogger plugs an external zap.Logger.
func WithStorageLogger(l *zap.Logger) StorageOption {
	return func(o *storageOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStorageMetrics enables Prometheus metrics for the façade under the
// "storage" instance label.
func WithStorageMetrics(reg *prometheus.Registry) StorageOption {
	return func(o *storageOptions) { o.registry = reg }
}

// NewHashKeyStorage builds the façade over root.
func NewHashKeyStorage(root Location, opts ...StorageOption) (*HashKeyStorage, error) {
	if root == nil {
		return nil, errNoChildren
	}
	o := &storageOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	alg := root.Algorithm()
	if err := alg.Validate(); err != nil {
		return nil, err
	}
	accept := map[string]bool{alg.Name: true}
	for _, fb := range o.fallbacks {
		if err := fb.Validate(); err != nil {
			return nil, err
		}
		accept[fb.Name] = true
	}

	s := &HashKeyStorage{
		root:     root,
		alg:      alg,
		accept:   accept,
		spoolDir: o.spoolDir,
		logger:   o.logger,
		metrics:  noopMetrics{},
	}
	if o.registry != nil {
		s.metrics = newMetricsSink(o.registry, "storage")
	}
	return s, nil
}

// Algorithm returns the primary (write-side) algorithm.
func (s *HashKeyStorage) Algorithm() digest.Algorithm { return s.alg }

/* -------------------------------------------------------------------------
   Write paths
   ------------------------------------------------------------------------- */

// Write streams r into storage and returns the payload's key.  The stream
// is spooled to a temp file while hashing so the root location receives a
// reopenable source with the key already known.
func (s *HashKeyStorage) Write(ctx context.Context, r io.Reader) (digest.Key, error) {
	spool, err := os.CreateTemp(s.spoolDir, "depot-spool-*")
	if err != nil {
		return "", err
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)

	dg := s.alg.Digester()
	_, err = io.Copy(io.MultiWriter(spool, dg), &ctxReader{ctx: ctx, r: r})
	if cerr := spool.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("spooling payload: %w", err)
	}

	return s.offer(ctx, dg.Key(), NewFileSource(spoolPath))
}

// WriteBytes stores an in-memory payload.
func (s *HashKeyStorage) WriteBytes(ctx context.Context, b []byte) (digest.Key, error) {
	return s.offer(ctx, s.alg.FromBytes(b), NewBytesSource(b))
}

// WriteFile stores the contents of a file.  The file itself backs the
// source, so nothing is spooled; it must not change until Write returns.
func (s *HashKeyStorage) WriteFile(ctx context.Context, path string) (digest.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	dg := s.alg.Digester()
	_, err = io.Copy(dg, &ctxReader{ctx: ctx, r: f})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	return s.offer(ctx, dg.Key(), NewFileSource(path))
}

// offer hands a hashed payload to the root location and folds the write
// status into the error taxonomy.
func (s *HashKeyStorage) offer(ctx context.Context, key digest.Key, src *Source) (digest.Key, error) {
	status, err := s.root.Write(ctx, key, src)
	if err != nil {
		s.metrics.incWrite("error")
		return "", err
	}
	s.metrics.incWrite(status.String())
	switch status {
	case WriteAccepted:
		return key, nil
	case WriteRejectedFull:
		return "", ErrStorageFull
	case WriteRejectedReadOnly:
		return "", ErrReadOnly
	default:
		return "", fmt.Errorf("%w: rejected by policy", ErrStorageFull)
	}
}

/* -------------------------------------------------------------------------
   Read path
   ------------------------------------------------------------------------- */

// Handle is a scoped readable payload.  Bytes stream straight from the
// location; every byte is fed to a verifier and the digest is checked on
// Close, which drains any unread remainder first.  Close returns
// ErrCorruption when the payload does not hash to its key.
type Handle struct {
	key      digest.Key
	rc       io.ReadCloser
	verifier io.Writer
	verified func() bool
	closed   bool
}

// Key returns the key the handle was opened for.
func (h *Handle) Key() digest.Key { return h.key }

func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.rc.Read(p)
	if n > 0 {
		// Hash writers never fail.
		_, _ = h.verifier.Write(p[:n])
	}
	return n, err
}

// Close verifies and releases the stream.  Safe to call twice; the
// second call is a no-op.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	_, drainErr := io.Copy(h.verifier, h.rc)
	closeErr := h.rc.Close()
	if drainErr != nil {
		return drainErr
	}
	if closeErr != nil {
		return closeErr
	}
	if !h.verified() {
		return fmt.Errorf("%w: payload does not hash to %s", ErrCorruption, h.key)
	}
	return nil
}

// Read opens the payload for key.  Keys under the primary algorithm or a
// configured fallback are accepted; anything else is a config error.
func (s *HashKeyStorage) Read(ctx context.Context, key digest.Key) (*Handle, error) {
	if err := s.checkKey(key); err != nil {
		return nil, err
	}
	rc, err := s.root.Read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.incRead("miss")
		} else {
			s.metrics.incRead("error")
		}
		return nil, err
	}
	s.metrics.incRead("hit")

	verifier := key.Verifier()
	return &Handle{
		key:      key,
		rc:       rc,
		verifier: verifier,
		verified: verifier.Verified,
	}, nil
}

// ReadAll fetches and eagerly verifies the whole payload.  A mismatch is
// reported as ErrDigestMismatch.
func (s *HashKeyStorage) ReadAll(ctx context.Context, key digest.Key) ([]byte, error) {
	h, err := s.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(h)
	closeErr := h.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		if errors.Is(closeErr, ErrCorruption) {
			return nil, fmt.Errorf("%w: payload does not hash to %s", ErrDigestMismatch, key)
		}
		return nil, closeErr
	}
	return b, nil
}

/* -------------------------------------------------------------------------
   Remaining surface
   ------------------------------------------------------------------------- */

// Contains probes the root location.
func (s *HashKeyStorage) Contains(ctx context.Context, key digest.Key) (Presence, error) {
	if err := s.checkKey(key); err != nil {
		return Unknown, err
	}
	return s.root.Contains(ctx, key)
}

// Delete removes the payload from every location holding it.
func (s *HashKeyStorage) Delete(ctx context.Context, key digest.Key) (bool, error) {
	if err := s.checkKey(key); err != nil {
		return false, err
	}
	removed, err := s.root.Delete(ctx, key)
	if err == nil {
		s.metrics.incDelete()
	}
	return removed, err
}

func (s *HashKeyStorage) checkKey(key digest.Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if !s.accept[key.Algorithm().String()] {
		return fmt.Errorf("%w: key algorithm %s not accepted", ErrConfig, key.Algorithm())
	}
	return nil
}
