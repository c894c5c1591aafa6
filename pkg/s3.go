package depot

// s3.go maps the Location contract onto an object store through the
// ObjectClient interface.  Keys become object names `<shard>/<rest>`
// inside whatever bucket the client was built for, mirroring the local
// path scheme so migration between local and remote trees is
// bit-identical.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"io"
	"path"

	"go.uber.org/zap"

	"github.com/Voskan/depot/pkg/digest"
)

// S3Location stores payloads as objects.
type S3Location struct {
	client   ObjectClient
	alg      digest.Algorithm
	prefix   string
	readOnly bool
	retry    RetryPolicy
	logger   *zap.Logger
}

// S3Option customizes NewS3.
type S3Option func(*S3Location)

// WithS3Prefix prepends a fixed prefix to every object name.
func WithS3Prefix(prefix string) S3Option {
	return func(s *S3Location) { s.prefix = prefix }
}

// WithS3ReadOnly disables writes and deletes.
func WithS3ReadOnly() S3Option {
	return func(s *S3Location) { s.readOnly = true }
}

// WithS3Retry overrides the transient-retry policy.
func WithS3Retry(p RetryPolicy) S3Option {
	return func(s *S3Location) { s.retry = p }
}

// WithS3Logger plugs an external zap.Logger.
func WithS3Logger(l *zap.Logger) S3Option {
	return func(s *S3Location) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewS3 wraps an object-store client as a Location keyed by alg.
func NewS3(client ObjectClient, alg digest.Algorithm, opts ...S3Option) (*S3Location, error) {
	if client == nil {
		return nil, errNoChildren
	}
	if err := alg.Validate(); err != nil {
		return nil, err
	}
	s := &S3Location{
		client: client,
		alg:    alg,
		retry:  DefaultRetryPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *S3Location) objectName(key digest.Key) string {
	dir, file := s.alg.Split(key)
	return path.Join(s.prefix, dir, file)
}

// Algorithm implements Location.
func (s *S3Location) Algorithm() digest.Algorithm { return s.alg }

// Readable implements Location.
func (s *S3Location) Readable() bool { return true }

// Writable implements Location.
func (s *S3Location) Writable() bool { return !s.readOnly }

// Contains probes with HEAD.  A transient HEAD failure answers Unknown so
// a combinator can still attempt the read.
func (s *S3Location) Contains(ctx context.Context, key digest.Key) (Presence, error) {
	_, err := s.client.Head(ctx, s.objectName(key))
	err = classifyRemote(err)
	switch {
	case err == nil:
		return Present, nil
	case errors.Is(err, ErrNotFound):
		return Absent, nil
	case IsTransient(err):
		return Unknown, nil
	default:
		return Unknown, err
	}
}

// Read opens the object stream, retrying transient failures.
func (s *S3Location) Read(ctx context.Context, key digest.Key) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := retryTransient(ctx, s.retry, func() error {
		var err error
		rc, err = s.client.Get(ctx, s.objectName(key))
		return classifyRemote(err)
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Write uploads the payload, re-opening the source on each retry.
func (s *S3Location) Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error) {
	if s.readOnly {
		return WriteRejectedReadOnly, nil
	}
	name := s.objectName(key)
	err := retryTransient(ctx, s.retry, func() error {
		in, err := src.Open()
		if err != nil {
			return err
		}
		defer in.Close()
		return classifyRemote(s.client.Put(ctx, name, in, src.Size()))
	})
	switch {
	case err == nil:
		return WriteAccepted, nil
	case errors.Is(err, ErrBackendFull):
		return WriteRejectedFull, nil
	case errors.Is(err, errSourceConsumed):
		// A one-shot source cannot be replayed into a retried upload.
		return 0, err
	default:
		return 0, err
	}
}

// Delete removes the object; deleting an absent object is not an error.
func (s *S3Location) Delete(ctx context.Context, key digest.Key) (bool, error) {
	if s.readOnly {
		return false, ErrReadOnly
	}
	err := retryTransient(ctx, s.retry, func() error {
		return classifyRemote(s.client.Delete(ctx, s.objectName(key)))
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Touch is a no-op: object stores keep no per-entry access metadata the
// hierarchy cares about.
func (s *S3Location) Touch(context.Context, digest.Key) error { return nil }

var _ Location = (*S3Location)(nil)
