package depot

// redis.go maps the Location contract onto a key-value backend through
// the KVClient interface.  Payloads are stored whole under
// `<namespace>:<hex-digest>`, so this backend is meant for small entries
// — wrap it in Small inside a composition.  A backend OOM answers
// rejected-full, which lets a Fanout spill past it.
//
// © 2025 depot authors. MIT License.

import (
	"bytes"
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/Voskan/depot/pkg/digest"
)

// RedisLocation stores payloads as namespaced binary strings.
type RedisLocation struct {
	client    KVClient
	alg       digest.Algorithm
	namespace string
	retry     RetryPolicy
	logger    *zap.Logger
}

// RedisOption customizes NewRedis.
type RedisOption func(*RedisLocation)

// WithRedisRetry overrides the transient-retry policy.
func WithRedisRetry(p RetryPolicy) RedisOption {
	return func(r *RedisLocation) { r.retry = p }
}

// WithRedisLogger plugs an external zap.Logger.
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(r *RedisLocation) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedis wraps a key-value client as a Location keyed by alg under the
// given key namespace.
func NewRedis(client KVClient, alg digest.Algorithm, namespace string, opts ...RedisOption) (*RedisLocation, error) {
	if client == nil {
		return nil, errNoChildren
	}
	if err := alg.Validate(); err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = "depot"
	}
	r := &RedisLocation{
		client:    client,
		alg:       alg,
		namespace: namespace,
		retry:     DefaultRetryPolicy(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *RedisLocation) redisKey(key digest.Key) string {
	return r.namespace + ":" + key.Encoded()
}

// Algorithm implements Location.
func (r *RedisLocation) Algorithm() digest.Algorithm { return r.alg }

// Readable implements Location.
func (r *RedisLocation) Readable() bool { return true }

// Writable implements Location.
func (r *RedisLocation) Writable() bool { return true }

// Contains probes with EXISTS.
func (r *RedisLocation) Contains(ctx context.Context, key digest.Key) (Presence, error) {
	var held bool
	err := retryTransient(ctx, r.retry, func() error {
		var err error
		held, err = r.client.Exists(ctx, r.redisKey(key))
		return classifyRemote(err)
	})
	switch {
	case err == nil && held:
		return Present, nil
	case err == nil:
		return Absent, nil
	case IsTransient(err):
		return Unknown, nil
	default:
		return Unknown, err
	}
}

// Read fetches the whole value and serves it from memory.
func (r *RedisLocation) Read(ctx context.Context, key digest.Key) (io.ReadCloser, error) {
	var val []byte
	err := retryTransient(ctx, r.retry, func() error {
		var err error
		val, err = r.client.Get(ctx, r.redisKey(key))
		return classifyRemote(err)
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(val)), nil
}

// Write buffers the payload and stores it in one SET.  An OOM from the
// backend answers rejected-full without surfacing an error.
func (r *RedisLocation) Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error) {
	in, err := src.Open()
	if err != nil {
		return 0, err
	}
	payload, err := io.ReadAll(&ctxReader{ctx: ctx, r: in})
	closeErr := in.Close()
	if err != nil {
		return 0, err
	}
	if closeErr != nil {
		return 0, closeErr
	}

	err = retryTransient(ctx, r.retry, func() error {
		return classifyRemote(r.client.Set(ctx, r.redisKey(key), payload))
	})
	switch {
	case err == nil:
		return WriteAccepted, nil
	case errors.Is(err, ErrBackendFull):
		return WriteRejectedFull, nil
	default:
		return 0, err
	}
}

// Delete removes the value; absent keys are not an error.
func (r *RedisLocation) Delete(ctx context.Context, key digest.Key) (bool, error) {
	var removed bool
	err := retryTransient(ctx, r.retry, func() error {
		var err error
		removed, err = r.client.Del(ctx, r.redisKey(key))
		return classifyRemote(err)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Touch is a no-op.
func (r *RedisLocation) Touch(context.Context, digest.Key) error { return nil }

var _ Location = (*RedisLocation)(nil)
