package depot

// sftp.go maps the Location contract onto a remote filesystem reached
// through the FileTransferClient interface (SFTP, or SCP behind the same
// shape).  The remote tree mirrors the local layout — shard directories,
// `.tmp` staging, textual `.time` metadata — so a tree copied between a
// local root and a remote one stays bit-identical.
//
// Publication uses temp-then-rename like the local location.  When the
// remote side cannot rename (plain SCP), the adapter falls back to
// uploading straight to the final path; that window is the best the
// backend can do and is called out in the contract.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Voskan/depot/pkg/digest"
)

// SFTPLocation stores payloads on a remote filesystem.
type SFTPLocation struct {
	client   FileTransferClient
	alg      digest.Algorithm
	root     string
	readOnly bool
	retry    RetryPolicy
	logger   *zap.Logger
}

// SFTPOption customizes NewSFTP.
type SFTPOption func(*SFTPLocation)

// WithSFTPReadOnly disables writes and deletes.
func WithSFTPReadOnly() SFTPOption {
	return func(s *SFTPLocation) { s.readOnly = true }
}

// WithSFTPRetry overrides the transient-retry policy.
func WithSFTPRetry(p RetryPolicy) SFTPOption {
	return func(s *SFTPLocation) { s.retry = p }
}

// WithSFTPLogger plugs an external zap.Logger.
func WithSFTPLogger(l *zap.Logger) SFTPOption {
	return func(s *SFTPLocation) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSFTP wraps a file-transfer client as a Location rooted at root on
// the remote side.
func NewSFTP(client FileTransferClient, alg digest.Algorithm, root string, opts ...SFTPOption) (*SFTPLocation, error) {
	if client == nil {
		return nil, errNoChildren
	}
	if err := alg.Validate(); err != nil {
		return nil, err
	}
	s := &SFTPLocation{
		client: client,
		alg:    alg,
		root:   strings.TrimSuffix(root, "/"),
		retry:  DefaultRetryPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SFTPLocation) paths(key digest.Key) (shardDir, payload string) {
	dir, file := s.alg.Split(key)
	shardDir = path.Join(s.root, dir)
	return shardDir, path.Join(shardDir, file)
}

// Algorithm implements Location.
func (s *SFTPLocation) Algorithm() digest.Algorithm { return s.alg }

// Readable implements Location.
func (s *SFTPLocation) Readable() bool { return true }

// Writable implements Location.
func (s *SFTPLocation) Writable() bool { return !s.readOnly }

// Contains stats the remote payload.
func (s *SFTPLocation) Contains(ctx context.Context, key digest.Key) (Presence, error) {
	_, payload := s.paths(key)
	_, err := s.client.Stat(ctx, payload)
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

// Read opens the remote payload, retrying transient failures.
func (s *SFTPLocation) Read(ctx context.Context, key digest.Key) (io.ReadCloser, error) {
	_, payload := s.paths(key)
	var rc io.ReadCloser
	err := retryTransient(ctx, s.retry, func() error {
		var err error
		rc, err = s.client.Open(ctx, payload)
		return classifyRemote(err)
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Write uploads into the remote .tmp directory and renames into place,
// re-opening the source on each retry.
func (s *SFTPLocation) Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error) {
	if s.readOnly {
		return WriteRejectedReadOnly, nil
	}
	shardDir, payload := s.paths(key)

	err := retryTransient(ctx, s.retry, func() error {
		if _, err := s.client.Stat(ctx, payload); err == nil {
			return nil // idempotent: already published
		}
		if err := s.client.MkdirAll(ctx, shardDir); err != nil {
			return classifyRemote(err)
		}
		return s.upload(ctx, payload, src)
	})
	switch {
	case err == nil:
		s.writeTimeMeta(ctx, payload)
		return WriteAccepted, nil
	case errors.Is(err, ErrBackendFull):
		return WriteRejectedFull, nil
	default:
		return 0, err
	}
}

func (s *SFTPLocation) upload(ctx context.Context, payload string, src *Source) error {
	tmpDir := path.Join(s.root, tmpDirName)
	if err := s.client.MkdirAll(ctx, tmpDir); err != nil {
		return classifyRemote(err)
	}
	tmp := path.Join(tmpDir, uuid.NewString())

	if err := s.copyTo(ctx, tmp, src); err != nil {
		_ = s.client.Remove(ctx, tmp)
		return err
	}

	err := s.client.Rename(ctx, tmp, payload)
	if err == nil {
		return nil
	}
	_ = s.client.Remove(ctx, tmp)
	if !errors.Is(err, ErrRenameUnsupported) {
		return classifyRemote(err)
	}

	// Rename-incapable backend: upload straight to the final path.  Not
	// atomic; the contract documents the window.
	s.logger.Warn("remote rename unsupported, uploading in place", zap.String("payload", payload))
	if err := s.copyTo(ctx, payload, src); err != nil {
		_ = s.client.Remove(ctx, payload)
		return err
	}
	return nil
}

func (s *SFTPLocation) copyTo(ctx context.Context, dst string, src *Source) error {
	in, err := src.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := s.client.Create(ctx, dst)
	if err != nil {
		return classifyRemote(err)
	}
	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = w.Close()
		return classifyRemote(err)
	}
	return classifyRemote(w.Close())
}

// writeTimeMeta mirrors the local .time sibling, best effort.
func (s *SFTPLocation) writeTimeMeta(ctx context.Context, payload string) {
	t := time.Now()
	line := fmt.Sprintf("%d.%09d\n", t.Unix(), t.Nanosecond())
	w, err := s.client.Create(ctx, payload+timeSuffix)
	if err == nil {
		_, err = io.WriteString(w, line)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		s.logger.Warn("writing remote access time", zap.String("payload", payload), zap.Error(err))
	}
}

// Delete removes the payload and its metadata sibling.
func (s *SFTPLocation) Delete(ctx context.Context, key digest.Key) (bool, error) {
	if s.readOnly {
		return false, ErrReadOnly
	}
	_, payload := s.paths(key)
	err := retryTransient(ctx, s.retry, func() error {
		return classifyRemote(s.client.Remove(ctx, payload))
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = s.client.Remove(ctx, payload+timeSuffix)
	return true, nil
}

// Touch rewrites the remote .time sibling.
func (s *SFTPLocation) Touch(ctx context.Context, key digest.Key) error {
	if s.readOnly {
		return nil
	}
	_, payload := s.paths(key)
	if _, err := s.client.Stat(ctx, payload); err != nil {
		err = classifyRemote(err)
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.writeTimeMeta(ctx, payload)
	return nil
}

var _ Location = (*SFTPLocation)(nil)
