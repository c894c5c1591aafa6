package depot

// remote.go defines the contract between remote adapters and the backend
// client libraries that stay outside this module.  An adapter does not
// speak S3 or the Redis protocol itself; it translates the Location
// contract onto a narrow client interface and maps the client's failures
// onto the error taxonomy:
//
//   • ErrBackendNotFound  → absent (ErrNotFound / Absent)
//   • ErrBackendFull      → rejected-full
//   • ErrBackendDenied    → ErrPermission (fatal)
//   • anything else       → transient, retried per the RetryPolicy
//
// Client implementations wrap their SDK's "object not found", "OOM",
// "access denied" conditions in these sentinels; unambiguous client-side
// errors they cannot express stay fatal by wrapping ErrPermission or
// ErrCorruption directly.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Sentinels a backend client returns (or wraps) to classify failures.
var (
	ErrBackendNotFound = errors.New("depot: backend object not found")
	ErrBackendFull     = errors.New("depot: backend out of space")
	ErrBackendDenied   = errors.New("depot: backend denied access")
)

// ObjectClient is the S3-style client an object-store adapter needs.
// Object names are `<shard>/<rest>` inside a fixed bucket; Put must
// stream (multipart when the backend requires known sizes — the adapter
// passes size -1 for unknown).
type ObjectClient interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Head(ctx context.Context, name string) (size int64, err error)
	Delete(ctx context.Context, name string) error
}

// KVClient is the Redis-style client a key-value adapter needs.  Values
// are whole payloads; this backend is intended for small entries.
type KVClient interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, key string) (bool, error)
}

// FileTransferClient is the SFTP/SCP-style client a remote-filesystem
// adapter needs.  Paths are relative to the remote root and use forward
// slashes.  Rename may return ErrRenameUnsupported (plain SCP); the
// adapter then falls back to uploading straight to the final path.
type FileTransferClient interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	Rename(ctx context.Context, oldPath, newPath string) error
	Stat(ctx context.Context, path string) (size int64, err error)
	Remove(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
}

// ErrRenameUnsupported is returned by FileTransferClient.Rename when the
// remote side cannot rename (e.g. bare SCP).
var ErrRenameUnsupported = errors.New("depot: remote rename unsupported")

// classifyRemote maps a client error onto the taxonomy.  Absence and the
// fatal kinds pass through recognizably; everything else is transient.
func classifyRemote(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBackendNotFound):
		return ErrNotFound
	case errors.Is(err, ErrBackendFull):
		return err
	case errors.Is(err, ErrBackendDenied):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case errors.Is(err, ErrPermission), errors.Is(err, ErrCorruption):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return Transient(err)
	}
}
