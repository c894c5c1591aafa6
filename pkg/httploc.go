package depot

// httploc.go implements the read-only HTTP autoindex location: a plain
// web server exporting a tree in the standard layout.  Reads issue GET on
// the deterministic path; existence probes use HEAD and degrade to
// Unknown when the server does not support it.  Unlike the other remote
// adapters this one needs no external client — net/http is the backend.
//
// Error mapping: 404 is absence, 401/403 are fatal permission failures,
// other 4xx are fatal, and network failures plus 5xx are transient.
//
// © 2025 depot authors. MIT License.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Voskan/depot/pkg/digest"
)

// HTTPLocation reads payloads from an autoindexed HTTP tree.
type HTTPLocation struct {
	base   string
	alg    digest.Algorithm
	client *http.Client
	retry  RetryPolicy
}

// HTTPOption customizes NewHTTP.
type HTTPOption func(*HTTPLocation)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPLocation) {
		if c != nil {
			h.client = c
		}
	}
}

// WithHTTPRetry overrides the transient-retry policy.
func WithHTTPRetry(p RetryPolicy) HTTPOption {
	return func(h *HTTPLocation) { h.retry = p }
}

// NewHTTP wraps a base URL as a read-only Location keyed by alg.
func NewHTTP(base string, alg digest.Algorithm, opts ...HTTPOption) (*HTTPLocation, error) {
	if err := alg.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: bad base URL %q", ErrConfig, base)
	}
	h := &HTTPLocation{
		base:   strings.TrimSuffix(base, "/"),
		alg:    alg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HTTPLocation) entryURL(key digest.Key) string {
	dir, file := h.alg.Split(key)
	return h.base + "/" + dir + "/" + file
}

// Algorithm implements Location.
func (h *HTTPLocation) Algorithm() digest.Algorithm { return h.alg }

// Readable implements Location.
func (h *HTTPLocation) Readable() bool { return true }

// Writable implements Location.
func (h *HTTPLocation) Writable() bool { return false }

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK, status == http.StatusPartialContent:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrPermission, status)
	case status >= 500:
		return Transient(fmt.Errorf("HTTP %d", status))
	default:
		return fmt.Errorf("depot: unexpected HTTP status %d", status)
	}
}

// Contains probes with HEAD, answering Unknown when the server cannot.
func (h *HTTPLocation) Contains(ctx context.Context, key digest.Key) (Presence, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.entryURL(key), nil)
	if err != nil {
		return Unknown, err
	}
	res, err := h.client.Do(req)
	if err != nil {
		return Unknown, nil
	}
	_ = res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return Present, nil
	case http.StatusNotFound:
		return Absent, nil
	default:
		return Unknown, nil
	}
}

// Read issues GET on the deterministic path.
func (h *HTTPLocation) Read(ctx context.Context, key digest.Key) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := retryTransient(ctx, h.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.entryURL(key), nil)
		if err != nil {
			return err
		}
		res, err := h.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return Transient(err)
		}
		if err := classifyStatus(res.StatusCode); err != nil {
			_ = res.Body.Close()
			return err
		}
		body = res.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Write answers rejected-readonly: autoindex trees are published out of
// band.
func (h *HTTPLocation) Write(context.Context, digest.Key, *Source) (WriteStatus, error) {
	return WriteRejectedReadOnly, nil
}

// Delete is rejected: the tree is read-only.
func (h *HTTPLocation) Delete(context.Context, digest.Key) (bool, error) {
	return false, ErrReadOnly
}

// Touch is a no-op.
func (h *HTTPLocation) Touch(context.Context, digest.Key) error { return nil }

var _ Location = (*HTTPLocation)(nil)
