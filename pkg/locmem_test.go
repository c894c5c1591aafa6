package depot

// locmem_test.go provides the in-memory Location test double used by the
// combinator and façade tests.  It supports a byte budget (rejected-full),
// read-only mode, scripted transient failures, and an always-unknown
// Contains, which together cover every traversal branch of the algebra.

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/Voskan/depot/pkg/digest"
)

type memLocation struct {
	mu   sync.Mutex
	alg  digest.Algorithm
	data map[digest.Key][]byte

	budget   int64
	readOnly bool

	// Scripted failures: each op consumes one countdown before
	// succeeding.
	transientReads  int
	transientWrites int

	containsUnknown bool

	readOps  int
	writeOps int
}

func newMemLocation(alg digest.Algorithm) *memLocation {
	return &memLocation{alg: alg, data: make(map[digest.Key][]byte)}
}

func (m *memLocation) used() int64 {
	var n int64
	for _, v := range m.data {
		n += int64(len(v))
	}
	return n
}

func (m *memLocation) Algorithm() digest.Algorithm { return m.alg }
func (m *memLocation) Readable() bool              { return true }
func (m *memLocation) Writable() bool              { return !m.readOnly }

func (m *memLocation) Contains(_ context.Context, key digest.Key) (Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.containsUnknown {
		return Unknown, nil
	}
	if _, ok := m.data[key]; ok {
		return Present, nil
	}
	return Absent, nil
}

func (m *memLocation) Read(_ context.Context, key digest.Key) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOps++
	if m.transientReads > 0 {
		m.transientReads--
		return nil, Transient(errors.New("mem: scripted read failure"))
	}
	val, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(val)), nil
}

func (m *memLocation) Write(ctx context.Context, key digest.Key, src *Source) (WriteStatus, error) {
	m.mu.Lock()
	m.writeOps++
	if m.transientWrites > 0 {
		m.transientWrites--
		m.mu.Unlock()
		return 0, Transient(errors.New("mem: scripted write failure"))
	}
	if m.readOnly {
		m.mu.Unlock()
		return WriteRejectedReadOnly, nil
	}
	if _, ok := m.data[key]; ok {
		m.mu.Unlock()
		return WriteAccepted, nil
	}
	m.mu.Unlock()

	in, err := src.Open()
	if err != nil {
		return 0, err
	}
	payload, err := io.ReadAll(&ctxReader{ctx: ctx, r: in})
	if cerr := in.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Abortable write protocol: nothing is kept on a stream error.
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.budget > 0 && m.used()+int64(len(payload)) > m.budget {
		return WriteRejectedFull, nil
	}
	m.data[key] = payload
	return WriteAccepted, nil
}

func (m *memLocation) Delete(_ context.Context, key digest.Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return false, ErrReadOnly
	}
	if _, ok := m.data[key]; !ok {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *memLocation) Touch(context.Context, digest.Key) error { return nil }

func (m *memLocation) holds(key digest.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

var _ Location = (*memLocation)(nil)

// fastRetry keeps test retries quick.
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxTries: 3, InitialInterval: 1, Multiplier: 1}
}
