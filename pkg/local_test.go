package depot

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/depot/pkg/digest"
)

func newTestLocal(t *testing.T, opts ...LocalOption) *LocalLocation {
	t.Helper()
	loc, err := OpenLocal(t.TempDir(), opts...)
	require.NoError(t, err)
	return loc
}

func mustWrite(t *testing.T, loc Location, payload []byte) digest.Key {
	t.Helper()
	key := loc.Algorithm().FromBytes(payload)
	status, err := loc.Write(context.Background(), key, NewBytesSource(payload))
	require.NoError(t, err)
	require.Equal(t, WriteAccepted, status)
	return key
}

func readAll(t *testing.T, loc Location, key digest.Key) []byte {
	t.Helper()
	rc, err := loc.Read(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestLocalWriteReadRoundtrip(t *testing.T) {
	loc := newTestLocal(t)
	payload := []byte("hello")

	key := mustWrite(t, loc, payload)
	assert.Equal(t, payload, readAll(t, loc, key))

	p, err := loc.Contains(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Present, p)

	// Layout: shard dir, payload file, .time sibling.
	dir, file := loc.Algorithm().Split(key)
	payloadPath := filepath.Join(loc.Root(), dir, file)
	_, err = os.Stat(payloadPath)
	require.NoError(t, err)

	ts, err := readTimeFile(payloadPath + timeSuffix)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestLocalReadAbsent(t *testing.T) {
	loc := newTestLocal(t)
	key := loc.Algorithm().FromBytes([]byte("never written"))

	_, err := loc.Read(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := loc.Contains(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Absent, p)
}

func TestLocalWriteIdempotent(t *testing.T) {
	loc := newTestLocal(t)
	payload := []byte("same bytes")

	k1 := mustWrite(t, loc, payload)
	k2 := mustWrite(t, loc, payload)
	assert.Equal(t, k1, k2)

	// One payload file, no leftover temp.
	assert.Equal(t, int64(len(payload)), loc.UsedBytes())
	assertTmpEmpty(t, loc)
}

func TestLocalWriteDigestMismatch(t *testing.T) {
	loc := newTestLocal(t)
	key := loc.Algorithm().FromBytes([]byte("expected content"))

	_, err := loc.Write(context.Background(), key, NewBytesSource([]byte("other content")))
	require.ErrorIs(t, err, ErrDigestMismatch)

	// Nothing published, temp unwound.
	p, err := loc.Contains(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Absent, p)
	assertTmpEmpty(t, loc)
}

func TestLocalWrongAlgorithmRejected(t *testing.T) {
	loc := newTestLocal(t)
	key := digest.SHA512.FromBytes([]byte("hello"))

	_, err := loc.Write(context.Background(), key, NewBytesSource([]byte("hello")))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLocalConcurrentSameKeyWrites(t *testing.T) {
	loc := newTestLocal(t)
	payload := []byte("same-bytes")
	key := loc.Algorithm().FromBytes(payload)

	const writers = 8
	var wg sync.WaitGroup
	statuses := make([]WriteStatus, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], errs[i] = loc.Write(context.Background(), key, NewBytesSource(payload))
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, WriteAccepted, statuses[i])
	}
	assert.Equal(t, payload, readAll(t, loc, key))
	assert.Equal(t, int64(len(payload)), loc.UsedBytes(), "exactly one payload accounted")
	assertTmpEmpty(t, loc)
}

func TestLocalBudgetRejectsFull(t *testing.T) {
	loc := newTestLocal(t, WithLocalConfig(LocalConfig{Hash: digest.SHA256, MaxSize: 100}))

	mustWrite(t, loc, make([]byte, 60))

	big := make([]byte, 60)
	big[0] = 1
	key := loc.Algorithm().FromBytes(big)
	status, err := loc.Write(context.Background(), key, NewBytesSource(big))
	require.NoError(t, err)
	assert.Equal(t, WriteRejectedFull, status)

	// Quota untouched by the rejected write.
	assert.Equal(t, int64(60), loc.UsedBytes())
	assertTmpEmpty(t, loc)
}

func TestLocalFreeDiskReserve(t *testing.T) {
	tmp := t.TempDir()
	loc, err := OpenLocal(tmp, WithLocalConfig(LocalConfig{Hash: digest.SHA256, FreeDiskSize: 500}))
	require.NoError(t, err)
	loc.diskFree = func(string) (int64, error) { return 520, nil }

	payload := make([]byte, 100)
	key := loc.Algorithm().FromBytes(payload)
	status, err := loc.Write(context.Background(), key, NewBytesSource(payload))
	require.NoError(t, err)
	assert.Equal(t, WriteRejectedFull, status, "write would dip below the reserve")
}

func TestLocalDelete(t *testing.T) {
	loc := newTestLocal(t)
	key := mustWrite(t, loc, []byte("doomed"))

	removed, err := loc.Delete(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(0), loc.UsedBytes())

	removed, err = loc.Delete(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, removed, "second delete observes absence")

	_, err = loc.Read(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalTouch(t *testing.T) {
	loc := newTestLocal(t)
	key := mustWrite(t, loc, []byte("touched"))

	dir, file := loc.Algorithm().Split(key)
	timePath := filepath.Join(loc.Root(), dir, file) + timeSuffix

	old := time.Now().Add(-time.Hour)
	require.NoError(t, writeTimeFile(timePath, old))

	require.NoError(t, loc.Touch(context.Background(), key))
	ts, err := readTimeFile(timePath)
	require.NoError(t, err)
	assert.True(t, ts.After(old))

	err = loc.Touch(context.Background(), loc.Algorithm().FromBytes([]byte("absent")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalReadOnly(t *testing.T) {
	dir := t.TempDir()
	rw, err := OpenLocal(dir)
	require.NoError(t, err)
	key := mustWrite(t, rw, []byte("payload"))

	ro, err := OpenLocal(dir, WithLocalReadOnly())
	require.NoError(t, err)
	assert.False(t, ro.Writable())

	assert.Equal(t, []byte("payload"), readAll(t, ro, key))

	status, err := ro.Write(context.Background(), key, NewBytesSource([]byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, WriteRejectedReadOnly, status)

	_, err = ro.Delete(context.Background(), key)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestLocalConfigPersistence(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenLocal(dir, WithLocalConfig(LocalConfig{Hash: digest.SHA256, MaxSize: 4096}))
	require.NoError(t, err)
	key := mustWrite(t, first, []byte("persisted"))

	// Reopening adopts the persisted algorithm and budget, and the used
	// bytes are rescanned from disk.
	second, err := OpenLocal(dir)
	require.NoError(t, err)
	assert.Equal(t, "sha256", second.Algorithm().Name)
	assert.Equal(t, int64(4096), second.Config().MaxSize)
	assert.Equal(t, int64(len("persisted")), second.UsedBytes())
	assert.Equal(t, []byte("persisted"), readAll(t, second, key))

	// A conflicting algorithm request is a construction error.
	_, err = OpenLocal(dir, WithLocalConfig(LocalConfig{Hash: digest.SHA512}))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLocalSweep(t *testing.T) {
	dir := t.TempDir()
	loc, err := OpenLocal(dir, WithStaleTempAge(time.Minute))
	require.NoError(t, err)
	key := mustWrite(t, loc, []byte("kept"))

	// A stale temp file (interrupted write) and a fresh one.
	stale := filepath.Join(dir, tmpDirName, "stale-upload")
	fresh := filepath.Join(dir, tmpDirName, "fresh-upload")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("partial"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	// An orphan .time file without payload.
	shardDir, payloadPath, _ := loc.paths(key)
	orphan := filepath.Join(shardDir, "0000deadbeef.time")
	require.NoError(t, os.WriteFile(orphan, []byte("1.0\n"), 0o644))

	removed, err := loc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh, "recent temp files belong to in-flight writes")
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, payloadPath)

	// Payload without metadata is well-formed and survives sweeps.
	require.NoError(t, os.Remove(payloadPath+timeSuffix))
	removed, err = loc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.FileExists(t, payloadPath)
}

func TestLocalInterruptedWriteInvisible(t *testing.T) {
	dir := t.TempDir()
	loc, err := OpenLocal(dir)
	require.NoError(t, err)

	// Simulate a crash before rename: payload bytes sitting in .tmp.
	payload := []byte("never published")
	key := loc.Algorithm().FromBytes(payload)
	tmpFile := filepath.Join(dir, tmpDirName, "crashed-write")
	require.NoError(t, os.WriteFile(tmpFile, payload, 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(tmpFile, old, old))

	// No reader observes the key.
	_, err = loc.Read(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)

	// The next startup sweep reclaims the temp file.
	reopened, err := OpenLocal(dir)
	require.NoError(t, err)
	assert.NoFileExists(t, tmpFile)
	_, err = reopened.Read(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStats(t *testing.T) {
	loc := newTestLocal(t)
	mustWrite(t, loc, []byte("one"))
	mustWrite(t, loc, []byte("second"))

	stats, err := loc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(len("one")+len("second")), stats.UsedBytes)
	assert.False(t, stats.OldestAccess.IsZero())
}

func assertTmpEmpty(t *testing.T, loc *LocalLocation) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(loc.Root(), tmpDirName))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files may remain")
}
