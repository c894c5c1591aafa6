package depot

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/depot/pkg/digest"
)

func newTestLevels(t *testing.T, tiers ...Level) *Levels {
	t.Helper()
	lv, err := NewLevels(tiers, WithLevelsRetry(fastRetry()))
	require.NoError(t, err)
	return lv
}

func TestLevelsAlgorithmAgreement(t *testing.T) {
	_, err := NewLevels(nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewLevels([]Level{
		{Loc: newMemLocation(digest.SHA256)},
		{Loc: newMemLocation(digest.SHA512)},
	})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLevelsWriteReachesEveryTier(t *testing.T) {
	top := newMemLocation(digest.SHA256)
	bottom := newMemLocation(digest.SHA256)
	lv := newTestLevels(t, Level{Loc: top}, Level{Loc: bottom})

	payload := []byte("x")
	key := lv.Algorithm().FromBytes(payload)
	status, err := lv.Write(context.Background(), key, NewBytesSource(payload))
	require.NoError(t, err)
	assert.Equal(t, WriteAccepted, status)
	assert.True(t, top.holds(key))
	assert.True(t, bottom.holds(key))
}

func TestLevelsPromotionOnRead(t *testing.T) {
	// Write through both tiers, drop the entry from the top, read — the
	// hit at the bottom repopulates the top once the reader closes.
	top, err := OpenLocal(t.TempDir())
	require.NoError(t, err)
	bottom, err := OpenLocal(t.TempDir())
	require.NoError(t, err)
	lv := newTestLevels(t, Level{Loc: top}, Level{Loc: bottom})

	ctx := context.Background()
	payload := []byte("x")
	key := lv.Algorithm().FromBytes(payload)
	status, err := lv.Write(ctx, key, NewBytesSource(payload))
	require.NoError(t, err)
	require.Equal(t, WriteAccepted, status)

	removed, err := top.Delete(ctx, key)
	require.NoError(t, err)
	require.True(t, removed)

	rc, err := lv.Read(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	p, err := top.Contains(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Absent, p, "promotion must not run before the reader is done")

	require.NoError(t, rc.Close())

	p, err = top.Contains(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Present, p, "close promotes into the higher tier")
}

func TestLevelsPromotionSkipsWriteDisabled(t *testing.T) {
	top := newMemLocation(digest.SHA256)
	bottom := newMemLocation(digest.SHA256)
	lv := newTestLevels(t, Level{Loc: top, NoWrite: true}, Level{Loc: bottom})

	key := mustWrite(t, bottom, []byte("cold"))

	rc, err := lv.Read(context.Background(), key)
	require.NoError(t, err)
	_, _ = io.ReadAll(rc)
	require.NoError(t, rc.Close())

	assert.False(t, top.holds(key), "write-gated tier receives no promotion")
}

func TestLevelsPromotionFailureDoesNotFailRead(t *testing.T) {
	// The top tier is write-enabled but has no room, so the promotion
	// attempt is rejected.
	top := newMemLocation(digest.SHA256)
	top.budget = 1
	bottom := newMemLocation(digest.SHA256)
	lv := newTestLevels(t, Level{Loc: top}, Level{Loc: bottom})

	key := mustWrite(t, bottom, []byte("cold"))

	rc, err := lv.Read(context.Background(), key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("cold"), got)
	assert.NoError(t, rc.Close(), "promotion failures are best-effort")
}

func TestLevelsReadSkipsNoReadTier(t *testing.T) {
	top := newMemLocation(digest.SHA256)
	bottom := newMemLocation(digest.SHA256)
	lv := newTestLevels(t, Level{Loc: top, NoRead: true}, Level{Loc: bottom})

	key := mustWrite(t, top, []byte("hidden"))
	_, err := lv.Read(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound, "read-gated tier is invisible to reads")
}

func TestLevelsWriteAllFull(t *testing.T) {
	a := newMemLocation(digest.SHA256)
	a.budget = 1
	b := newMemLocation(digest.SHA256)
	b.budget = 1
	lv := newTestLevels(t, Level{Loc: a}, Level{Loc: b})

	payload := []byte("too big for anyone")
	key := lv.Algorithm().FromBytes(payload)
	status, err := lv.Write(context.Background(), key, NewBytesSource(payload))
	require.NoError(t, err)
	assert.Equal(t, WriteRejectedFull, status)
}

func TestLevelsWriteRetriesTransient(t *testing.T) {
	flaky := newMemLocation(digest.SHA256)
	flaky.transientWrites = 2
	lv := newTestLevels(t, Level{Loc: flaky})

	payload := []byte("eventually lands")
	key := lv.Algorithm().FromBytes(payload)
	status, err := lv.Write(context.Background(), key, NewBytesSource(payload))
	require.NoError(t, err)
	assert.Equal(t, WriteAccepted, status)
	assert.True(t, flaky.holds(key))
}

func TestLevelsDeleteBroadcasts(t *testing.T) {
	top := newMemLocation(digest.SHA256)
	bottom := newMemLocation(digest.SHA256)
	lv := newTestLevels(t, Level{Loc: top}, Level{Loc: bottom})

	payload := []byte("everywhere")
	key := mustWrite(t, top, payload)
	mustWrite(t, bottom, payload)

	removed, err := lv.Delete(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, top.holds(key))
	assert.False(t, bottom.holds(key))
}

func TestLevelsContainsShortCircuits(t *testing.T) {
	top := newMemLocation(digest.SHA256)
	bottom := newMemLocation(digest.SHA256)
	lv := newTestLevels(t, Level{Loc: top}, Level{Loc: bottom})

	key := mustWrite(t, bottom, []byte("deep"))
	p, err := lv.Contains(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Present, p)
}
