package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/piggyvault/piggy-hub/depositor/store"
	"github.com/zeebo/assert"
)

func openMem(t *testing.T) *store.PebbleStore {
	t.Helper()
	kv, err := store.OpenInMemory()
	assert.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	kv := openMem(t)

	_, err := kv.Get("missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	assert.NoError(t, kv.Put("a/1", []byte("one")))
	assert.NoError(t, kv.Put("a/2", []byte("two")))
	assert.NoError(t, kv.Put("b/1", []byte("three")))

	value, err := kv.Get("a/2")
	assert.NoError(t, err)
	assert.Equal(t, string(value), "two")

	keys, err := kv.Keys("a/")
	assert.NoError(t, err)
	assert.DeepEqual(t, keys, []string{"a/1", "a/2"})

	assert.NoError(t, kv.Delete("a/1"))
	assert.NoError(t, kv.Delete("a/1"))
	_, err = kv.Get("a/1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPreviewOverwrite(t *testing.T) {
	kv := openMem(t)
	previews := store.NewPreviewStore(kv, 5*time.Minute)

	assert.NoError(t, previews.Save(models.PreviewState{SessionID: "s1", TotalDestinationAmount: "100"}))
	assert.NoError(t, previews.Save(models.PreviewState{SessionID: "s1", TotalDestinationAmount: "200"}))

	keys, err := kv.Keys(models.PreviewStateKey + "/")
	assert.NoError(t, err)
	assert.DeepEqual(t, keys, []string{"depositPreviewState/s1"})

	state, err := previews.Load("s1")
	assert.NoError(t, err)
	assert.Equal(t, state.TotalDestinationAmount, "200")
}

func TestPreviewExpiry(t *testing.T) {
	kv := openMem(t)
	previews := store.NewPreviewStore(kv, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	previews.SetClock(func() time.Time { return now })

	assert.NoError(t, previews.Save(models.PreviewState{SessionID: "old"}))
	now = now.Add(30 * time.Second)
	assert.NoError(t, previews.Save(models.PreviewState{SessionID: "new"}))
	assert.True(t, previews.Has("old"))

	now = now.Add(45 * time.Second)
	_, err := previews.Load("old")
	assert.True(t, errors.Is(err, models.ErrPreviewMissing))
	_, err = kv.Get(models.PreviewKey("old"))
	assert.True(t, errors.Is(err, store.ErrNotFound))

	now = now.Add(time.Minute)
	removed, err := previews.Sweep()
	assert.NoError(t, err)
	assert.Equal(t, removed, 1)
	assert.False(t, previews.Has("new"))
}

func TestPreviewUnreadableIsMissing(t *testing.T) {
	kv := openMem(t)
	previews := store.NewPreviewStore(kv, 0)

	assert.NoError(t, kv.Put(models.PreviewKey("s1"), []byte("{not json")))
	_, err := previews.Load("s1")
	assert.True(t, errors.Is(err, models.ErrPreviewMissing))
	_, err = kv.Get(models.PreviewKey("s1"))
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPreviewRequiresSession(t *testing.T) {
	previews := store.NewPreviewStore(openMem(t), 0)
	err := previews.Save(models.PreviewState{})
	assert.True(t, errors.Is(err, models.ErrValidation))
}
