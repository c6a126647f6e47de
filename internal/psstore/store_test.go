package psstore

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/piscreen/piscreen/internal/pscontent"
)

const (
	cacheDir  = "content-cache"
	statePath = "content.json"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

func newURLItem(t *testing.T, fs afero.Fs, name string) *pscontent.Item {
	t.Helper()
	return newItem(t, fs, pscontent.Spec{
		Name:    name,
		Type:    "url",
		Content: base64.StdEncoding.EncodeToString([]byte("https://example.edu/" + name)),
	})
}

func newItem(t *testing.T, fs afero.Fs, spec pscontent.Spec) *pscontent.Item {
	t.Helper()
	item, err := pscontent.NewItem(fs, cacheDir, spec, stableTime)
	require.NoError(t, err)
	return item
}

func TestStoreAddGetRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	_, ok := store.Get("a")
	require.False(t, ok)

	itemA := newURLItem(t, fs, "a")
	store.Add(itemA)
	store.Add(newURLItem(t, fs, "b"))

	got, ok := store.Get("a")
	require.True(t, ok)
	require.Same(t, itemA, got)

	require.True(t, store.Remove("a"))
	require.Equal(t, []string{"b"}, store.Names())

	// Removing an absent name is a quiet no-op at this layer.
	require.False(t, store.Remove("a"))
	require.Equal(t, []string{"b"}, store.Names())
}

// Lookup resolves a duplicated name to its first occurrence in rotation
// order, and delete removes only that occurrence.
func TestStoreDuplicateNamesFirstMatchWins(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	first := newURLItem(t, fs, "dup")
	second := newURLItem(t, fs, "dup")
	store.Add(first)
	store.Add(second)

	got, ok := store.Get("dup")
	require.True(t, ok)
	require.Same(t, first, got)

	require.True(t, store.Remove("dup"))
	got, ok = store.Get("dup")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestStoreNextEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	_, err := store.Next(stableTime)
	require.ErrorIs(t, err, ErrNoSuitableContent)
}

func TestStoreNextRoundRobin(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	names := []string{"a", "b", "c"}
	for _, name := range names {
		store.Add(newURLItem(t, fs, name))
	}

	// N calls on N unconstrained items return each exactly once, in
	// insertion order, and then the rotation repeats.
	for round := 0; round < 2; round++ {
		for _, name := range names {
			item, err := store.Next(stableTime)
			require.NoError(t, err)
			require.Equal(t, name, item.Name)
		}
	}
}

func TestStoreNextSkipsIneligible(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	blockedSpec := pscontent.Spec{
		Name:    "blocked",
		Type:    "url",
		Content: base64.StdEncoding.EncodeToString([]byte("https://example.edu/blocked")),
		// stableTime is a Wednesday at 10:11.
		Except: []string{"W:10:00-11:00"},
	}
	store.Add(newItem(t, fs, blockedSpec))
	store.Add(newURLItem(t, fs, "open"))

	// The blocked item doesn't stall the rotation.
	item, err := store.Next(stableTime)
	require.NoError(t, err)
	require.Equal(t, "open", item.Name)

	item, err = store.Next(stableTime)
	require.NoError(t, err)
	require.Equal(t, "open", item.Name)

	// Outside the exclusion window it takes its turn again.
	later := stableTime.Add(2 * time.Hour)
	item, err = store.Next(later)
	require.NoError(t, err)
	require.Equal(t, "blocked", item.Name)
}

func TestStoreNextAllIneligible(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	spec := pscontent.Spec{
		Name:    "nights-only",
		Type:    "url",
		Content: base64.StdEncoding.EncodeToString([]byte("https://example.edu")),
		Only:    []string{"20:00-22:00"},
	}
	store.Add(newItem(t, fs, spec))

	_, err := store.Next(stableTime)
	require.ErrorIs(t, err, ErrNoSuitableContent)
}

func TestStoreNextExpiresItems(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	expired := newItem(t, fs, pscontent.Spec{
		Name:     "old-promo",
		Type:     "image",
		Content:  base64.StdEncoding.EncodeToString([]byte("pretend image bytes")),
		Filename: "promo.png",
		Expiry:   "20200101",
	})
	store.Add(expired)
	store.Add(newURLItem(t, fs, "current"))

	item, err := store.Next(stableTime)
	require.NoError(t, err)
	require.Equal(t, "current", item.Name)

	// The expired item is gone from the rotation and its cached image was
	// released before scheduling proceeded.
	require.Equal(t, []string{"current"}, store.Names())
	exists, err := afero.Exists(fs, expired.ImagePath)
	require.NoError(t, err)
	require.False(t, exists)
}

// An item expires once the current time reaches its expiry, not before.
func TestStoreExpiryBoundary(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	item := newURLItem(t, fs, "a")
	item.ExpireAt = stableTime
	store.Add(item)

	_, err := store.Next(stableTime.Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, store.Names())

	_, err = store.Next(stableTime)
	require.ErrorIs(t, err, ErrNoSuitableContent)
	require.Empty(t, store.Names())
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	store.Add(newURLItem(t, fs, "events"))
	store.Add(newItem(t, fs, pscontent.Spec{
		Name:     "schedule",
		Type:     "image",
		Content:  base64.StdEncoding.EncodeToString([]byte("pretend image bytes")),
		Filename: "myschedule.png",
		Caption:  "This week",
	}))
	store.Add(newItem(t, fs, pscontent.Spec{
		Name:    "wales",
		Type:    "html",
		Content: base64.StdEncoding.EncodeToString([]byte("<h1>Go to Wales!</h1>")),
		Only:    []string{"MWF:08:20-09:10"},
	}))

	// A fresh store over the same backing file sees the same ordered
	// sequence with the same metadata.
	reloaded := NewStore(logger, fs, statePath)
	reloaded.Restore()

	require.Equal(t, []string{"events", "schedule", "wales"}, reloaded.Names())
	require.Equal(t, store.Metadata(), reloaded.Metadata())
}

func TestStoreRestoreMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	store.Restore()
	require.Empty(t, store.Names())
}

func TestStoreRestoreCorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, statePath, []byte("{not json"), 0o644))

	store := NewStore(logger, fs, statePath)
	store.Restore()
	require.Empty(t, store.Names())
}

func TestStorePersistLeavesNoTempFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	store.Add(newURLItem(t, fs, "a"))

	exists, err := afero.Exists(fs, statePath+".tmp")
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = afero.Exists(fs, statePath)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStoreShutdownPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(logger, fs, statePath)

	item := newURLItem(t, fs, "a")
	store.Add(item)

	// Telemetry accumulated since the last mutation lands in the final
	// snapshot.
	item.Render(stableTime)
	store.Shutdown()

	reloaded := NewStore(logger, fs, statePath)
	reloaded.Restore()

	got, ok := reloaded.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, got.DisplayCount())
}
