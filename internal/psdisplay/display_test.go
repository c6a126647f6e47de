package psdisplay

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/piscreen/piscreen/internal/pscontent"
	"github.com/piscreen/piscreen/internal/psstore"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

type recordingRenderer struct {
	rendered []*pscontent.Item
}

func (r *recordingRenderer) Render(item *pscontent.Item) {
	r.rendered = append(r.rendered, item)
}

func newStoreWithItem(t *testing.T, name string) *psstore.Store {
	t.Helper()

	fs := afero.NewMemMapFs()
	store := psstore.NewStore(logger, fs, "content.json")

	item, err := pscontent.NewItem(fs, "content-cache", pscontent.Spec{
		Name:    name,
		Type:    "url",
		Content: base64.StdEncoding.EncodeToString([]byte("https://example.edu/" + name)),
	}, stableTime)
	require.NoError(t, err)
	store.Add(item)

	return store
}

func TestLoopRun(t *testing.T) {
	store := newStoreWithItem(t, "events")
	renderer := &recordingRenderer{}
	loop := NewLoop(logger, store, renderer)
	loop.timeNow = func() time.Time { return stableTime }

	shutdown := make(chan struct{})
	close(shutdown)

	// With the shutdown channel pre-closed the loop renders once, notices
	// the shutdown, and exits.
	loop.Run(shutdown)

	require.Len(t, renderer.rendered, 1)
	item := renderer.rendered[0]
	require.Equal(t, "events", item.Name)

	// Rendering recorded telemetry before handing off to the surface.
	require.Equal(t, 1, item.DisplayCount())
	require.Equal(t, stableTime, item.LastDisplay())
}

func TestLoopRunFallback(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := psstore.NewStore(logger, fs, "content.json")

	renderer := &recordingRenderer{}
	loop := NewLoop(logger, store, renderer)

	shutdown := make(chan struct{})
	close(shutdown)

	loop.Run(shutdown)

	// An empty rotation puts the fallback item on screen rather than
	// failing.
	require.Len(t, renderer.rendered, 1)
	require.Equal(t, "no-content", renderer.rendered[0].Name)
	require.Equal(t, pscontent.KindHTML, renderer.rendered[0].Kind)
}

func TestFallbackItemAlwaysDisplayable(t *testing.T) {
	item := FallbackItem()
	require.True(t, item.ShouldDisplay(stableTime))
	require.Equal(t, pscontent.DefaultDuration, item.Duration)
}
