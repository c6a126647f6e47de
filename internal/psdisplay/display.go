// Package psdisplay drives the rendering surface: it pulls the next item
// from the rotation on a timer and hands it to whatever actually paints the
// screen.
package psdisplay

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/piscreen/piscreen/internal/pscontent"
	"github.com/piscreen/piscreen/internal/psstore"
)

// Renderer is the surface that paints an item on screen. Implementations
// live outside this repo (a web-view widget on the device); LogRenderer
// stands in for headless operation.
type Renderer interface {
	Render(item *pscontent.Item)
}

// Loop owns the display timing: ask the store for the next item, render it,
// wait out its display duration, repeat. The loop reads from the store but
// never mutates it beyond the rotation Next itself performs.
type Loop struct {
	fallback *pscontent.Item
	logger   *logrus.Logger
	renderer Renderer
	store    *psstore.Store
	timeNow  func() time.Time
}

func NewLoop(logger *logrus.Logger, store *psstore.Store, renderer Renderer) *Loop {
	return &Loop{
		fallback: FallbackItem(),
		logger:   logger,
		renderer: renderer,
		store:    store,
		timeNow:  time.Now,
	}
}

// FallbackItem is displayed whenever the rotation has nothing suitable.
func FallbackItem() *pscontent.Item {
	return &pscontent.Item{
		Kind:     pscontent.KindHTML,
		Name:     "no-content",
		Duration: pscontent.DefaultDuration,
		HTML: `<h1 style="color: red; background: white;">No content added!</h1>
<p>This screen would be way more interesting if content were added, right?</p>`,
	}
}

// Run drives the screen until shutdown closes.
func (l *Loop) Run(shutdown <-chan struct{}) {
	for {
		item := l.advance()

		select {
		case <-shutdown:
			l.logger.Info("Display loop received shutdown signal")
			return

		case <-time.After(item.Duration):
		}
	}
}

func (l *Loop) advance() *pscontent.Item {
	now := l.timeNow()

	item, err := l.store.Next(now)
	if err != nil {
		// ErrNoSuitableContent is the only error Next produces, and it's
		// recoverable: show the fallback until content arrives.
		item = l.fallback
	}

	item.Render(now)
	l.renderer.Render(item)
	return item
}

// LogRenderer is the rendering surface used when the process runs headless:
// it records what the screen would be showing.
type LogRenderer struct {
	logger *logrus.Logger
}

func NewLogRenderer(logger *logrus.Logger) *LogRenderer {
	return &LogRenderer{logger: logger}
}

func (r *LogRenderer) Render(item *pscontent.Item) {
	r.logger.WithFields(logrus.Fields{
		"duration": item.Duration,
		"type":     item.Kind.String(),
	}).Infof("Displaying %s", item)
}
