// Package pscontent models the content items a screen can display: web
// pages, uploaded images, and inline HTML, along with the day/time windows
// that restrict when each one may appear.
package pscontent

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// Registered so image.DecodeConfig can probe the dimensions of the
	// formats screens are realistically fed.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// The display duration applied when an add request doesn't specify one.
const DefaultDuration = 10 * time.Second

// Dimensions assumed for an uploaded image whose pixel size can't be
// measured. Measurement failure is not fatal; the renderer scales anyway.
const (
	DefaultImageWidth  = 480
	DefaultImageHeight = 640
)

const metadataTimeFormat = time.RFC3339

// Kind tags the closed set of content variants. Every switch over a Kind in
// this package covers all three.
type Kind int

const (
	KindURL Kind = iota
	KindImage
	KindHTML
)

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindImage:
		return "image"
	case KindHTML:
		return "html"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "url":
		return KindURL, nil
	case "image":
		return KindImage, nil
	case "html":
		return KindHTML, nil
	}
	return 0, xerrors.Errorf("content type %q is not one of 'url', 'image', or 'html'", s)
}

// An Item is one schedulable unit of screen content. All fields except the
// render telemetry are set at construction and never change afterwards.
//
// Names are not unique keys: the store resolves a name to the first item in
// rotation order that carries it.
type Item struct {
	Kind        Kind
	Name        string
	Duration    time.Duration
	ExpireAt    time.Time // zero when the item never expires
	Only        []Only
	Except      []Except
	InstalledAt time.Time
	ContentHash string // sha256 hex of the payload, computed once at construction

	// Variant payload: URL for KindURL; ImagePath, Filename, Caption and the
	// measured pixel dimensions for KindImage; HTML for KindHTML.
	URL       string
	ImagePath string
	Filename  string
	Caption   string
	Width     int
	Height    int
	HTML      string

	mut          sync.Mutex // protects the render telemetry below
	displayCount int
	lastDisplay  time.Time
}

// Spec is the wire form of an add-content request. Content is base64 in all
// cases: a UTF-8 URL string, raw image bytes, or UTF-8 HTML text. The
// exclusion windows ride under the key `xexcept`, as the fleet clients have
// always sent them.
type Spec struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	Duration int      `json:"duration,omitempty"`
	Expiry   string   `json:"expiry,omitempty"`
	Only     []string `json:"only,omitempty"`
	Except   []string `json:"xexcept,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Caption  string   `json:"caption,omitempty"`
}

// NewItem validates spec and builds the matching item. This is the single
// place payload is validated and stored. Image payloads are written to a
// file under cacheDir named to avoid collisions; that write happens last,
// after every other validation step, so a failed request leaves no file
// behind.
func NewItem(fs afero.Fs, cacheDir string, spec Spec, now time.Time) (*Item, error) {
	if spec.Name == "" {
		return nil, xerrors.New("content spec is missing required field 'name'")
	}

	kind, err := parseKind(spec.Type)
	if err != nil {
		return nil, err
	}

	if spec.Content == "" {
		return nil, xerrors.New("content spec is missing required field 'content'")
	}
	payload, err := base64.StdEncoding.DecodeString(spec.Content)
	if err != nil {
		return nil, xerrors.Errorf("error decoding base64 content for %q: %w", spec.Name, err)
	}

	item := &Item{
		Kind:        kind,
		Name:        spec.Name,
		Duration:    DefaultDuration,
		InstalledAt: now,
		ContentHash: hashPayload(payload),
	}

	if spec.Duration != 0 {
		if spec.Duration < 0 {
			return nil, xerrors.Errorf("display duration must be positive, got %d", spec.Duration)
		}
		item.Duration = time.Duration(spec.Duration) * time.Second
	}

	if spec.Expiry != "" {
		item.ExpireAt, err = ParseExpiry(spec.Expiry)
		if err != nil {
			return nil, err
		}
	}

	for _, onlyStr := range spec.Only {
		only, err := ParseOnly(onlyStr)
		if err != nil {
			return nil, err
		}
		item.Only = append(item.Only, only)
	}
	for _, exceptStr := range spec.Except {
		except, err := ParseExcept(exceptStr)
		if err != nil {
			return nil, err
		}
		item.Except = append(item.Except, except)
	}

	switch kind {
	case KindURL:
		url := strings.TrimSpace(string(payload))
		if url == "" {
			return nil, xerrors.Errorf("content spec for %q contains an empty URL", spec.Name)
		}
		item.URL = url

	case KindHTML:
		item.HTML = string(payload)

	case KindImage:
		item.Caption = spec.Caption
		item.Filename = spec.Filename
		item.Width, item.Height = measureImage(payload)
		item.ImagePath = filepath.Join(cacheDir, uuid.NewString()+filepath.Ext(spec.Filename))
		if err := afero.WriteFile(fs, item.ImagePath, payload, 0o644); err != nil {
			return nil, xerrors.Errorf("error caching image content for %q: %w", spec.Name, err)
		}
	}

	return item, nil
}

// Expiry strings arrive as local times in the form YYYYMMDD, optionally
// extended with hours, minutes, and seconds.
var expiryLayouts = map[int]string{
	8:  "20060102",
	10: "2006010215",
	12: "200601021504",
	14: "20060102150405",
}

func ParseExpiry(s string) (time.Time, error) {
	layout, ok := expiryLayouts[len(s)]
	if !ok {
		return time.Time{}, xerrors.Errorf("invalid expiry time %q; must be in the form YYYYMMDD[HH[MM[SS]]]", s)
	}

	t, err := time.ParseInLocation(layout, s, time.Local)
	if err != nil {
		return time.Time{}, xerrors.Errorf("invalid expiry time %q: %w", s, err)
	}
	return t, nil
}

func hashPayload(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

func measureImage(payload []byte) (width, height int) {
	config, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return DefaultImageWidth, DefaultImageHeight
	}
	return config.Width, config.Height
}

// ShouldDisplay reports whether the item is eligible to render at t. An
// item with no constraints is always eligible. Otherwise every exclusion
// window must be clear of t, and when any inclusion windows exist, at least
// one must cover it.
func (i *Item) ShouldDisplay(t time.Time) bool {
	for _, except := range i.Except {
		if !except.ShouldDisplay(t) {
			return false
		}
	}

	if len(i.Only) == 0 {
		return true
	}
	for _, only := range i.Only {
		if only.ShouldDisplay(t) {
			return true
		}
	}
	return false
}

// Render records one display of the item. Painting it on screen is the
// rendering surface's job; this only tracks telemetry.
func (i *Item) Render(now time.Time) {
	i.mut.Lock()
	defer i.mut.Unlock()

	i.displayCount++
	i.lastDisplay = now
}

func (i *Item) DisplayCount() int {
	i.mut.Lock()
	defer i.mut.Unlock()
	return i.displayCount
}

func (i *Item) LastDisplay() time.Time {
	i.mut.Lock()
	defer i.mut.Unlock()
	return i.lastDisplay
}

// Removed releases any resources backing the item: the cached file for an
// image, nothing for the other kinds. Call exactly once, after the item has
// left the store.
func (i *Item) Removed(fs afero.Fs) error {
	switch i.Kind {
	case KindImage:
		if err := fs.Remove(i.ImagePath); err != nil {
			return xerrors.Errorf("error removing cached image for %q: %w", i.Name, err)
		}
	case KindURL, KindHTML:
	}
	return nil
}

// Metadata returns the wire record used for listing and inspection. It is
// lossy: image bytes aren't included, so it can never rebuild the item.
func (i *Item) Metadata() map[string]any {
	meta := map[string]any{
		"type":          i.Kind.String(),
		"name":          i.Name,
		"duration":      int(i.Duration / time.Second),
		"last_display":  formatTimeOrEmpty(i.LastDisplay()),
		"installed":     i.InstalledAt.Format(metadataTimeFormat),
		"expiry":        formatTimeOrEmpty(i.ExpireAt),
		"display_count": i.DisplayCount(),
		"restrictions":  i.restrictions(),
		"hash":          i.ContentHash,
	}

	switch i.Kind {
	case KindURL:
		meta["content"] = i.URL
	case KindImage:
		meta["content"] = i.ImagePath
		meta["caption"] = i.Caption
		meta["filename"] = i.Filename
	case KindHTML:
		meta["content"] = i.HTML
	}

	return meta
}

func (i *Item) restrictions() string {
	var parts []string
	for _, only := range i.Only {
		parts = append(parts, "only "+only.String())
	}
	for _, except := range i.Except {
		parts = append(parts, "except "+except.String())
	}
	return strings.Join(parts, "; ")
}

func formatTimeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(metadataTimeFormat)
}

// String is the short human-readable form used in protocol reasons.
func (i *Item) String() string {
	switch i.Kind {
	case KindURL:
		return fmt.Sprintf("url content '%s' (%s)", i.Name, i.URL)
	case KindImage:
		return fmt.Sprintf("image content '%s' (%s, %dx%d)", i.Name, i.Filename, i.Width, i.Height)
	case KindHTML:
		return fmt.Sprintf("html content '%s' (%d bytes)", i.Name, len(i.HTML))
	}
	return fmt.Sprintf("unknown content '%s'", i.Name)
}
