package pscontent

import (
	"time"

	"golang.org/x/xerrors"
)

// Snapshot is the persisted form of an item. Constraint windows round-trip
// through their string forms; image bytes stay in the cache file the path
// points at.
type Snapshot struct {
	Type         string    `json:"type"`
	Name         string    `json:"name"`
	Duration     int       `json:"duration"`
	Expiry       time.Time `json:"expiry"`
	Only         []string  `json:"only,omitempty"`
	Except       []string  `json:"xexcept,omitempty"`
	Installed    time.Time `json:"installed"`
	DisplayCount int       `json:"display_count"`
	LastDisplay  time.Time `json:"last_display"`
	Hash         string    `json:"hash"`

	URL       string `json:"url,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	HTML      string `json:"html,omitempty"`
}

func (i *Item) Snapshot() Snapshot {
	snap := Snapshot{
		Type:         i.Kind.String(),
		Name:         i.Name,
		Duration:     int(i.Duration / time.Second),
		Expiry:       i.ExpireAt,
		Installed:    i.InstalledAt,
		DisplayCount: i.DisplayCount(),
		LastDisplay:  i.LastDisplay(),
		Hash:         i.ContentHash,
		URL:          i.URL,
		ImagePath:    i.ImagePath,
		Filename:     i.Filename,
		Caption:      i.Caption,
		Width:        i.Width,
		Height:       i.Height,
		HTML:         i.HTML,
	}

	for _, only := range i.Only {
		snap.Only = append(snap.Only, only.String())
	}
	for _, except := range i.Except {
		snap.Except = append(snap.Except, except.String())
	}

	return snap
}

// FromSnapshot rebuilds an item from its persisted form.
func FromSnapshot(snap Snapshot) (*Item, error) {
	kind, err := parseKind(snap.Type)
	if err != nil {
		return nil, xerrors.Errorf("error restoring item %q: %w", snap.Name, err)
	}

	item := &Item{
		Kind:         kind,
		Name:         snap.Name,
		Duration:     time.Duration(snap.Duration) * time.Second,
		ExpireAt:     snap.Expiry,
		InstalledAt:  snap.Installed,
		ContentHash:  snap.Hash,
		URL:          snap.URL,
		ImagePath:    snap.ImagePath,
		Filename:     snap.Filename,
		Caption:      snap.Caption,
		Width:        snap.Width,
		Height:       snap.Height,
		HTML:         snap.HTML,
		displayCount: snap.DisplayCount,
		lastDisplay:  snap.LastDisplay,
	}

	for _, onlyStr := range snap.Only {
		only, err := ParseOnly(onlyStr)
		if err != nil {
			return nil, xerrors.Errorf("error restoring item %q: %w", snap.Name, err)
		}
		item.Only = append(item.Only, only)
	}
	for _, exceptStr := range snap.Except {
		except, err := ParseExcept(exceptStr)
		if err != nil {
			return nil, xerrors.Errorf("error restoring item %q: %w", snap.Name, err)
		}
		item.Except = append(item.Except, except)
	}

	return item, nil
}
