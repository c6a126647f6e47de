// Package psstore holds the screen's content rotation: an ordered sequence
// of items with round-robin selection, expiry sweeping, and a crash-durable
// snapshot on disk.
package psstore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/piscreen/piscreen/internal/pscontent"
)

// ErrNoSuitableContent is returned by Next when the rotation holds nothing
// displayable right now. It's recoverable: the display loop substitutes a
// fallback item.
var ErrNoSuitableContent = xerrors.New("no suitable content")

// Store is the on-device content rotation. Insertion order is rotation
// order. One mutex serializes every operation, and each mutating operation
// rewrites the snapshot file before releasing the lock, so the file always
// reflects the last completed add, remove, or expiry.
type Store struct {
	fs     afero.Fs
	logger *logrus.Logger
	mut    sync.Mutex
	path   string
	items  []*pscontent.Item
}

func NewStore(logger *logrus.Logger, fs afero.Fs, path string) *Store {
	return &Store{fs: fs, logger: logger, path: path}
}

// Add appends item to the rotation tail. Names are not checked for
// uniqueness; lookup and delete resolve a name to its first occurrence.
func (s *Store) Add(item *pscontent.Item) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.items = append(s.items, item)
	s.persistLocked()
}

// Get returns the first item carrying the given name.
func (s *Store) Get(name string) (*pscontent.Item, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for _, item := range s.items {
		if item.Name == name {
			return item, true
		}
	}
	return nil, false
}

// Remove deletes the first item carrying the given name and releases its
// resources. Removing an absent name is a no-op at this layer; the protocol
// handler above adds the user-facing existence check.
func (s *Store) Remove(name string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	for idx, item := range s.items {
		if item.Name == name {
			s.releaseItem(item)
			s.items = append(s.items[:idx], s.items[idx+1:]...)
			s.persistLocked()
			return true
		}
	}
	return false
}

// Next returns the next displayable item. Expired items are swept first.
// Selection rotates: the head is moved to the tail (a permanent order
// change, so every item gets an equal turn over time) until an item whose
// constraints allow display at now comes up. A full fruitless rotation, or
// an empty rotation, yields ErrNoSuitableContent.
func (s *Store) Next(now time.Time) (*pscontent.Item, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.expireLocked(now) {
		s.persistLocked()
	}

	if len(s.items) == 0 {
		return nil, ErrNoSuitableContent
	}

	for n := len(s.items); n > 0; n-- {
		item := s.items[0]
		s.items = append(s.items[1:], item)
		if item.ShouldDisplay(now) {
			return item, nil
		}
	}
	return nil, ErrNoSuitableContent
}

// expireLocked drops every item whose expiry has arrived (now at or past
// ExpireAt), releasing its resources. Reports whether anything was removed.
func (s *Store) expireLocked(now time.Time) bool {
	kept := s.items[:0]
	removed := false

	for _, item := range s.items {
		if !item.ExpireAt.IsZero() && !now.Before(item.ExpireAt) {
			s.logger.Infof("Expiring item %q (expired %v)", item.Name, item.ExpireAt)
			s.releaseItem(item)
			removed = true
			continue
		}
		kept = append(kept, item)
	}

	s.items = kept
	return removed
}

func (s *Store) releaseItem(item *pscontent.Item) {
	if err := item.Removed(s.fs); err != nil {
		s.logger.WithError(err).Warnf("Error releasing resources for item %q", item.Name)
	}
}

// Names returns a snapshot of the rotation's names in rotation order.
func (s *Store) Names() []string {
	s.mut.Lock()
	defer s.mut.Unlock()

	names := make([]string, 0, len(s.items))
	for _, item := range s.items {
		names = append(names, item.Name)
	}
	return names
}

// Metadata returns a snapshot of every item's listing record in rotation
// order.
func (s *Store) Metadata() []map[string]any {
	s.mut.Lock()
	defer s.mut.Unlock()

	meta := make([]map[string]any, 0, len(s.items))
	for _, item := range s.items {
		meta = append(meta, item.Metadata())
	}
	return meta
}

// Restore loads the snapshot file. A missing or undecodable file means the
// screen starts with an empty rotation; that's normal for first boot and
// never fatal.
func (s *Store) Restore() {
	s.mut.Lock()
	defer s.mut.Unlock()

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		s.logger.WithError(err).Infof("No usable snapshot at %s; starting with an empty rotation", s.path)
		return
	}

	var snaps []pscontent.Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		s.logger.WithError(err).Warnf("Could not decode snapshot at %s; starting with an empty rotation", s.path)
		return
	}

	items := make([]*pscontent.Item, 0, len(snaps))
	for _, snap := range snaps {
		item, err := pscontent.FromSnapshot(snap)
		if err != nil {
			s.logger.WithError(err).Warnf("Dropping unrestorable snapshot entry %q", snap.Name)
			continue
		}
		items = append(items, item)
	}

	s.items = items
	s.logger.Infof("Restored %d item(s) from %s", len(items), s.path)
}

// Shutdown writes a final snapshot.
func (s *Store) Shutdown() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.persistLocked()
}

// persistLocked serializes the whole rotation to the snapshot file, writing
// to a temporary path and renaming into place so a crash mid-write leaves
// the previous snapshot intact. A write failure threatens durability but
// not serving: it's logged and the in-memory state stays authoritative.
func (s *Store) persistLocked() {
	snaps := make([]pscontent.Snapshot, 0, len(s.items))
	for _, item := range s.items {
		snaps = append(snaps, item.Snapshot())
	}

	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		s.logger.WithError(err).Error("Error encoding content snapshot")
		return
	}

	tmpPath := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		s.logger.WithError(err).Errorf("Error writing content snapshot to %s", tmpPath)
		return
	}
	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		s.logger.WithError(err).Errorf("Error moving content snapshot into place at %s", s.path)
	}
}
