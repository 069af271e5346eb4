// store.go — The pack-private snapshot file.
// snapshots.json maps step ids to request snapshots. The file is read
// once at run entry and written atomically (temp file + rename) only
// outside the step loop, so a crashed run never leaves a torn file.
package snapshot

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/showrun/showrun/internal/types"
)

// FileVersion is the only snapshot file layout this build reads.
const FileVersion = 1

// Store holds one pack's snapshots in memory.
type Store struct {
	path      string
	snapshots map[string]*types.RequestSnapshot
	dirty     bool
}

// Open reads the pack's snapshot file. A missing file yields an empty
// store; a malformed one is a validation error.
func Open(path string) (*Store, error) {
	s := &Store{path: path, snapshots: make(map[string]*types.RequestSnapshot)}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "reading snapshot file")
	}

	var file types.SnapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, types.Wrap(types.KindValidation, err, "malformed snapshot file")
	}
	if file.Version != FileVersion {
		return nil, types.Errorf(types.KindValidation, "unsupported snapshot file version %d", file.Version)
	}
	if file.Snapshots != nil {
		s.snapshots = file.Snapshots
	}
	return s, nil
}

// Get returns the snapshot for a step id.
func (s *Store) Get(stepID string) (*types.RequestSnapshot, bool) {
	snap, ok := s.snapshots[stepID]
	return snap, ok
}

// Put records a snapshot, replacing any previous one for the step.
func (s *Store) Put(snap *types.RequestSnapshot) {
	s.snapshots[snap.StepID] = snap
	s.dirty = true
}

// Delete drops a step's snapshot.
func (s *Store) Delete(stepID string) {
	if _, ok := s.snapshots[stepID]; ok {
		delete(s.snapshots, stepID)
		s.dirty = true
	}
}

// StepIDs returns the snapshotted step ids, sorted.
func (s *Store) StepIDs() []string {
	out := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dirty reports whether the store has unsaved changes.
func (s *Store) Dirty() bool { return s.dirty }

// Save writes the file atomically. A clean store is a no-op.
func (s *Store) Save() error {
	if !s.dirty {
		return nil
	}
	file := types.SnapshotFile{Version: FileVersion, Snapshots: s.snapshots}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return types.Wrap(types.KindInternal, err, "encoding snapshot file")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshots-*.json")
	if err != nil {
		return types.Wrap(types.KindInternal, err, "writing snapshot file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.Wrap(types.KindInternal, err, "writing snapshot file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.Wrap(types.KindInternal, err, "writing snapshot file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return types.Wrap(types.KindInternal, err, "writing snapshot file")
	}
	s.dirty = false
	return nil
}
