package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// State records, per source folder, the UIDs already copied to the destination.
// The set for a folder only grows.
//
// On disk it is a plain JSON object mapping folder name to an ascending list
// of UIDs:
//
//	{
//	  "INBOX": [1, 2, 3],
//	  "[Gmail]/Sent Mail": [10, 11]
//	}
type State struct {
	mu       sync.Mutex
	migrated map[string]map[uint32]struct{}
}

// CorruptError is returned by Load when the file exists but cannot be parsed.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state file %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// New returns an empty state.
func New() *State {
	return &State{migrated: make(map[string]map[uint32]struct{})}
}

// Load reads the state file at path. A missing file (or empty path) yields an
// empty state. A file with the wrong shape or non-numeric identifiers yields a
// *CorruptError.
func Load(path string) (*State, error) {
	st := New()
	if path == "" {
		return st, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, errors.Wrapf(err, "read state %s", path)
	}
	if err := st.UnmarshalJSON(b); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	return st, nil
}

// Save writes the full state to path. The data goes to a temporary file in the
// same directory which is then renamed over path, so a crash mid-write leaves
// either the old or the new file. The directory is created if missing.
func (s *State) Save(path string) error {
	if path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "create state dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp state file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp state file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp state file")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return errors.Wrap(err, "chmod temp state file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "replace state file %s", path)
	}
	return nil
}

// IsMigrated reports whether uid is recorded for folder.
func (s *State) IsMigrated(folder string, uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.migrated[folder][uid]
	return ok
}

// Add records uid as migrated for folder.
func (s *State) Add(folder string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.migrated[folder]
	if !ok {
		set = make(map[uint32]struct{})
		s.migrated[folder] = set
	}
	set[uid] = struct{}{}
}

// Count returns the number of UIDs recorded for folder.
func (s *State) Count(folder string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.migrated[folder])
}

// Folders returns the folder names with recorded progress, sorted.
func (s *State) Folders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.migrated))
	for name := range s.migrated {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UIDs returns the recorded UIDs for folder in ascending order.
func (s *State) UIDs(folder string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedUIDs(s.migrated[folder])
}

func (s *State) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]uint32, len(s.migrated))
	for folder, set := range s.migrated {
		out[folder] = sortedUIDs(set)
	}
	return json.Marshal(out)
}

func (s *State) UnmarshalJSON(b []byte) error {
	var raw map[string][]uint32
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("state is not a JSON object")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrated = make(map[string]map[uint32]struct{}, len(raw))
	for folder, uids := range raw {
		set := make(map[uint32]struct{}, len(uids))
		for _, uid := range uids {
			set[uid] = struct{}{}
		}
		s.migrated[folder] = set
	}
	return nil
}

func sortedUIDs(set map[uint32]struct{}) []uint32 {
	uids := make([]uint32, 0, len(set))
	for uid := range set {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// FileStore loads and saves a State at a fixed path.
type FileStore struct {
	Path string
}

// Load reads the state file; a missing file gives an empty State.
func (f FileStore) Load() (*State, error) { return Load(f.Path) }

// Save writes st to the state file atomically.
func (f FileStore) Save(st *State) error { return st.Save(f.Path) }
