package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// State persists the small JSON side files: resume state for lyst, last-run
// timestamps per source, and the pinned status-message id. Every write is
// atomic (temp file + rename) so a crash never leaves a torn file behind.
type State struct {
	dir string
}

// NewState creates the state directory if needed.
func NewState(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &State{dir: dir}, nil
}

func (s *State) path(name string) string {
	return filepath.Join(s.dir, name)
}

// SaveResume writes the lyst resume state.
func (s *State) SaveResume(rs *domain.ResumeState) error {
	return writeJSON(s.path("resume.json"), rs)
}

// LoadResume reads the lyst resume state. A missing file or an unknown
// schema version yields a fresh empty state, never an error the caller has
// to special-case.
func (s *State) LoadResume() (*domain.ResumeState, error) {
	rs := domain.NewResumeState()
	err := readJSON(s.path("resume.json"), rs)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.NewResumeState(), nil
	}
	if err != nil {
		return nil, err
	}
	if rs.Version != domain.ResumeStateVersion {
		return domain.NewResumeState(), nil
	}
	if rs.Entries == nil {
		rs.Entries = make(map[string]domain.ResumeEntry)
	}
	return rs, nil
}

// SaveLastRuns writes the per-source last successful run timestamps.
func (s *State) SaveLastRuns(runs map[domain.Source]time.Time) error {
	return writeJSON(s.path("last_runs.json"), runs)
}

// LoadLastRuns reads the per-source last run timestamps; missing file means
// no prior runs.
func (s *State) LoadLastRuns() (map[domain.Source]time.Time, error) {
	runs := make(map[domain.Source]time.Time)
	err := readJSON(s.path("last_runs.json"), &runs)
	if errors.Is(err, fs.ErrNotExist) {
		return runs, nil
	}
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// SavePinnedMessage stores the id of the pinned heartbeat message.
func (s *State) SavePinnedMessage(id int64) error {
	return writeJSON(s.path("pinned_message.json"), map[string]int64{"message_id": id})
}

// LoadPinnedMessage returns the stored heartbeat message id, 0 if none.
func (s *State) LoadPinnedMessage() (int64, error) {
	m := make(map[string]int64)
	err := readJSON(s.path("pinned_message.json"), &m)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return m["message_id"], nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // paths built from the state dir
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
