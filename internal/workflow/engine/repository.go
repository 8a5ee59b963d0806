package engine

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/kingrea/arena/internal/store"
)

// ErrStateNotFound is returned when no persisted run state exists yet.
var ErrStateNotFound = errors.New("engine: state not found")

// StateStore persists run state snapshots.
type StateStore interface {
	Load() (RunState, error)
	Save(RunState) error
}

// Repository stores run state inside the run directory as state.json,
// written atomically so a crash mid-save never corrupts the previous
// snapshot.
type Repository struct {
	run store.RunDir
}

// NewRepository creates a repository rooted at the run directory.
func NewRepository(run store.RunDir) *Repository {
	return &Repository{run: run}
}

// Load reads the persisted state if present.
func (r *Repository) Load() (RunState, error) {
	var state RunState
	if err := store.LoadJSON(r.run.StatePath(), &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RunState{}, ErrStateNotFound
		}
		return RunState{}, fmt.Errorf("engine: load state: %w", err)
	}
	return state, nil
}

// Save writes the state snapshot atomically.
func (r *Repository) Save(state RunState) error {
	if err := store.SaveJSONAtomic(r.run.StatePath(), state); err != nil {
		return fmt.Errorf("engine: save state: %w", err)
	}
	return nil
}
