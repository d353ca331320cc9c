package migration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"stagegate/internal/common"
	"stagegate/pkg/errors"
)

// RunStore persists runs as one JSON file each under a directory.
type RunStore struct {
	dir string
	mu  sync.Mutex
}

// NewRunStore creates the directory if needed.
func NewRunStore(dir string) (*RunStore, error) {
	if err := os.MkdirAll(dir, common.DirPermissionSecure); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create run state directory").
			WithContext("field", "run.state_dir")
	}
	return &RunStore{dir: dir}, nil
}

func (s *RunStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes run atomically.
func (s *RunStore) Save(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode run")
	}
	tmp := s.path(run.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, common.FilePermissionSecure); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save run").WithContext("run_id", run.ID)
	}
	if err := os.Rename(tmp, s.path(run.ID)); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save run").WithContext("run_id", run.ID)
	}
	return nil
}

// Get loads a run by id.
func (s *RunStore) Get(id string) (*Run, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, errors.New(errors.ErrCodeNotFound, "run not found").WithContext("run_id", id)
	}
	data, err := os.ReadFile(s.path(id)) // #nosec G304 - id is checked above
	if os.IsNotExist(err) {
		return nil, errors.New(errors.ErrCodeNotFound, "run not found").WithContext("run_id", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read run").WithContext("run_id", id)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "run file is corrupt").WithContext("run_id", id)
	}
	return &run, nil
}

// List returns up to limit runs, newest first. A limit of 0 returns all.
// Unreadable files are skipped.
func (s *RunStore) List(limit int) ([]*Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list runs")
	}

	var runs []*Run
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		run, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// BatchInUse reports whether any stored run already carries batchID.
func (s *RunStore) BatchInUse(batchID string) (bool, error) {
	runs, err := s.List(0)
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		if r.BatchID == batchID {
			return true, nil
		}
	}
	return false, nil
}
