package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/corpwell/campaigner/internal/domain"
)

// FileStore keeps one <run_id>.json checkpoint file per run in a directory.
// It is the zero-dependency fallback for single-host operation; the Redis
// store is preferred when a shared backend is available.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) string {
	// Run IDs are timestamps, but never trust them as path components.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(runID)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	// Write-then-rename so a crash mid-write never corrupts the previous
	// checkpoint.
	tmp := s.path(cp.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.RunID, err)
	}
	if err := os.Rename(tmp, s.path(cp.RunID)); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path(runID))
	if os.IsNotExist(err) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return cp, true, nil
}

func (s *FileStore) Delete(ctx context.Context, runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}
