package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalArchiver writes one JSON file per run under a base directory.
type LocalArchiver struct {
	dir string
}

func NewLocalArchiver(dir string) (*LocalArchiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &LocalArchiver{dir: dir}, nil
}

func (a *LocalArchiver) Store(_ context.Context, report RunReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run report: %w", err)
	}
	path := filepath.Join(a.dir, reportFileName(report.RunID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write run report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize run report: %w", err)
	}
	return path, nil
}

// reportFileName keeps run IDs safe as file names. RunID values are
// timestamp-shaped but archived IDs may come from external callers.
func reportFileName(runID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.' || r == 'T':
			return r
		default:
			return '_'
		}
	}, runID)
	return "run_" + safe + ".json"
}
