// Package resume persists run checkpoints so an interrupted campaign can
// continue instead of restarting. A checkpoint is one JSON record per run,
// keyed by run ID; "not found" is an expected outcome on fresh runs, not an
// error.
package resume

import (
	"context"

	"github.com/corpwell/campaigner/internal/domain"
)

// Store persists and retrieves run checkpoints.
type Store interface {
	// Save overwrites any prior checkpoint for the same run ID.
	Save(ctx context.Context, cp domain.Checkpoint) error
	// Load returns the latest checkpoint for runID. ok is false when no
	// checkpoint exists; that is a normal outcome and err stays nil.
	Load(ctx context.Context, runID string) (cp domain.Checkpoint, ok bool, err error)
	// Delete removes the checkpoint once the run completes. Deleting a
	// missing checkpoint is not an error.
	Delete(ctx context.Context, runID string) error
}
