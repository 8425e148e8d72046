package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdluna/db-scheduler/internal/shared"
)

// Getter is the read side a store needs to explain a failed guarded update.
type Getter interface {
	Get(ctx context.Context, id ID) (Execution, error)
}

// ExplainUnpickedMiss classifies a Reschedule or Delete that matched no rows:
// the row is gone, it is currently picked, or its version moved on.
func ExplainUnpickedMiss(ctx context.Context, g Getter, id ID, op string) error {
	current, err := g.Get(ctx, id)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return fmt.Errorf("%s %s: %w", op, id, shared.ErrNotFound)
	case err != nil:
		return fmt.Errorf("%s %s: %w", op, id, err)
	case current.Picked:
		return fmt.Errorf("%s %s: %w", op, id, shared.ErrExecutionPicked)
	default:
		return fmt.Errorf("%s %s: %w", op, id, shared.ErrVersionMismatch)
	}
}

// VersionMismatch returns the error for a CAS update on a picked row that
// matched no rows.
func VersionMismatch(id ID, op string, expected int64) error {
	return fmt.Errorf("%s %s at version %d: %w", op, id, expected, shared.ErrVersionMismatch)
}

// ClaimFailed returns the error for a lost claim race.
func ClaimFailed(id ID, expected int64) error {
	return fmt.Errorf("claim %s at version %d: %w", id, expected, shared.ErrClaimFailed)
}
