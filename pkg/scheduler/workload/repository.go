package workload

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrDomainExists is returned by Repository.Insert when the workload's
// domain collides with an existing unique-domain constraint.
var ErrDomainExists = errors.New("workload: domain already exists")

// ErrNotFound is returned when a workload lookup by ID finds nothing.
var ErrNotFound = errors.New("workload: not found")

// Repository persists workload records. The scheduler calls Insert while
// holding its allocator mutex and spawns the lifecycle worker only after
// Insert succeeds; no database transaction spans the two steps.
type Repository interface {
	Insert(ctx context.Context, w *Workload) error
	Get(ctx context.Context, id uuid.UUID) (*Workload, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	List(ctx context.Context) ([]*Workload, error)
	CurrentArtifactsVersion(ctx context.Context) (string, error)
}
