// Package phase persists ImplementationPhases as a standalone entity,
// independent of the task.Task.Phases denormalized inline copy — the two
// are kept in sync by the app layer whenever a phase is created or advanced.
package phase

import (
	"context"

	"github.com/elephantci/orchestrator/internal/domain/task"
)

// Store is the ImplementationPhase persistence port.
type Store interface {
	Create(ctx context.Context, taskID string, p *task.ImplementationPhase) error
	Get(ctx context.Context, taskID, phaseID string) (*task.ImplementationPhase, error)
	ListByTask(ctx context.Context, taskID string) ([]*task.ImplementationPhase, error)
	Update(ctx context.Context, taskID string, p *task.ImplementationPhase) error
	DeleteByTask(ctx context.Context, taskID string) error
}
