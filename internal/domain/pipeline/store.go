package pipeline

import "context"

// Store is the Pipeline persistence port. Pipelines are read far more than
// written; implementations are free to cache aggressively since a pipeline
// is immutable with respect to in-flight tasks.
type Store interface {
	Create(ctx context.Context, p *Pipeline) error
	Get(ctx context.Context, id string) (*Pipeline, error)
	GetByTaskType(ctx context.Context, taskType string) (*Pipeline, error)
	List(ctx context.Context) ([]*Pipeline, error)
	Update(ctx context.Context, p *Pipeline) error
	Delete(ctx context.Context, id string) error
}
