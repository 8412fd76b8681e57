package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/dataswift/hatsync/engine"
)

// TaskEnqueuer is satisfied by *asynq.Client
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer hands reconcile passes to the worker instead of running them
// in-process.
type Enqueuer struct {
	client TaskEnqueuer
}

var _ engine.Trigger = (*Enqueuer)(nil)

func NewEnqueuer(client TaskEnqueuer) *Enqueuer {
	return &Enqueuer{client: client}
}

// Trigger implements engine.Trigger. A task already waiting for the same type
// is enough.
func (e *Enqueuer) Trigger(ctx context.Context, resourceType string) error {
	task, err := NewReconcileTask(resourceType)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}
