package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskReconcile = "sync:reconcile"

// QueueSync is the asynq queue reconcile tasks run on
const QueueSync = "sync"

// ReconcilePayload names the resource type to replay; empty means all types
type ReconcilePayload struct {
	ResourceType string `json:"resource_type,omitempty"`
}

// uniqueFor collapses bursts of writes into one pending task per type
const uniqueFor = 30 * time.Second

// NewReconcileTask builds the task for one pass over resourceType
func NewReconcileTask(resourceType string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReconcilePayload{ResourceType: resourceType})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, payload,
		asynq.Queue(QueueSync),
		asynq.Unique(uniqueFor),
		asynq.MaxRetry(20),
	), nil
}
