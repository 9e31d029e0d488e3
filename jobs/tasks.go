package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/punchsync/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSyncPull pulls every terminal in the inventory into the store.
	TaskSyncPull = "sync:pull"
	// TaskSyncReconcile reconciles the latest punches against the ERP.
	TaskSyncReconcile = "sync:reconcile"
	// TaskSyncImport reconciles a historical window.
	TaskSyncImport = "sync:import"
)

// PullPayload carries scheduling metadata.
type PullPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// ReconcilePayload selects the dispatch mode.
type ReconcilePayload struct {
	Bulk bool `json:"bulk"`
}

// ImportPayload describes the window [From, To).
type ImportPayload struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Bulk bool      `json:"bulk"`
}

// NewPullTask constructs a device pull task.
func NewPullTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskSyncPull, PullPayload{ScheduledFor: at})
}

// NewReconcileTask constructs a reconcile task. Reconcile runs are never
// retried because a replay would be decided against moved ERP state.
func NewReconcileTask(bulk bool) (*asynq.Task, error) {
	return newTask(TaskSyncReconcile, ReconcilePayload{Bulk: bulk}, asynq.MaxRetry(0))
}

// NewImportTask constructs an import task for [from, to).
func NewImportTask(from, to time.Time, bulk bool) (*asynq.Task, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("jobs: import window is empty: %w", shared.ErrValidation)
	}
	return newTask(TaskSyncImport, ImportPayload{From: from, To: to, Bulk: bulk}, asynq.MaxRetry(0), asynq.Timeout(6*time.Hour))
}

func newTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueDefault)}, opts...)
	return asynq.NewTask(typ, body, opts...), nil
}
