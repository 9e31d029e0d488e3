package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/punchsync/internal/device"
	jobmetrics "github.com/odyssey-erp/punchsync/internal/jobs"
	"github.com/odyssey-erp/punchsync/internal/syncer"
)

// ErrRunFailed marks a run that attempted punches and reconciled none.
var ErrRunFailed = errors.New("jobs: sync run reconciled no punches")

// Runner executes reconciliation runs.
type Runner interface {
	Run(ctx context.Context, opts syncer.Options) (syncer.Summary, error)
	Import(ctx context.Context, from, to time.Time, opts syncer.Options) (syncer.Summary, error)
}

// DevicePuller pulls terminals into the store.
type DevicePuller interface {
	PullAll(ctx context.Context, devices []device.Device) ([]device.Result, error)
}

// SyncJob handles the sync task family.
type SyncJob struct {
	Runner  Runner
	Puller  DevicePuller
	Devices func() ([]device.Device, error)
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics

	// one reconcile or import at a time per worker
	running sync.Mutex
}

// NewSyncJob wires dependencies for the sync handlers.
func NewSyncJob(runner Runner, puller DevicePuller, devices func() ([]device.Device, error), logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncJob {
	return &SyncJob{
		Runner:  runner,
		Puller:  puller,
		Devices: devices,
		Logger:  logger,
		Metrics: metrics,
	}
}

// Handlers lists the task handlers for worker registration.
func (j *SyncJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskSyncPull, Handler: j.HandlePull},
		{Type: TaskSyncReconcile, Handler: j.HandleReconcile},
		{Type: TaskSyncImport, Handler: j.HandleImport},
	}
}

// HandlePull pulls every device. It fails only when no device could be
// pulled.
func (j *SyncJob) HandlePull(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Puller == nil || j.Devices == nil {
		return errors.New("sync pull: handler not configured")
	}
	var payload PullPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("sync pull: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskSyncPull)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	devices, err := j.Devices()
	if err != nil {
		return fmt.Errorf("sync pull: %w", err)
	}
	if len(devices) == 0 {
		j.logger().Info("no devices configured")
		return nil
	}
	results, err := j.Puller.PullAll(ctx, devices)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) == len(results) {
		return fmt.Errorf("sync pull: every device failed: %w", errors.Join(errs...))
	}
	return nil
}

// HandleReconcile runs one reconciliation of the latest punches.
func (j *SyncJob) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("sync reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	return j.exclusive(TaskSyncReconcile, func() (syncer.Summary, error) {
		return j.Runner.Run(ctx, syncer.Options{Bulk: payload.Bulk})
	})
}

// HandleImport reconciles a historical window.
func (j *SyncJob) HandleImport(ctx context.Context, t *asynq.Task) error {
	var payload ImportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("sync import: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	return j.exclusive(TaskSyncImport, func() (syncer.Summary, error) {
		return j.Runner.Import(ctx, payload.From, payload.To, syncer.Options{Bulk: payload.Bulk})
	})
}

// exclusive runs fn unless another reconcile or import is in flight on this
// worker, in which case the task is dropped.
func (j *SyncJob) exclusive(job string, fn func() (syncer.Summary, error)) (resultErr error) {
	if j == nil || j.Runner == nil {
		return errors.New("sync: handler not configured")
	}
	if !j.running.TryLock() {
		j.logger().Warn("previous sync still running, skipping", slog.String("task", job))
		return nil
	}
	defer j.running.Unlock()

	tracker := j.Metrics.Track(job)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	summary, err := fn()
	if err != nil {
		return err
	}
	if summary.Failed() {
		return fmt.Errorf("%w: run %s failed %d of %d", ErrRunFailed, summary.RunID, summary.FailedCount, summary.Attempted())
	}
	return nil
}

func (j *SyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
