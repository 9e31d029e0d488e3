package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/punchsync/jobs"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for the sync tasks.
type JobsCLI struct {
	client    enqueuer
	inspector queueInspector
}

// NewJobsCLI initialises the helpers against the given Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opt), inspector: asynq.NewInspector(opt)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// TriggerRequest selects the task to enqueue.
type TriggerRequest struct {
	Name string
	Bulk bool
	From time.Time
	To   time.Time
}

// Trigger enqueues a sync task by name.
func (c *JobsCLI) Trigger(ctx context.Context, req TriggerRequest) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch req.Name {
	case "pull", jobs.TaskSyncPull:
		task, err = jobs.NewPullTask(time.Now())
	case "reconcile", jobs.TaskSyncReconcile:
		task, err = jobs.NewReconcileTask(req.Bulk)
	case "import", jobs.TaskSyncImport:
		task, err = jobs.NewImportTask(req.From, req.To, req.Bulk)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", req.Name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Failed    int    `json:"failed"`
}

// InspectQueue reports the default queue.
func (c *JobsCLI) InspectQueue() (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Failed = info.Failed
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos.
func (c *JobsCLI) ListScheduled(size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Enqueue and inspect worker tasks",
	}
	cmd.AddCommand(newJobsTriggerCommand(opts))
	cmd.AddCommand(newJobsInspectCommand(opts))
	return cmd
}

// jobsCLI is replaced in tests.
var jobsCLI = func(opts *RootOptions) *JobsCLI {
	return NewJobsCLI(opts.Config.RedisAddr)
}

func newJobsTriggerCommand(opts *RootOptions) *cobra.Command {
	var (
		bulk   bool
		window string
	)
	cmd := &cobra.Command{
		Use:           "trigger <pull|reconcile|import>",
		Short:         "Enqueue a sync task on the worker queue",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := TriggerRequest{Name: args[0], Bulk: bulk}
			if window != "" {
				from, to, err := parseImportWindow(window, opts.Config.Location())
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --import", err)
				}
				req.From, req.To = from, to
			}
			c := jobsCLI(opts)
			defer c.Close()
			info, err := c.Trigger(cmd.Context(), req)
			if err != nil {
				return WrapExitError(ExitCommandError, "trigger", err)
			}
			if opts.Format == "json" {
				return writeJSON(opts.Out, map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})
			}
			fmt.Fprintf(opts.Out, "enqueued %s (%s) on %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().BoolVar(&bulk, "bulk", false, "use bulk dispatch")
	cmd.Flags().StringVar(&window, "import", "", "window FROM..TO for the import task")
	return cmd
}

func newJobsInspectCommand(opts *RootOptions) *cobra.Command {
	var scheduled int
	cmd := &cobra.Command{
		Use:           "inspect",
		Short:         "Show the default queue counters",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := jobsCLI(opts)
			defer c.Close()
			stats, err := c.InspectQueue()
			if err != nil {
				return WrapExitError(ExitFailure, "inspect queue", err)
			}
			if opts.Format == "json" {
				return writeJSON(opts.Out, stats)
			}
			fmt.Fprintf(opts.Out, "queue %s: pending=%d active=%d scheduled=%d retry=%d failed=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Failed)
			if scheduled > 0 {
				tasks, err := c.ListScheduled(scheduled)
				if err != nil {
					return WrapExitError(ExitFailure, "list scheduled", err)
				}
				for _, t := range tasks {
					fmt.Fprintf(opts.Out, "  %s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.DateTime))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&scheduled, "scheduled", 0, "also list up to N scheduled tasks")
	return cmd
}
