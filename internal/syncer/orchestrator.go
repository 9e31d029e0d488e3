// Package syncer drives reconciliation runs from the punch store to the ERP.
package syncer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odyssey-erp/punchsync/internal/erp"
	"github.com/odyssey-erp/punchsync/internal/fieldmap"
	jobmetrics "github.com/odyssey-erp/punchsync/internal/jobs"
	"github.com/odyssey-erp/punchsync/internal/punch"
	"github.com/odyssey-erp/punchsync/internal/reconcile"
	"github.com/odyssey-erp/punchsync/internal/shared"
)

// SliceWidth is the window reconciled at a time during an import.
const SliceWidth = time.Hour

// Remote is the ERP surface a run needs.
type Remote interface {
	reconcile.Remote
	GetUsers(ctx context.Context, filter erp.UserFilter, fields []string) ([]erp.Employee, error)
	GetBulkAttendance(ctx context.Context, date time.Time) (map[string]reconcile.State, error)
}

// Options tune one run.
type Options struct {
	Bulk bool
	// Filter selects candidates explicitly. The zero filter takes the latest
	// punch of every subject.
	Filter punch.Filter
}

func (o Options) mode() Mode {
	if o.Bulk {
		return ModeBulk
	}
	return ModePerRecord
}

// Config collects the orchestrator dependencies.
type Config struct {
	Module   string
	Store    punch.Store
	Remote   Remote
	Runs     RunStore
	Metrics  *jobmetrics.Metrics
	Location *time.Location
	Logger   *slog.Logger
}

// Orchestrator runs reconciliation batches. Runs are sequential; callers must
// not invoke Run or Import concurrently on one Orchestrator.
type Orchestrator struct {
	module  string
	store   punch.Store
	remote  Remote
	engine  *reconcile.Engine
	runs    RunStore
	metrics *jobmetrics.Metrics
	loc     *time.Location
	logger  *slog.Logger
	clock   func() time.Time
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Orchestrator{
		module:  cfg.Module,
		store:   cfg.Store,
		remote:  cfg.Remote,
		engine:  reconcile.NewEngine(cfg.Remote, logger),
		runs:    cfg.Runs,
		metrics: cfg.Metrics,
		loc:     loc,
		logger:  logger.With(slog.String("component", "syncer"), slog.String("module", cfg.Module)),
		clock:   time.Now,
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (o *Orchestrator) WithClock(clock func() time.Time) {
	if o != nil && clock != nil {
		o.clock = clock
	}
}

// Run reconciles one batch of candidates. The returned error is non-nil only
// for failures that abort the run; per-record failures are counted in the
// summary.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Summary, error) {
	summary, ctx := o.begin(ctx, opts, false)
	logger := o.logger.With(slog.String("run_id", summary.RunID), slog.String("mode", string(summary.Mode)))
	logger.Info("sync run started")

	err := o.run(ctx, logger, opts, &summary)
	return o.finish(ctx, logger, summary, err)
}

// Import reconciles the historical window [from, to) one slice at a time. A
// failing slice is logged and counted; only authentication failures and
// cancellation abort the import.
func (o *Orchestrator) Import(ctx context.Context, from, to time.Time, opts Options) (Summary, error) {
	summary, ctx := o.begin(ctx, opts, true)
	logger := o.logger.With(slog.String("run_id", summary.RunID), slog.String("mode", string(summary.Mode)))

	if !from.Before(to) {
		err := fmt.Errorf("syncer: import window %s..%s is empty: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), shared.ErrValidation)
		return o.finish(ctx, logger, summary, err)
	}
	logger.Info("import started", slog.Time("from", from), slog.Time("to", to))

	err := o.importWindow(ctx, logger, from, to, opts, &summary)
	return o.finish(ctx, logger, summary, err)
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, opts Options, summary *Summary) error {
	known, err := o.directory(ctx, summary)
	if err != nil {
		return err
	}
	var candidates []punch.Record
	if opts.Filter.IsZero() {
		candidates, err = o.store.LatestPerSubject(ctx)
	} else {
		candidates, err = o.store.Query(ctx, opts.Filter)
	}
	if err != nil {
		return fmt.Errorf("syncer: load candidates: %w", err)
	}
	return o.dispatch(ctx, logger, opts, known, candidates, summary)
}

func (o *Orchestrator) importWindow(ctx context.Context, logger *slog.Logger, from, to time.Time, opts Options, summary *Summary) error {
	known, err := o.directory(ctx, summary)
	if err != nil {
		return err
	}
	for start := from; start.Before(to); start = start.Add(SliceWidth) {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start.Add(SliceWidth)
		if end.After(to) {
			end = to
		}
		summary.Slices++
		sliceLog := logger.With(slog.Time("slice_from", start), slog.Time("slice_to", end))

		filter := punch.Window(start, end)
		filter.DeviceID = opts.Filter.DeviceID
		filter.SubjectIDs = opts.Filter.SubjectIDs
		records, err := o.store.Query(ctx, filter)
		if err == nil {
			err = o.dispatch(ctx, sliceLog, opts, known, records, summary)
		}
		if err == nil {
			continue
		}
		if shared.IsAuthFailure(err) || ctx.Err() != nil {
			return err
		}
		summary.SliceFailures++
		sliceLog.Error("import slice failed", slog.Any("error", err))
	}
	return nil
}

// directory loads the employee directory and returns the known subject ids.
// Entries without an employee id cannot receive attendance and are dropped.
func (o *Orchestrator) directory(ctx context.Context, summary *Summary) (map[string]struct{}, error) {
	employees, err := o.remote.GetUsers(ctx, erp.UserFilter{}, fieldmap.EmployeeFields)
	if err != nil {
		return nil, fmt.Errorf("syncer: load employees: %w", err)
	}
	known := make(map[string]struct{}, len(employees))
	for _, e := range employees {
		if e.EmployeeID == "" || e.SubjectID == "" {
			continue
		}
		known[e.SubjectID] = struct{}{}
	}
	summary.Employees = len(known)
	if len(known) == 0 {
		return nil, fmt.Errorf("syncer: employee directory is empty: %w", shared.ErrConfiguration)
	}
	return known, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, logger *slog.Logger, opts Options, known map[string]struct{}, candidates []punch.Record, summary *Summary) error {
	records := make([]punch.Record, 0, len(candidates))
	for _, rec := range candidates {
		if _, ok := known[rec.SubjectID]; !ok {
			summary.Unknown++
			continue
		}
		records = append(records, rec)
	}
	summary.Candidates += len(candidates)
	if len(records) == 0 {
		logger.Debug("no known punches to reconcile", slog.Int("candidates", len(candidates)))
		return nil
	}

	if !opts.Bulk {
		outcomes, err := o.engine.RunPerRecord(ctx, records)
		o.record(summary, outcomes)
		return err
	}

	var errs []error
	for _, batch := range o.byDate(records) {
		snapshot, err := o.remote.GetBulkAttendance(ctx, batch.date)
		if err != nil {
			o.record(summary, failAll(batch.records, err))
			logger.Error("load attendance snapshot", slog.String("date", batch.date.Format(erp.DateLayout)), slog.Any("error", err))
			if shared.IsAuthFailure(err) {
				return err
			}
			errs = append(errs, err)
			continue
		}
		outcomes, err := o.engine.RunBulk(ctx, batch.records, snapshot)
		o.record(summary, outcomes)
		if err != nil {
			if shared.IsAuthFailure(err) || ctx.Err() != nil {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type dateBatch struct {
	date    time.Time
	records []punch.Record
}

// byDate groups records by their calendar date in the ERP location, oldest
// first.
func (o *Orchestrator) byDate(records []punch.Record) []dateBatch {
	groups := make(map[string]*dateBatch)
	for _, rec := range records {
		local := rec.Timestamp.In(o.loc)
		key := local.Format(erp.DateLayout)
		b, ok := groups[key]
		if !ok {
			y, m, d := local.Date()
			b = &dateBatch{date: time.Date(y, m, d, 0, 0, 0, 0, o.loc)}
			groups[key] = b
		}
		b.records = append(b.records, rec)
	}
	batches := make([]dateBatch, 0, len(groups))
	for _, b := range groups {
		batches = append(batches, *b)
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].date.Before(batches[j].date)
	})
	return batches
}

func (o *Orchestrator) record(summary *Summary, outcomes []reconcile.Outcome) {
	summary.add(outcomes)
	for status, n := range reconcile.Tally(outcomes) {
		o.metrics.AddOutcomes(o.module, status.String(), n)
	}
}

func failAll(records []punch.Record, err error) []reconcile.Outcome {
	outcomes := make([]reconcile.Outcome, 0, len(records))
	for _, rec := range records {
		outcomes = append(outcomes, reconcile.Outcome{
			RecordID:  rec.ID,
			SubjectID: rec.SubjectID,
			Timestamp: rec.Timestamp,
			Status:    reconcile.StatusFailed,
			Err:       err,
		})
	}
	return outcomes
}

func (o *Orchestrator) begin(ctx context.Context, opts Options, isImport bool) (Summary, context.Context) {
	now := o.clock()
	runID := ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0)).String()
	summary := Summary{
		RunID:     runID,
		Module:    o.module,
		Mode:      opts.mode(),
		Import:    isImport,
		StartedAt: now,
	}
	return summary, shared.ContextWithRunID(ctx, runID)
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, summary Summary, err error) (Summary, error) {
	summary.FinishedAt = o.clock()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	if err != nil {
		summary.Error = err.Error()
	}

	attrs := []any{
		slog.String("status", summary.Status()),
		slog.String("duration", summary.Duration.Round(time.Millisecond).String()),
		slog.Int("candidates", summary.Candidates),
		slog.Int("unknown_subjects", summary.Unknown),
		slog.Int("submitted", summary.Submitted),
		slog.Int("skipped_stale", summary.SkippedStale),
		slog.Int("failed", summary.FailedCount),
	}
	if summary.Import {
		attrs = append(attrs, slog.Int("slices", summary.Slices), slog.Int("slice_failures", summary.SliceFailures))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
		logger.Error("sync run aborted", attrs...)
	} else {
		logger.Info("sync run finished", attrs...)
	}

	if o.runs != nil {
		if perr := o.runs.SaveLast(context.WithoutCancel(ctx), summary); perr != nil {
			logger.Warn("publish run summary", slog.Any("error", perr))
		}
	}
	return summary, err
}
