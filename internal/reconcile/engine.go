package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/punchsync/internal/punch"
	"github.com/odyssey-erp/punchsync/internal/shared"
)

// Remote is the slice of the ERP client the engine drives.
type Remote interface {
	GetAttendance(ctx context.Context, subjectID string) (State, error)
	// Punch submits one decision and returns the action the ERP actually
	// applied, which differs from the requested one after a clock-in
	// conflict was corrected into a clock-out.
	Punch(ctx context.Context, action Action, rec punch.Record) (Action, error)
	BulkSubmit(ctx context.Context, decisions []Decision) error
}

// Engine reconciles batches of punches. It is not safe for concurrent use.
type Engine struct {
	remote Remote
	logger *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(remote Remote, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{remote: remote, logger: logger.With(slog.String("component", "reconcile"))}
}

// RunPerRecord fetches the current state and submits a decision for each
// record in turn. Per-record failures become failed outcomes; an
// authentication failure or context cancellation stops the batch and is
// returned with the outcomes gathered so far.
func (e *Engine) RunPerRecord(ctx context.Context, records []punch.Record) ([]Outcome, error) {
	return e.fold(ctx, records, func(ctx context.Context, rec punch.Record) (Outcome, error) {
		out := outcomeFor(rec)
		state, err := e.remote.GetAttendance(ctx, rec.SubjectID)
		if err != nil {
			return out, err
		}
		out.Action = Decide(rec, state)
		if out.Action == ActionSkipStale {
			out.Status = StatusSkippedStale
			return out, nil
		}
		applied, err := e.remote.Punch(ctx, out.Action, rec)
		if err != nil {
			return out, err
		}
		out.Action = applied
		out.Status = StatusSubmitted
		return out, nil
	})
}

// RunBulk decides every record against snapshot without reading the ERP.
// Records are processed in timestamp order and each decision advances the
// subject's projected state, so several punches of one subject chain
// correctly inside a batch. The decisions are then sent in one BulkSubmit;
// a failure there fails every decided record and is returned.
func (e *Engine) RunBulk(ctx context.Context, records []punch.Record, snapshot map[string]State) ([]Outcome, error) {
	ordered := append([]punch.Record(nil), records...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	projected := make(map[string]State, len(snapshot))
	for k, v := range snapshot {
		projected[k] = v
	}

	var (
		decisions []Decision
		pending   []int
	)
	outcomes, err := e.fold(ctx, ordered, func(_ context.Context, rec punch.Record) (Outcome, error) {
		out := outcomeFor(rec)
		state := projected[rec.SubjectID]
		out.Action = Decide(rec, state)
		if out.Action == ActionSkipStale {
			out.Status = StatusSkippedStale
			return out, nil
		}
		projected[rec.SubjectID] = state.Next(out.Action, rec.Timestamp)
		decisions = append(decisions, Decision{Record: rec, Action: out.Action})
		out.Status = StatusSubmitted
		return out, nil
	})
	if err != nil {
		return outcomes, err
	}
	for i, o := range outcomes {
		if o.Status == StatusSubmitted {
			pending = append(pending, i)
		}
	}
	if len(decisions) == 0 {
		return outcomes, nil
	}

	if err := e.remote.BulkSubmit(ctx, decisions); err != nil {
		for _, i := range pending {
			outcomes[i].Status = StatusFailed
			outcomes[i].Err = err
		}
		e.logger.Error("bulk submit", slog.Int("decisions", len(decisions)), slog.Any("error", err))
		return outcomes, fmt.Errorf("reconcile: bulk submit: %w", err)
	}
	e.logger.Info("bulk submitted", slog.Int("decisions", len(decisions)))
	return outcomes, nil
}

type step func(ctx context.Context, rec punch.Record) (Outcome, error)

// fold applies fn to every record, isolating failures and panics to the
// record that caused them.
func (e *Engine) fold(ctx context.Context, records []punch.Record, fn step) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out, err := e.apply(ctx, rec, fn)
		if err != nil {
			out.Status = StatusFailed
			out.Err = err
			e.logger.Error("reconcile record",
				slog.String("subject_id", rec.SubjectID),
				slog.Time("timestamp", rec.Timestamp),
				slog.Any("error", err))
			outcomes = append(outcomes, out)
			if shared.IsAuthFailure(err) {
				return outcomes, err
			}
			continue
		}
		e.logger.Debug("reconciled record",
			slog.String("subject_id", rec.SubjectID),
			slog.String("action", out.Action.String()),
			slog.String("status", out.Status.String()))
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (e *Engine) apply(ctx context.Context, rec punch.Record, fn step) (out Outcome, err error) {
	out = outcomeFor(rec)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile: panic: %v", r)
		}
	}()
	if err := validate(rec); err != nil {
		return out, err
	}
	return fn(ctx, rec)
}

var errMalformed = errors.New("reconcile: malformed record")

func validate(rec punch.Record) error {
	if rec.SubjectID == "" {
		return fmt.Errorf("%w: subject id missing: %w", errMalformed, shared.ErrValidation)
	}
	if rec.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp missing: %w", errMalformed, shared.ErrValidation)
	}
	return nil
}

func outcomeFor(rec punch.Record) Outcome {
	return Outcome{RecordID: rec.ID, SubjectID: rec.SubjectID, Timestamp: rec.Timestamp}
}
