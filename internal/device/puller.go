package device

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/punchsync/internal/jobs"
	"github.com/odyssey-erp/punchsync/internal/punch"
)

// Result reports one device pull.
type Result struct {
	DeviceID string
	Pulled   int
	Inserted int
	Cleared  bool
	Err      error
}

// Puller moves punches from terminals into the store.
type Puller struct {
	source      Source
	store       punch.Store
	concurrency int
	metrics     *jobmetrics.Metrics
	logger      *slog.Logger
}

// NewPuller constructs a Puller. concurrency below one pulls devices one at a
// time.
func NewPuller(source Source, store punch.Store, concurrency int, metrics *jobmetrics.Metrics, logger *slog.Logger) *Puller {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{
		source:      source,
		store:       store,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "puller")),
	}
}

// PullAll pulls every device. A failing device does not stop the others; its
// error is reported in its Result. The returned error is non-nil only when
// ctx ends.
func (p *Puller) PullAll(ctx context.Context, devices []Device) ([]Result, error) {
	results := make([]Result, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, d := range devices {
		g.Go(func() error {
			results[i] = p.Pull(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// Pull runs disable, pull, insert, clear and enable against one device. The
// terminal is cleared only after its punches are stored and is re-enabled
// whenever it was disabled.
func (p *Puller) Pull(ctx context.Context, d Device) (res Result) {
	res.DeviceID = d.ID
	logger := p.logger.With(slog.String("device_id", d.ID), slog.String("address", d.Address))

	if err := p.source.Disable(ctx, d); err != nil {
		res.Err = err
		logger.Error("disable device", slog.Any("error", err))
		return res
	}
	defer func() {
		if err := p.source.Enable(context.WithoutCancel(ctx), d); err != nil {
			logger.Error("enable device", slog.Any("error", err))
			if res.Err == nil {
				res.Err = err
			}
		}
	}()

	records, err := p.source.Pull(ctx, d)
	if err != nil {
		res.Err = err
		logger.Error("pull device", slog.Any("error", err))
		return res
	}
	res.Pulled = len(records)
	if len(records) == 0 {
		logger.Info("no punches on device")
		return res
	}

	inserted, err := p.store.InsertMany(ctx, records)
	if err != nil {
		res.Err = fmt.Errorf("device: %s: store punches: %w", d.ID, err)
		logger.Error("store punches, device left uncleared", slog.Any("error", err))
		return res
	}
	res.Inserted = inserted
	p.metrics.AddPulled(d.ID, res.Pulled, res.Inserted)

	if err := p.source.Clear(ctx, d); err != nil {
		res.Err = err
		logger.Error("clear device", slog.Any("error", err))
		return res
	}
	res.Cleared = true
	logger.Info("device pulled", slog.Int("pulled", res.Pulled), slog.Int("inserted", res.Inserted))
	return res
}
