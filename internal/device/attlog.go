package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/punchsync/internal/punch"
)

// AttlogLayout is the timestamp format of terminal attendance exports.
const AttlogLayout = "2006-01-02 15:04:05"

const disabledSuffix = ".disabled"

// AttlogSource reads terminal attendance exports from disk. Each line is
// tab separated: subject, timestamp, verify status, punch code, followed by
// optional columns that are ignored.
//
// Disable writes a marker file next to the export which the exporter honours
// by refusing new punches; Enable removes it.
type AttlogSource struct {
	logger *slog.Logger
}

// NewAttlogSource constructs an AttlogSource.
func NewAttlogSource(logger *slog.Logger) *AttlogSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttlogSource{logger: logger.With(slog.String("component", "attlog"))}
}

// Pull parses every well-formed line of the device export. Malformed lines
// are logged and skipped.
func (s *AttlogSource) Pull(ctx context.Context, d Device) ([]punch.Record, error) {
	f, err := os.Open(d.Attlog)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("device: %s: open attlog: %w", d.ID, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var records []punch.Record
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		rec, err := parseAttlogLine(d, text)
		if err != nil {
			s.logger.Warn("skipping attlog line",
				slog.String("device_id", d.ID),
				slog.Int("line", line),
				slog.Any("error", err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("device: %s: read attlog: %w", d.ID, err)
	}
	return records, nil
}

// Disable places the marker file.
func (s *AttlogSource) Disable(_ context.Context, d Device) error {
	if err := os.WriteFile(d.Attlog+disabledSuffix, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("device: %s: disable: %w", d.ID, err)
	}
	return nil
}

// Enable removes the marker file.
func (s *AttlogSource) Enable(_ context.Context, d Device) error {
	if err := os.Remove(d.Attlog + disabledSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("device: %s: enable: %w", d.ID, err)
	}
	return nil
}

// Clear truncates the export.
func (s *AttlogSource) Clear(_ context.Context, d Device) error {
	if err := os.Truncate(d.Attlog, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("device: %s: clear: %w", d.ID, err)
	}
	return nil
}

func parseAttlogLine(d Device, line string) (punch.Record, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < 4 {
		return punch.Record{}, fmt.Errorf("want at least 4 columns, got %d", len(cols))
	}
	subject := strings.TrimSpace(cols[0])
	if subject == "" {
		return punch.Record{}, errors.New("empty subject")
	}
	ts, err := time.ParseInLocation(AttlogLayout, strings.TrimSpace(cols[1]), d.Location())
	if err != nil {
		return punch.Record{}, fmt.Errorf("timestamp: %w", err)
	}
	status, err := strconv.Atoi(strings.TrimSpace(cols[2]))
	if err != nil {
		return punch.Record{}, fmt.Errorf("status: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(cols[3]))
	if err != nil {
		return punch.Record{}, fmt.Errorf("punch: %w", err)
	}
	return punch.NewRecord(d.Address, subject, ts, punch.TypeFromCode(code), status), nil
}

var _ Source = (*AttlogSource)(nil)
