package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/odyssey-erp/punchsync/internal/syncer"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSummary(w io.Writer, format string, s syncer.Summary) error {
	if format == "json" {
		return writeJSON(w, s)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	fmt.Fprintf(tw, "module\t%s (%s)\n", s.Module, s.Mode)
	fmt.Fprintf(tw, "status\t%s\n", s.Status())
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(tw, "employees\t%d\n", s.Employees)
	fmt.Fprintf(tw, "candidates\t%d (unknown %d)\n", s.Candidates, s.Unknown)
	fmt.Fprintf(tw, "submitted\t%d\n", s.Submitted)
	fmt.Fprintf(tw, "skipped stale\t%d\n", s.SkippedStale)
	fmt.Fprintf(tw, "failed\t%d\n", s.FailedCount)
	if s.Import {
		fmt.Fprintf(tw, "slices\t%d (failed %d)\n", s.Slices, s.SliceFailures)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.SubjectID, f.Timestamp.Format(time.DateTime), f.Error)
	}
	return tw.Flush()
}
