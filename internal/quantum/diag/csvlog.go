// Package diag provides the optional per-session diagnostic artifacts: a
// CSV log of congestion-window transitions, one row per notable cwnd
// change. This package only ever writes the CSV; plotting it is left to
// external tooling.
package diag

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"
)

// CSVLogger appends one row per congestion-state change to a CSV file
// with columns timestamp_s, cwnd_bytes, ssthresh_bytes, state.
type CSVLogger struct {
	f     *os.File
	w     *csv.Writer
	start time.Time
}

// NewCSVLogger creates (or truncates) the CSV file at path and writes its
// header row.
func NewCSVLogger(path string) (*CSVLogger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("diag: create %q: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp_s", "cwnd_bytes", "ssthresh_bytes", "state"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("diag: write header: %w", err)
	}
	return &CSVLogger{f: f, w: w, start: time.Time{}}, nil
}

// Write appends one row. The timestamp column is seconds since the first
// Write call, matching the original tool's session-relative clock.
func (l *CSVLogger) Write(now time.Time, cwndBytes, ssthreshBytes uint32, state string) error {
	if l.start.IsZero() {
		l.start = now
	}
	row := []string{
		fmt.Sprintf("%.6f", now.Sub(l.start).Seconds()),
		fmt.Sprintf("%d", cwndBytes),
		fmt.Sprintf("%d", ssthreshBytes),
		state,
	}
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("diag: write row: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the underlying file.
func (l *CSVLogger) Close() error {
	l.w.Flush()
	return l.f.Close()
}
