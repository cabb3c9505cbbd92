// Package report writes the regional metrics CSV report.
package report

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"

	"regionalmetrics/internal/models"
)

// Writer appends regional metric rows to a CSV file. The file is
// truncated on creation, so rerunning a batch overwrites the previous
// report rather than appending to it.
type Writer struct {
	f      *os.File
	closed bool
}

// Create opens the report file, truncating any previous run's output, and
// writes the header row immediately so even an all-skipped batch leaves a
// well-formed report behind.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating report %s: %w", path, err)
	}

	header := []models.RegionMetrics{}
	if err := gocsv.Marshal(&header, f); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing report header: %w", err)
	}

	return &Writer{f: f}, nil
}

// Append writes one batch of rows to the report.
func (w *Writer) Append(rows []models.RegionMetrics) error {
	if len(rows) == 0 {
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(&rows, w.f); err != nil {
		return fmt.Errorf("appending %d report rows: %w", len(rows), err)
	}
	return nil
}

// Close flushes and closes the underlying file. Closing an already closed
// writer is a no-op, so it is safe to both defer Close and check its error
// explicitly.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
