// Package reporter delivers scan results to their sinks: the operator's
// terminal, a Kafka topic or both.
package reporter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/ahrav/blockscan/internal/domain/scan"
)

var _ scan.Reporter = (*Console)(nil)

const (
	noResultsLine = "No posts found."
	retryHintLine = "If you experience network issues, consider using --timeout=0 to run without a deadline."
	bytesPerMB    = 1024 * 1024
)

// Console writes one identifier per line and, at the end of a run, the
// operator facing summary lines.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	dev bool
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithDevStats appends post count, execution time and memory figures to the
// summary.
func WithDevStats(enabled bool) ConsoleOption { return func(c *Console) { c.dev = enabled } }

// NewConsole creates a Console writing to out.
func NewConsole(out io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{out: out}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReportPage writes ids in the order given and flushes before returning so a
// page is visible before its checkpoint is saved.
func (c *Console) ReportPage(_ context.Context, _ int, ids []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := bufio.NewWriter(c.out)
	buf := make([]byte, 0, 20)
	for _, id := range ids {
		buf = strconv.AppendInt(buf[:0], id, 10)
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write ids: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush ids: %w", err)
	}
	return nil
}

// ReportSummary writes the closing lines of a run.
func (c *Console) ReportSummary(_ context.Context, s scan.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := bufio.NewWriter(c.out)
	if s.TotalFound == 0 {
		fmt.Fprintln(w, noResultsLine)
	}
	if c.dev {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Number of posts found: %d\n", s.TotalFound)
		fmt.Fprintf(w, "Execution time: %.2f seconds\n", s.Elapsed.Seconds())
		fmt.Fprintf(w, "Memory used: %.2f MB\n", float64(s.MemoryDelta)/bytesPerMB)
	}
	if s.Retried() {
		fmt.Fprintln(w, retryHintLine)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}
