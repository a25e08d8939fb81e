package scan

import "time"

// Summary describes a finished run, successful or not.
type Summary struct {
	RunID       string        `json:"run_id"`
	Job         string        `json:"job"`
	TotalFound  int           `json:"total_found"`
	Pages       int           `json:"pages"`
	Retries     int           `json:"retries"`
	LastID      int64         `json:"last_id,omitempty"`
	Completed   bool          `json:"completed"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	MemoryDelta int64         `json:"memory_delta_bytes"`
}

// Retried reports whether any page fetch needed a retry.
func (s Summary) Retried() bool { return s.Retries > 0 }
