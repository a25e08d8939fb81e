package scan

import "time"

// Checkpoint records the highest identifier whose page has been fully
// reported. It is the only state that survives between runs.
type Checkpoint struct {
	Key             string
	LastProcessedID int64
	UpdatedAt       time.Time
}

// NewCheckpoint creates a checkpoint stamped with the current time.
func NewCheckpoint(key string, lastProcessedID int64) *Checkpoint {
	return &Checkpoint{Key: key, LastProcessedID: lastProcessedID, UpdatedAt: time.Now()}
}
