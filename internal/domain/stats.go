package domain

import "time"

// StatusCounts aggregates task counts by lifecycle status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Add increments the counter for the given status. Unknown statuses are
// ignored rather than counted.
func (c *StatusCounts) Add(status TaskStatus) {
	switch status {
	case TaskStatusPending:
		c.Pending++
	case TaskStatusProcessing:
		c.Processing++
	case TaskStatusCompleted:
		c.Completed++
	case TaskStatusFailed:
		c.Failed++
	case TaskStatusCancelled:
		c.Cancelled++
	}
}

// Total returns the sum across all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed + c.Cancelled
}

// QueueStats is a point-in-time aggregation of queue contents. Delayed
// counts pending tasks whose scheduled time has not arrived yet, so
// Counts.Pending - Delayed is the immediately claimable backlog.
type QueueStats struct {
	Counts          StatusCounts            `json:"counts"`
	Delayed         int                     `json:"delayed"`
	PerType         map[string]StatusCounts `json:"per_type"`
	OldestPendingAt *time.Time              `json:"oldest_pending_at,omitempty"`
	CollectedAt     time.Time               `json:"collected_at"`
}
