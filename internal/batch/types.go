// Package batch implements the priority-queued, bounded-concurrency batch
// processor: CreateBatch intake, a single logical scheduler, and the
// per-batch progress/state-machine bookkeeping.
package batch

import (
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// Priority orders batches relative to one another: high before normal
// before low, FIFO within a priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1 // normal, and any unrecognized value
	}
}

// State is the batch lifecycle stage.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ChildResult is stored at the same index as its originating request.
type ChildResult struct {
	Response *catalog.ModelResponse `json:"response,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Batch is a collection of child requests submitted and tracked as a unit.
type Batch struct {
	ID             string
	Owner          string
	Requests       []catalog.ModelRequest
	State          State
	Priority       Priority
	RequestCount   int
	CompletedCount int
	FailedCount    int
	Results        []*ChildResult
	CallbackURL    string
	Metadata       map[string]string
	Error          string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// InvalidChild reports one request that failed independent validation at
// intake time. Invalid children are reported but do not block processing
// of the valid ones, unless every child is invalid.
type InvalidChild struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Summary is the condensed form emitted on the batch.completed webhook
// event — the raw per-child results are deliberately omitted.
type Summary struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	State          State  `json:"state"`
	RequestCount   int    `json:"request_count"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`
}

// summary builds the webhook-facing Summary for b. Caller must hold
// whatever lock protects b's fields.
func summary(b *Batch) Summary {
	return Summary{
		ID:             b.ID,
		Owner:          b.Owner,
		State:          b.State,
		RequestCount:   b.RequestCount,
		CompletedCount: b.CompletedCount,
		FailedCount:    b.FailedCount,
	}
}
