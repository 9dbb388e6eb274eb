package engine

import "github.com/roach88/carrier/internal/model"

// DefaultMaxRejections is the number of server rejections a draft may
// accumulate before it is marked failed.
const DefaultMaxRejections = 5

// RejectionBudget bounds how often a pending draft may be rejected.
//
// Only rejections count. Network failures leave the draft pending with
// its attempt counter alone, so a device that is offline for a week does
// not burn through the budget.
//
// A limit of zero or less disables the budget: rejected drafts stay
// pending and are retried on every reconnect.
type RejectionBudget struct {
	limit int
}

// NewRejectionBudget creates a budget with the given limit.
func NewRejectionBudget(limit int) RejectionBudget {
	if limit < 0 {
		limit = 0
	}
	return RejectionBudget{limit: limit}
}

// Limit returns the configured limit, zero when unbounded.
// Passed straight to store.RecordRejection.
func (b RejectionBudget) Limit() int {
	return b.limit
}

// Unbounded reports whether the budget never runs out.
func (b RejectionBudget) Unbounded() bool {
	return b.limit == 0
}

// Remaining returns how many more rejections msg can take before it fails.
// Returns -1 when unbounded.
func (b RejectionBudget) Remaining(msg model.Message) int {
	if b.Unbounded() {
		return -1
	}
	if r := b.limit - msg.Attempts; r > 0 {
		return r
	}
	return 0
}

// Check returns a RuntimeError when msg has used up the budget.
func (b RejectionBudget) Check(msg model.Message) error {
	if b.Unbounded() || msg.Attempts < b.limit {
		return nil
	}
	return NewRejectionBudgetError(msg.CorrelationKey, msg.Attempts, b.limit, msg.LastError)
}
