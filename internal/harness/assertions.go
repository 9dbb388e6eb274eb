package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/carrier/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes the final local state to help debug the failure.
type AssertionError struct {
	Type     string          // Assertion type for categorization
	Expected string          // Human-readable expected outcome
	Actual   string          // Human-readable actual outcome
	Messages []model.Message // Final local state for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nLocal state:\n")
	for i, m := range e.Messages {
		fmt.Fprintf(&buf, "  [%d] %s %s %s attempts=%d\n",
			i+1, m.CorrelationKey, m.ID, m.Status, m.Attempts)
	}

	return buf.String()
}

// EvaluateAssertions runs all assertions against a result.
// Returns the failure messages; empty if every assertion held.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type() {
	case AssertCount:
		return assertCount(result.Messages, *a.Count)
	case AssertRecord:
		return assertRecord(result.Messages, *a.Record)
	case AssertOrder:
		return assertOrder(result.Messages, a.Order)
	case AssertRemoteCount:
		return assertRemoteCount(result, *a.RemoteCount)
	default:
		return fmt.Errorf("assertion must set exactly one of count, record, order, remote_count")
	}
}

// assertCount checks the number of local records.
func assertCount(msgs []model.Message, want int) error {
	if len(msgs) == want {
		return nil
	}
	return &AssertionError{
		Type:     AssertCount,
		Expected: fmt.Sprintf("%d records", want),
		Actual:   fmt.Sprintf("%d records", len(msgs)),
		Messages: msgs,
	}
}

// assertRecord checks the single record for a correlation key against the
// fields the assertion sets.
func assertRecord(msgs []model.Message, want RecordAssertion) error {
	var matches []model.Message
	for _, m := range msgs {
		if m.CorrelationKey == want.Key {
			matches = append(matches, m)
		}
	}
	if len(matches) != 1 {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("exactly one record for %s", want.Key),
			Actual:   fmt.Sprintf("%d records", len(matches)),
			Messages: msgs,
		}
	}
	got := matches[0]

	var diffs []string
	if want.Status != "" && string(got.Status) != want.Status {
		diffs = append(diffs, fmt.Sprintf("status %s, want %s", got.Status, want.Status))
	}
	if want.Identity != "" && got.ID.String() != want.Identity {
		diffs = append(diffs, fmt.Sprintf("identity %s, want %s", got.ID, want.Identity))
	}
	if want.Content != "" && got.Content != want.Content {
		diffs = append(diffs, fmt.Sprintf("content %q, want %q", got.Content, want.Content))
	}
	if want.Attempts != nil && got.Attempts != *want.Attempts {
		diffs = append(diffs, fmt.Sprintf("attempts %d, want %d", got.Attempts, *want.Attempts))
	}
	if len(diffs) == 0 {
		return nil
	}

	return &AssertionError{
		Type:     AssertRecord,
		Expected: fmt.Sprintf("record %s to match", want.Key),
		Actual:   strings.Join(diffs, "; "),
		Messages: msgs,
	}
}

// assertOrder checks that the listed keys appear in display order.
// Keys not listed may appear anywhere.
func assertOrder(msgs []model.Message, keys []string) error {
	positions := make(map[string]int, len(msgs))
	for i, m := range msgs {
		if _, seen := positions[m.CorrelationKey]; !seen {
			positions[m.CorrelationKey] = i + 1 // 1-indexed for readability
		}
	}

	for _, key := range keys {
		if positions[key] == 0 {
			return &AssertionError{
				Type:     AssertOrder,
				Expected: fmt.Sprintf("all keys present: %v", keys),
				Actual:   fmt.Sprintf("missing key: %s", key),
				Messages: msgs,
			}
		}
	}

	for i := 1; i < len(keys); i++ {
		prev, curr := keys[i-1], keys[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertOrder,
				Expected: fmt.Sprintf("keys in order: %v", keys),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Messages: msgs,
			}
		}
	}
	return nil
}

// assertRemoteCount checks how many records the remote accepted.
func assertRemoteCount(result *Result, want int) error {
	if len(result.RemoteRecords) == want {
		return nil
	}
	return &AssertionError{
		Type:     AssertRemoteCount,
		Expected: fmt.Sprintf("%d remote records", want),
		Actual:   fmt.Sprintf("%d remote records", len(result.RemoteRecords)),
		Messages: result.Messages,
	}
}
