package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/carrier/internal/model"
)

// Scenario defines one sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Owner is the signed-in user for every create and catch-up.
	Owner string `yaml:"owner"`

	// StartReachable sets the initial state of the remote and the monitor.
	StartReachable bool `yaml:"start_reachable"`

	// MaxRejections overrides the engine's rejection budget. Zero means
	// unbounded.
	MaxRejections *int `yaml:"max_rejections,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step kinds.
const (
	StepCreate            = "create"
	StepOnline            = "online"
	StepOffline           = "offline"
	StepRejectNext        = "reject_next"
	StepDropNextAck       = "drop_next_ack"
	StepDuplicateOnResend = "duplicate_on_resend"
	StepDeliver           = "deliver"
	StepAttach            = "attach"
	StepCatchUp           = "catch_up"
	StepReplay            = "replay"
	StepForeign           = "foreign"
	StepRetry             = "retry"
)

// bareSteps take no value.
var bareSteps = map[string]bool{
	StepOnline:  true,
	StepOffline: true,
	StepDeliver: true,
	StepAttach:  true,
	StepCatchUp: true,
	StepReplay:  true,
}

// Step is a single scenario action. Kind selects which fields are used.
type Step struct {
	Kind    string
	Create  *CreateStep
	Foreign *ForeignStep
	N       int    // reject_next, drop_next_ack
	On      bool   // duplicate_on_resend
	Key     string // retry
}

// CreateStep writes a local draft.
type CreateStep struct {
	Key     string `yaml:"key"`
	Content string `yaml:"content"`
}

// ForeignStep writes a record on the remote as another device would.
type ForeignStep struct {
	Key             string `yaml:"key"`
	Content         string `yaml:"content"`
	ClientCreatedAt string `yaml:"client_created_at,omitempty"`
}

// Time parses ClientCreatedAt. The zero time means "next clock tick".
func (f *ForeignStep) Time() (time.Time, error) {
	if f.ClientCreatedAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, f.ClientCreatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("client_created_at: %w", err)
	}
	return model.TruncateTime(t), nil
}

// UnmarshalYAML accepts either a bare step name or a single-key mapping.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if !bareSteps[node.Value] {
			return fmt.Errorf("line %d: step %q requires a value", node.Line, node.Value)
		}
		s.Kind = node.Value
		return nil

	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: a step must have exactly one key", node.Line)
		}
		kind, value := node.Content[0].Value, node.Content[1]
		s.Kind = kind

		switch kind {
		case StepCreate:
			s.Create = &CreateStep{}
			return value.Decode(s.Create)
		case StepForeign:
			s.Foreign = &ForeignStep{}
			return value.Decode(s.Foreign)
		case StepRejectNext, StepDropNextAck:
			return value.Decode(&s.N)
		case StepDuplicateOnResend:
			return value.Decode(&s.On)
		case StepRetry:
			return value.Decode(&s.Key)
		default:
			if bareSteps[kind] {
				return fmt.Errorf("line %d: step %q takes no value", node.Line, kind)
			}
			return fmt.Errorf("line %d: unknown step %q", node.Line, kind)
		}

	default:
		return fmt.Errorf("line %d: step must be a string or a mapping", node.Line)
	}
}

// Assertion validates the final state. Exactly one field is set.
type Assertion struct {
	// Count is the expected number of local records.
	Count *int `yaml:"count,omitempty"`

	// Record matches the single local record for a correlation key.
	Record *RecordAssertion `yaml:"record,omitempty"`

	// Order lists correlation keys in expected display order.
	Order []string `yaml:"order,omitempty"`

	// RemoteCount is the expected number of records on the remote.
	RemoteCount *int `yaml:"remote_count,omitempty"`
}

// RecordAssertion is a subset match: empty fields are not checked.
type RecordAssertion struct {
	Key      string `yaml:"key"`
	Status   string `yaml:"status,omitempty"`
	Identity string `yaml:"identity,omitempty"`
	Content  string `yaml:"content,omitempty"`
	Attempts *int   `yaml:"attempts,omitempty"`
}

// Assertion type names, used in failure messages.
const (
	AssertCount       = "count"
	AssertRecord      = "record"
	AssertOrder       = "order"
	AssertRemoteCount = "remote_count"
)

// Type returns the name of the assertion's only set field, or "" if it
// has none or several.
func (a Assertion) Type() string {
	var kinds []string
	if a.Count != nil {
		kinds = append(kinds, AssertCount)
	}
	if a.Record != nil {
		kinds = append(kinds, AssertRecord)
	}
	if a.Order != nil {
		kinds = append(kinds, AssertOrder)
	}
	if a.RemoteCount != nil {
		kinds = append(kinds, AssertRemoteCount)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if s.MaxRejections != nil && *s.MaxRejections < 0 {
		return fmt.Errorf("max_rejections must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	switch step.Kind {
	case StepCreate:
		if step.Create.Content == "" {
			return fmt.Errorf("steps[%d]: create requires content", index)
		}
	case StepForeign:
		if step.Foreign.Key == "" || step.Foreign.Content == "" {
			return fmt.Errorf("steps[%d]: foreign requires key and content", index)
		}
		if _, err := step.Foreign.Time(); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepRejectNext, StepDropNextAck:
		if step.N < 0 {
			return fmt.Errorf("steps[%d]: %s must be non-negative", index, step.Kind)
		}
	case StepRetry:
		if step.Key == "" {
			return fmt.Errorf("steps[%d]: retry requires a correlation key", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type() {
	case "":
		return fmt.Errorf("assertions[%d]: exactly one of count, record, order, remote_count is required", index)
	case AssertCount:
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertRecord:
		if a.Record.Key == "" {
			return fmt.Errorf("assertions[%d]: record requires key", index)
		}
		if a.Record.Status != "" {
			if _, err := model.ParseStatus(a.Record.Status); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertOrder:
		if len(a.Order) == 0 {
			return fmt.Errorf("assertions[%d]: order must list at least one key", index)
		}
	case AssertRemoteCount:
		if *a.RemoteCount < 0 {
			return fmt.Errorf("assertions[%d]: remote_count must be non-negative", index)
		}
	}
	return nil
}
