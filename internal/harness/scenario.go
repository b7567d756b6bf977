package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/convo/internal/ir"
)

// Scenario is a scripted sequence of workspace operations plus the
// assertions that must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Replies are played back, in order, by send and regenerate steps.
	Replies []Reply `yaml:"replies,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Reply is one canned assistant response.
type Reply struct {
	Reasoning []string `yaml:"reasoning,omitempty"`
	Deltas    []string `yaml:"deltas,omitempty"`

	// Error, when set, fails the stream after the deltas.
	Error string `yaml:"error,omitempty"`
}

// Step is a single workspace operation. Which fields apply depends on Op.
type Step struct {
	Op      string `yaml:"op"`
	As      string `yaml:"as,omitempty"`
	ReplyAs string `yaml:"reply_as,omitempty"`
	Thread  string `yaml:"thread,omitempty"`
	Parent  string `yaml:"parent,omitempty"`
	Message string `yaml:"message,omitempty"`
	Role    string `yaml:"role,omitempty"`
	Content string `yaml:"content,omitempty"`
	Title   string `yaml:"title,omitempty"`
	Index   int    `yaml:"index,omitempty"`

	// Expect, when set, requires the step to fail with the given code.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies an expected failure.
type ExpectClause struct {
	// Error is an ir.ErrorCode, e.g. "NOT_FOUND".
	Error string `yaml:"error"`
}

// Step operations.
const (
	OpCreateThread  = "create_thread"
	OpRename        = "rename"
	OpDeleteThread  = "delete_thread"
	OpAppend        = "append"
	OpSend          = "send"
	OpRegenerate    = "regenerate"
	OpEdit          = "edit"
	OpDeleteMessage = "delete_message"
	OpSelect        = "select"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Thread string `yaml:"thread,omitempty"`

	// Parent selects the branch point for "branches" ("" is the root).
	Parent string `yaml:"parent,omitempty"`

	// Contents is the expected active path content (used by path).
	Contents []string `yaml:"contents,omitempty"`

	// Messages is the expected active path as aliases or IDs (used by path).
	Messages []string `yaml:"messages,omitempty"`

	// Count is the expected number (branches, event_count, thread_count).
	Count int `yaml:"count,omitempty"`

	// Current is the expected selected index (used by branches).
	Current *int `yaml:"current,omitempty"`

	// Title is the expected thread title (used by title).
	Title string `yaml:"title,omitempty"`
}

// Assertion type constants.
const (
	AssertPath        = "path"
	AssertBranches    = "branches"
	AssertEventCount  = "event_count"
	AssertTitle       = "title"
	AssertThreadCount = "thread_count"
)

var validOps = map[string]bool{
	OpCreateThread:  true,
	OpRename:        true,
	OpDeleteThread:  true,
	OpAppend:        true,
	OpSend:          true,
	OpRegenerate:    true,
	OpEdit:          true,
	OpDeleteMessage: true,
	OpSelect:        true,
}

var validCodes = map[ir.ErrorCode]bool{
	ir.ErrCodeAccessDenied: true,
	ir.ErrCodeValidation:   true,
	ir.ErrCodeNotFound:     true,
	ir.ErrCodeProvider:     true,
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
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
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
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	if !validOps[s.Op] {
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}
	if s.Op != OpCreateThread && s.Thread == "" {
		return fmt.Errorf("steps[%d]: thread is required for %s", index, s.Op)
	}
	switch s.Op {
	case OpAppend:
		if !ir.ValidRoles[ir.Role(s.Role)] {
			return fmt.Errorf("steps[%d]: invalid role %q", index, s.Role)
		}
	case OpRegenerate:
		if s.Parent == "" {
			return fmt.Errorf("steps[%d]: parent is required for regenerate", index)
		}
	case OpEdit, OpDeleteMessage:
		if s.Message == "" {
			return fmt.Errorf("steps[%d]: message is required for %s", index, s.Op)
		}
	}
	if s.ReplyAs != "" && s.Op != OpSend && s.Op != OpRegenerate {
		return fmt.Errorf("steps[%d]: reply_as only applies to send and regenerate", index)
	}
	if s.Expect != nil && !validCodes[ir.ErrorCode(s.Expect.Error)] {
		return fmt.Errorf("steps[%d].expect: unknown error code %q", index, s.Expect.Error)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertPath:
		if a.Thread == "" {
			return fmt.Errorf("assertions[%d]: thread is required for path", index)
		}
		if a.Contents == nil && a.Messages == nil {
			return fmt.Errorf("assertions[%d]: contents or messages is required for path", index)
		}
	case AssertBranches, AssertEventCount, AssertTitle:
		if a.Thread == "" {
			return fmt.Errorf("assertions[%d]: thread is required for %s", index, a.Type)
		}
	case AssertThreadCount:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
