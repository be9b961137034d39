package mapreduce

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "30s" style strings from YAML
// and JSON. Bare numbers are seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*d = Duration(n * float64(time.Second))
		return nil
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// CaptureFormat controls how a step's stdout is stored in a variable.
type CaptureFormat string

const (
	CaptureString  CaptureFormat = "string"
	CaptureJSON    CaptureFormat = "json"
	CaptureLines   CaptureFormat = "lines"
	CaptureNumber  CaptureFormat = "number"
	CaptureBoolean CaptureFormat = "boolean"
)

// Parse converts command output to a variable value.
func (f CaptureFormat) Parse(output string) (any, error) {
	trimmed := strings.TrimSpace(output)
	switch f {
	case "", CaptureString:
		return trimmed, nil
	case CaptureJSON:
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			return nil, fmt.Errorf("output is not valid json: %w", err)
		}
		return v, nil
	case CaptureLines:
		lines := []any{}
		for _, line := range strings.Split(trimmed, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		return lines, nil
	case CaptureNumber:
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("output %q is not a number", trimmed)
		}
		return n, nil
	case CaptureBoolean:
		b, err := strconv.ParseBool(trimmed)
		if err != nil {
			return nil, fmt.Errorf("output %q is not a boolean", trimmed)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown capture format %q", f)
}

// Step is one shell command of a Setup, Reduce or agent sequence. In YAML a
// step may be written as a bare string, which is taken as its command.
type Step struct {
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	Shell         string            `json:"shell" yaml:"shell"`
	Capture       string            `json:"capture,omitempty" yaml:"capture,omitempty"`
	CaptureFormat CaptureFormat     `json:"capture_format,omitempty" yaml:"capture_format,omitempty"`
	When          string            `json:"when,omitempty" yaml:"when,omitempty"`
	Timeout       Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	AllowFailure  bool              `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// CommitRequired fails a successful step that left HEAD of its
	// directory unchanged.
	CommitRequired bool `json:"commit_required,omitempty" yaml:"commit_required,omitempty"`

	OnFailure *OnFailure `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// OnFailure handles a failed step. The handler command sees the failure in
// the error and last_error variables. The step is then run again up to
// MaxRetries times. If it still fails the step fails, unless Continue is
// set. In YAML a bare string is taken as the handler command.
type OnFailure struct {
	Shell      string `json:"shell,omitempty" yaml:"shell,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Continue   bool   `json:"continue,omitempty" yaml:"continue,omitempty"`
}

func (h *OnFailure) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		h.Shell = node.Value
		return nil
	}
	type plain OnFailure
	return node.Decode((*plain)(h))
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Shell = node.Value
		return nil
	}
	type plain Step
	return node.Decode((*plain)(s))
}

// Label returns the step's name, or its command when unnamed.
func (s *Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Shell
}

func (s *Step) validate() error {
	if strings.TrimSpace(s.Shell) == "" {
		return fmt.Errorf("step %q has no shell command", s.Name)
	}
	if h := s.OnFailure; h != nil {
		if h.MaxRetries < 0 {
			return fmt.Errorf("step %q on_failure max_retries must not be negative", s.Label())
		}
		if strings.TrimSpace(h.Shell) == "" && h.MaxRetries == 0 && !h.Continue {
			return fmt.Errorf("step %q on_failure needs a shell command, max_retries or continue", s.Label())
		}
	}
	switch s.CaptureFormat {
	case "", CaptureString, CaptureJSON, CaptureLines, CaptureNumber, CaptureBoolean:
		return nil
	}
	return fmt.Errorf("step %q has unknown capture format %q", s.Label(), s.CaptureFormat)
}

// MapConfig describes the Map phase.
type MapConfig struct {
	// Input is a JSON file path or a command whose output lines are the
	// work items. It may reference variables.
	Input    string `json:"input" yaml:"input"`
	JSONPath string `json:"json_path,omitempty" yaml:"json_path,omitempty"`

	// Filter is an expression evaluated per item. Items for which it is
	// false are dropped.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`

	// SortBy is a field path with an optional " desc" or " asc" suffix.
	SortBy string `json:"sort_by,omitempty" yaml:"sort_by,omitempty"`

	// Distinct is a field path used to drop duplicate items.
	Distinct string `json:"distinct,omitempty" yaml:"distinct,omitempty"`
	Offset   int    `json:"offset,omitempty" yaml:"offset,omitempty"`
	MaxItems int    `json:"max_items,omitempty" yaml:"max_items,omitempty"`

	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`

	// RetryLimit is the total number of attempts per item.
	RetryLimit         int      `json:"retry_limit,omitempty" yaml:"retry_limit,omitempty"`
	PermanentExitCodes []int    `json:"permanent_exit_codes,omitempty" yaml:"permanent_exit_codes,omitempty"`
	RetryBackoff       Duration `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`
	AgentTimeout       Duration `json:"agent_timeout,omitempty" yaml:"agent_timeout,omitempty"`

	Agent []*Step `json:"agent" yaml:"agent"`
}

// ErrorPolicy bounds how many item failures a job tolerates.
type ErrorPolicy struct {
	// MaxFailures stops the Map phase once this many items have failed.
	// Zero means unlimited.
	MaxFailures int `json:"max_failures,omitempty" yaml:"max_failures,omitempty"`

	// FailureThreshold stops the Map phase once the fraction of all items
	// that failed exceeds it. Zero disables the check.
	FailureThreshold float64 `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`

	// ContinueOnFailure keeps dispatching after an item failed. Nil means
	// true.
	ContinueOnFailure *bool `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`

	OnItemFailure ItemFailureAction `json:"on_item_failure,omitempty" yaml:"on_item_failure,omitempty"`
}

// ItemFailureAction is what happens to an item that used up its attempts.
type ItemFailureAction string

const (
	// ItemFailureDLQ records the item in the dead letter queue.
	ItemFailureDLQ ItemFailureAction = "dlq"
	// ItemFailureRetry is ItemFailureDLQ; attempts come from retry_limit.
	ItemFailureRetry ItemFailureAction = "retry"
	// ItemFailureSkip marks the item failed without a DLQ entry.
	ItemFailureSkip ItemFailureAction = "skip"
	// ItemFailureStop stops the Map phase at the first failed item.
	ItemFailureStop ItemFailureAction = "stop"
)

func (p ErrorPolicy) validate() error {
	if p.FailureThreshold < 0 || p.FailureThreshold > 1 {
		return fmt.Errorf("failure_threshold must be between 0 and 1")
	}
	switch p.OnItemFailure {
	case "", ItemFailureDLQ, ItemFailureRetry, ItemFailureSkip, ItemFailureStop:
		return nil
	}
	return fmt.Errorf("unknown on_item_failure action %q", p.OnItemFailure)
}

// stopOnFailure reports whether one failed item stops the Map phase.
func (p ErrorPolicy) stopOnFailure() bool {
	return p.OnItemFailure == ItemFailureStop || (p.ContinueOnFailure != nil && !*p.ContinueOnFailure)
}

// CheckpointPolicy controls incremental Map checkpoints.
type CheckpointPolicy struct {
	EveryItems int      `json:"every_items,omitempty" yaml:"every_items,omitempty"`
	Interval   Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	History    int      `json:"history,omitempty" yaml:"history,omitempty"`
}
