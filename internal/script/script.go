// Package script parses stored test scripts and executes them step by step
// through a browser automation driver. Script bodies are data: nothing in
// them is ever evaluated in the host process.
package script

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidScript is returned when a body cannot be parsed or validated
var ErrInvalidScript = errors.New("invalid script")

// Action is one automation command
type Action string

const (
	ActionNavigate    Action = "navigate"
	ActionClick       Action = "click"
	ActionType        Action = "type"
	ActionClear       Action = "clear"
	ActionSubmit      Action = "submit"
	ActionWaitVisible Action = "wait_visible"
	ActionAssertText  Action = "assert_text"
	ActionAssertTitle Action = "assert_title"
	ActionAssertURL   Action = "assert_url"
	ActionSleep       Action = "sleep"
	ActionBack        Action = "back"
	ActionRefresh     Action = "refresh"
	ActionScreenshot  Action = "screenshot"
)

// Locator strategies accepted in the "by" field
const (
	ByCSS      = "css"
	ByXPath    = "xpath"
	ByID       = "id"
	ByName     = "name"
	ByLinkText = "link_text"
)

var actionRules = map[Action]struct {
	target bool
	value  bool
}{
	ActionNavigate:    {value: true},
	ActionClick:       {target: true},
	ActionType:        {target: true, value: true},
	ActionClear:       {target: true},
	ActionSubmit:      {target: true},
	ActionWaitVisible: {target: true},
	ActionAssertText:  {target: true, value: true},
	ActionAssertTitle: {value: true},
	ActionAssertURL:   {value: true},
	ActionSleep:       {},
	ActionBack:        {},
	ActionRefresh:     {},
	ActionScreenshot:  {},
}

// Duration accepts "1.5s" style strings in JSON and YAML
type Duration time.Duration

// UnmarshalJSON parses a duration string or a number of milliseconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// UnmarshalYAML parses a duration string or a number of milliseconds
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms float64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Step is one command of a script
type Step struct {
	Action  Action   `json:"action" yaml:"action"`
	Target  string   `json:"target,omitempty" yaml:"target,omitempty"`
	By      string   `json:"by,omitempty" yaml:"by,omitempty"`
	Value   string   `json:"value,omitempty" yaml:"value,omitempty"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
}

// Script is an immutable, validated sequence of steps
type Script struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Parse decodes a JSON or YAML body and validates every step.
// A bare list of steps is accepted as well as an object with a "steps" key.
func Parse(id, body string) (*Script, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidScript)
	}

	var s Script
	if err := decode(trimmed, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if s.ID == "" {
		s.ID = id
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func decode(body []byte, s *Script) error {
	switch body[0] {
	case '{':
		return json.Unmarshal(body, s)
	case '[':
		return json.Unmarshal(body, &s.Steps)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(body, &node); err != nil {
		return err
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		return node.Content[0].Decode(&s.Steps)
	}
	return node.Decode(s)
}

// Validate checks actions, required fields and locator strategies
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidScript)
	}

	var errs []error
	for i, step := range s.Steps {
		rule, ok := actionRules[step.Action]
		if !ok {
			errs = append(errs, fmt.Errorf("step %d: unknown action %q", i, step.Action))
			continue
		}
		if rule.target && step.Target == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): target is required", i, step.Action))
		}
		if rule.value && step.Value == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): value is required", i, step.Action))
		}
		if step.By != "" && !validBy(step.By) {
			errs = append(errs, fmt.Errorf("step %d (%s): unknown locator %q", i, step.Action, step.By))
		}
		if step.Action == ActionSleep && step.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("step %d (sleep): timeout is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidScript, errors.Join(errs...))
	}
	return nil
}

func validBy(by string) bool {
	switch strings.ToLower(by) {
	case ByCSS, ByXPath, ByID, ByName, ByLinkText:
		return true
	}
	return false
}

// Locator returns the step's strategy, defaulting to css
func (s Step) Locator() string {
	if s.By == "" {
		return ByCSS
	}
	return strings.ToLower(s.By)
}

// Label names the step for error messages
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Target != "" {
		return fmt.Sprintf("%s %s", s.Action, s.Target)
	}
	if s.Value != "" {
		return fmt.Sprintf("%s %s", s.Action, s.Value)
	}
	return string(s.Action)
}
