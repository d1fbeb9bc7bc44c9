package script

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Driver is the remote automation surface a script runs against.
// Implementations forward each call to a browser engine over its own protocol.
type Driver interface {
	Navigate(url string) error
	Back() error
	Refresh() error
	Click(by, target string) error
	Type(by, target, text string) error
	Clear(by, target string) error
	Submit(by, target string) error
	Text(by, target string) (string, error)
	WaitVisible(by, target string, timeout time.Duration) error
	Title() (string, error)
	CurrentURL() (string, error)
	Screenshot() ([]byte, error)
}

// ScreenshotSink receives screenshots taken by "screenshot" steps
type ScreenshotSink func(step int, png []byte) error

// StepError reports which step failed and why
type StepError struct {
	Index  int
	Action Action
	Label  string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Label, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// AssertionError is a failed assert_* step
type AssertionError struct {
	Want string
	Got  string
	What string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("expected %s to contain %q, got %q", e.What, e.Want, e.Got)
}

// DefaultWaitTimeout bounds wait_visible steps without their own timeout
const DefaultWaitTimeout = 10 * time.Second

// Executor runs a script against one driver
type Executor struct {
	Screenshots ScreenshotSink
	WaitTimeout time.Duration
}

// Execute runs every step in order and stops at the first failure.
// ctx is checked between steps; a canceled ctx returns ctx.Err().
func (e *Executor) Execute(ctx context.Context, s *Script, d Driver) error {
	for i, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.run(ctx, i, step, d); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &StepError{Index: i, Action: step.Action, Label: step.Label(), Err: err}
		}
	}
	return nil
}

func (e *Executor) run(ctx context.Context, index int, step Step, d Driver) error {
	by := step.Locator()

	switch step.Action {
	case ActionNavigate:
		return d.Navigate(step.Value)
	case ActionBack:
		return d.Back()
	case ActionRefresh:
		return d.Refresh()
	case ActionClick:
		return d.Click(by, step.Target)
	case ActionType:
		return d.Type(by, step.Target, step.Value)
	case ActionClear:
		return d.Clear(by, step.Target)
	case ActionSubmit:
		return d.Submit(by, step.Target)
	case ActionWaitVisible:
		timeout := time.Duration(step.Timeout)
		if timeout <= 0 {
			timeout = e.WaitTimeout
		}
		if timeout <= 0 {
			timeout = DefaultWaitTimeout
		}
		return d.WaitVisible(by, step.Target, timeout)
	case ActionAssertText:
		got, err := d.Text(by, step.Target)
		if err != nil {
			return err
		}
		return contains("text of "+step.Target, step.Value, got)
	case ActionAssertTitle:
		got, err := d.Title()
		if err != nil {
			return err
		}
		return contains("title", step.Value, got)
	case ActionAssertURL:
		got, err := d.CurrentURL()
		if err != nil {
			return err
		}
		return contains("url", step.Value, got)
	case ActionSleep:
		timer := time.NewTimer(time.Duration(step.Timeout))
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case ActionScreenshot:
		png, err := d.Screenshot()
		if err != nil {
			return err
		}
		if e.Screenshots == nil {
			return nil
		}
		return e.Screenshots(index, png)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func contains(what, want, got string) error {
	if strings.Contains(got, want) {
		return nil
	}
	return &AssertionError{What: what, Want: want, Got: got}
}
