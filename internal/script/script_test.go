package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginJSON = `{
  "name": "login",
  "steps": [
    {"action": "navigate", "value": "https://example.test/login"},
    {"action": "type", "target": "#user", "value": "alice"},
    {"action": "click", "target": "//button[@type='submit']", "by": "xpath"},
    {"action": "wait_visible", "target": ".welcome", "timeout": "2s"},
    {"action": "assert_text", "target": ".welcome", "value": "Hello"}
  ]
}`

const loginYAML = `
name: login
steps:
  - action: navigate
    value: https://example.test/login
  - action: sleep
    timeout: 250
  - action: assert_title
    value: Login
`

func TestParseJSON(t *testing.T) {
	s, err := Parse("t-1", loginJSON)
	require.NoError(t, err)
	assert.Equal(t, "t-1", s.ID)
	assert.Equal(t, "login", s.Name)
	require.Len(t, s.Steps, 5)
	assert.Equal(t, ByXPath, s.Steps[2].Locator())
	assert.Equal(t, ByCSS, s.Steps[1].Locator())
	assert.Equal(t, Duration(2*time.Second), s.Steps[3].Timeout)
}

func TestParseYAML(t *testing.T) {
	s, err := Parse("t-2", loginYAML)
	require.NoError(t, err)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, Duration(250*time.Millisecond), s.Steps[1].Timeout)
}

func TestParseBareList(t *testing.T) {
	s, err := Parse("t-3", `[{"action":"navigate","value":"about:blank"}]`)
	require.NoError(t, err)
	require.Len(t, s.Steps, 1)

	s, err = Parse("t-4", "- action: refresh\n- action: back\n")
	require.NoError(t, err)
	require.Len(t, s.Steps, 2)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"empty":          "   ",
		"host code":      `await driver.get("https://example.test"); require("child_process")`,
		"unknown action": `[{"action":"eval","value":"1+1"}]`,
		"missing target": `[{"action":"click"}]`,
		"missing value":  `[{"action":"type","target":"#q"}]`,
		"bad locator":    `[{"action":"click","target":"#q","by":"magic"}]`,
		"sleep no time":  `[{"action":"sleep"}]`,
		"no steps":       `{"name":"nothing"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("bad", body)
			require.ErrorIs(t, err, ErrInvalidScript)
		})
	}
}

type fakeDriver struct {
	calls  []string
	title  string
	url    string
	texts  map[string]string
	failOn string
}

func (f *fakeDriver) record(call string) error {
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return errors.New("no such element")
	}
	return nil
}

func (f *fakeDriver) Navigate(url string) error { f.url = url; return f.record("navigate " + url) }
func (f *fakeDriver) Back() error               { return f.record("back") }
func (f *fakeDriver) Refresh() error            { return f.record("refresh") }
func (f *fakeDriver) Click(by, target string) error {
	return f.record(fmt.Sprintf("click %s=%s", by, target))
}
func (f *fakeDriver) Type(by, target, text string) error {
	return f.record(fmt.Sprintf("type %s=%s %s", by, target, text))
}
func (f *fakeDriver) Clear(by, target string) error  { return f.record("clear " + target) }
func (f *fakeDriver) Submit(by, target string) error { return f.record("submit " + target) }
func (f *fakeDriver) Text(by, target string) (string, error) {
	return f.texts[target], f.record("text " + target)
}
func (f *fakeDriver) WaitVisible(by, target string, timeout time.Duration) error {
	return f.record(fmt.Sprintf("wait %s %s", target, timeout))
}
func (f *fakeDriver) Title() (string, error)      { return f.title, f.record("title") }
func (f *fakeDriver) CurrentURL() (string, error) { return f.url, f.record("url") }
func (f *fakeDriver) Screenshot() ([]byte, error) { return []byte("png"), f.record("screenshot") }

func TestExecuteRunsStepsInOrder(t *testing.T) {
	s, err := Parse("t", loginJSON)
	require.NoError(t, err)

	d := &fakeDriver{texts: map[string]string{".welcome": "Hello, alice"}}
	require.NoError(t, (&Executor{}).Execute(context.Background(), s, d))

	assert.Equal(t, []string{
		"navigate https://example.test/login",
		"type css=#user alice",
		"click xpath=//button[@type='submit']",
		"wait .welcome 2s",
		"text .welcome",
	}, d.calls)
}

func TestExecuteStopsAtFailingStep(t *testing.T) {
	s, err := Parse("t", loginJSON)
	require.NoError(t, err)

	d := &fakeDriver{failOn: "click"}
	err = (&Executor{}).Execute(context.Background(), s, d)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Index)
	assert.Equal(t, ActionClick, stepErr.Action)
	assert.Len(t, d.calls, 3)
}

func TestExecuteAssertionFailure(t *testing.T) {
	s, err := Parse("t", `[{"action":"assert_title","value":"Dashboard"}]`)
	require.NoError(t, err)

	err = (&Executor{}).Execute(context.Background(), s, &fakeDriver{title: "Login"})

	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "Login", assertErr.Got)
}

func TestExecuteHonoursCancellation(t *testing.T) {
	s, err := Parse("t", `[{"action":"sleep","timeout":"10s"},{"action":"refresh"}]`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d := &fakeDriver{}
	err = (&Executor{}).Execute(ctx, s, d)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, d.calls)
}

func TestExecuteScreenshotSink(t *testing.T) {
	s, err := Parse("t", `[{"action":"navigate","value":"about:blank"},{"action":"screenshot"}]`)
	require.NoError(t, err)

	var gotStep int
	var gotPNG []byte
	e := &Executor{Screenshots: func(step int, png []byte) error {
		gotStep, gotPNG = step, png
		return nil
	}}
	require.NoError(t, e.Execute(context.Background(), s, &fakeDriver{}))
	assert.Equal(t, 1, gotStep)
	assert.Equal(t, []byte("png"), gotPNG)
}

func TestWaitVisibleDefaultTimeout(t *testing.T) {
	s, err := Parse("t", `[{"action":"wait_visible","target":"#app"}]`)
	require.NoError(t, err)

	d := &fakeDriver{}
	require.NoError(t, (&Executor{WaitTimeout: 3 * time.Second}).Execute(context.Background(), s, d))
	assert.Equal(t, []string{"wait #app 3s"}, d.calls)
}
