package run

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/uiregress/internal/display"
	"github.com/shehryarbajwa/uiregress/internal/logging"
	"github.com/shehryarbajwa/uiregress/internal/orchestrator"
	"github.com/shehryarbajwa/uiregress/internal/script"
	"github.com/shehryarbajwa/uiregress/internal/store"
	"github.com/shehryarbajwa/uiregress/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const validScript = `[{"action":"navigate","value":"https://example.test"}]`

type stubSession struct{}

func (stubSession) ID() string      { return "session-1" }
func (stubSession) Display() string { return ":99" }
func (stubSession) Stop() error     { return nil }
func (stubSession) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte)
	close(ch)
	return ch, func() {}
}

type stubRunner struct {
	gate  chan struct{} // Execute waits for it when non-nil
	calls atomic.Int32
}

func (r *stubRunner) Execute(ctx context.Context, _ *script.Script, kind models.EngineKind, _ string) (models.RunOutcome, error) {
	r.calls.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return models.RunOutcome{Engine: kind, Status: models.OutcomeFailure, Failure: models.FailureCanceled}, ctx.Err()
		}
	}
	return models.RunOutcome{Engine: kind, Status: models.OutcomeSuccess}, nil
}

type fixture struct {
	manager *Manager
	runner  *stubRunner
	starts  *atomic.Int32
}

func newFixture(t *testing.T, cfg Config, startErr error) *fixture {
	t.Helper()
	st := store.NewMemory(
		models.Test{ID: "1", Name: "home", Script: validScript},
		models.Test{ID: "bad", Script: `console.log("hi")`},
	)

	starts := &atomic.Int32{}
	starter := orchestrator.StarterFunc(func(context.Context) (orchestrator.Session, error) {
		starts.Add(1)
		if startErr != nil {
			return nil, startErr
		}
		return stubSession{}, nil
	})
	runner := &stubRunner{}
	orch := orchestrator.New(starter, runner, logging.Discard())

	m := NewManager(st, orch, cfg, logging.Discard())
	t.Cleanup(m.Close)
	return &fixture{manager: m, runner: runner, starts: starts}
}

func TestExecuteUnknownTest(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2}, nil)

	_, err := f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "404"})
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.starts.Load())
	assert.Empty(t, f.manager.List(""))
}

func TestExecuteInvalidScript(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2}, nil)

	_, err := f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "bad"})
	require.ErrorIs(t, err, script.ErrInvalidScript)
	assert.Zero(t, f.starts.Load())
}

func TestExecuteSync(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2}, nil)

	r, err := f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "1"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, "session-1", r.SessionID)
	assert.Equal(t, ":99", r.Display)
	require.NotNil(t, r.Result)
	assert.True(t, r.Result.Success)
	assert.Len(t, r.Result.Outcomes, len(models.AllEngines))
	assert.NotNil(t, r.FinishedAt)

	got, err := f.manager.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestExecuteRequestedEngines(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2}, nil)

	r, err := f.manager.Execute(context.Background(), models.ExecuteRequest{
		TestID:  "1",
		Engines: []models.EngineKind{models.EngineGecko},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.EngineKind{models.EngineGecko}, r.Engines)
	assert.EqualValues(t, 1, f.runner.calls.Load())
}

func TestExecuteSessionFailure(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2}, display.ErrDisplayUnavailable)

	r, err := f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "1"})
	require.ErrorIs(t, err, display.ErrDisplayUnavailable)
	assert.Equal(t, models.StatusError, r.Status)
	assert.NotEmpty(t, r.Error)
	assert.Zero(t, f.runner.calls.Load())
}

func TestAsyncRunIsLiveAndSlotsAreBounded(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1}, nil)
	f.runner.gate = make(chan struct{})

	r, err := f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "1", Async: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, r.Status)

	require.Eventually(t, func() bool {
		_, err := f.manager.Live(r.ID)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "1"})
	require.ErrorIs(t, err, ErrBusy)

	running := f.manager.List(models.StatusRunning)
	require.Len(t, running, 1)
	assert.Equal(t, r.ID, running[0].ID)

	close(f.runner.gate)
	require.Eventually(t, func() bool {
		got, err := f.manager.Get(r.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.manager.Live(r.ID)
	require.ErrorIs(t, err, ErrNotLive)

	// the slot was released
	_, err = f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "1"})
	require.NoError(t, err)
}

func TestFinishedRunsExpire(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, Retention: 20 * time.Millisecond}, nil)

	r, err := f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.manager.Get(r.ID)
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.manager.Live(r.ID)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestCloseCancelsAsyncRuns(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1}, nil)
	f.runner.gate = make(chan struct{})

	r, err := f.manager.Execute(context.Background(), models.ExecuteRequest{TestID: "1", Async: true})
	require.NoError(t, err)

	f.manager.Close()

	got, err := f.manager.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.False(t, got.Result.Success)
}
