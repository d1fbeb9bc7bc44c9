// Package runner executes one script against one browser engine on a display
// and reports the verdict as a models.RunOutcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/uiregress/internal/engine"
	"github.com/shehryarbajwa/uiregress/internal/metrics"
	"github.com/shehryarbajwa/uiregress/internal/script"
	"github.com/shehryarbajwa/uiregress/pkg/models"
)

var (
	ErrUnsupportedEngine = errors.New("unsupported engine")
	ErrLaunchFailed      = errors.New("engine launch failed")
	ErrScriptFailed      = errors.New("script failed")
	ErrTimeout           = errors.New("engine run timed out")
	ErrCanceled          = errors.New("engine run canceled")
)

// Config bounds a single engine run
type Config struct {
	Timeout       time.Duration // launch to verdict, layered over the caller's context
	QuitTimeout   time.Duration // budget for closing the instance
	WaitTimeout   time.Duration // default for wait_visible steps
	ScreenshotDir string        // screenshots are discarded when empty
}

// Runner drives engines through a provisioner
type Runner struct {
	provisioner engine.Provisioner
	cfg         Config
	logger      logrus.FieldLogger
	metrics     *metrics.Collector
}

// New creates a runner. m may be nil.
func New(p engine.Provisioner, cfg Config, logger logrus.FieldLogger, m *metrics.Collector) *Runner {
	if cfg.QuitTimeout <= 0 {
		cfg.QuitTimeout = 10 * time.Second
	}
	return &Runner{provisioner: p, cfg: cfg, logger: logger, metrics: m}
}

// Execute launches kind bound to display, runs s and closes the instance.
// The returned error matches the outcome's failure kind and is nil on success.
func (r *Runner) Execute(ctx context.Context, s *script.Script, kind models.EngineKind, display string) (models.RunOutcome, error) {
	start := time.Now()
	log := r.logger.WithFields(logrus.Fields{"engine": kind, "display": display, "script": s.ID})

	err := r.execute(ctx, s, kind, display, log)
	outcome := newOutcome(kind, err, time.Since(start))
	r.metrics.EngineFinished(outcome)

	if err != nil {
		log.WithError(err).WithField("failure", outcome.Failure).Warn("engine run failed")
	} else {
		log.WithField("duration", outcome.Duration).Info("engine run passed")
	}
	return outcome, err
}

func (r *Runner) execute(ctx context.Context, s *script.Script, kind models.EngineKind, display string, log logrus.FieldLogger) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedEngine, kind)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if r.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	inst, err := r.provisioner.Launch(runCtx, kind, display)
	if err != nil {
		if runCtx.Err() != nil {
			return interrupted(ctx, err)
		}
		if errors.Is(err, engine.ErrUnsupported) {
			return fmt.Errorf("%w: %v", ErrUnsupportedEngine, err)
		}
		return fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	defer r.closeInstance(inst, log)

	executor := &script.Executor{
		WaitTimeout: r.cfg.WaitTimeout,
		Screenshots: r.screenshotSink(s.ID, kind),
	}

	done := make(chan error, 1)
	go func() {
		done <- executor.Execute(runCtx, s, inst.Driver())
	}()

	select {
	case err = <-done:
	case <-runCtx.Done():
		// blocked driver calls only return once the engine is gone
		r.closeInstance(inst, log)
		select {
		case <-done:
		case <-time.After(r.cfg.QuitTimeout):
			log.Warn("script goroutine still blocked after engine shutdown")
		}
		return interrupted(ctx, runCtx.Err())
	}

	if err == nil {
		return nil
	}
	if runCtx.Err() != nil {
		return interrupted(ctx, err)
	}
	return fmt.Errorf("%w: %w", ErrScriptFailed, err)
}

// interrupted maps a context ending to timeout or cancellation.
// Only an explicit cancel of the caller's context counts as canceled.
func interrupted(outer context.Context, cause error) error {
	if errors.Is(outer.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCanceled, cause)
	}
	return fmt.Errorf("%w: %v", ErrTimeout, cause)
}

// closeInstance always gets a fresh context so teardown survives the run's deadline
func (r *Runner) closeInstance(inst *engine.Instance, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.QuitTimeout)
	defer cancel()
	if err := inst.Close(ctx); err != nil {
		log.WithError(err).Warn("failed to close engine instance")
	}
}

func (r *Runner) screenshotSink(scriptID string, kind models.EngineKind) script.ScreenshotSink {
	if r.cfg.ScreenshotDir == "" {
		return nil
	}
	dir := filepath.Join(r.cfg.ScreenshotDir, scriptID)
	prefix := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])

	return func(step int, png []byte) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create screenshot directory: %w", err)
		}
		name := filepath.Join(dir, fmt.Sprintf("%s-step%d.png", prefix, step))
		return os.WriteFile(name, png, 0o644)
	}
}

func newOutcome(kind models.EngineKind, err error, elapsed time.Duration) models.RunOutcome {
	o := models.RunOutcome{
		Engine:   kind,
		Status:   models.OutcomeSuccess,
		Duration: elapsed,
	}
	if err == nil {
		return o
	}

	o.Status = models.OutcomeFailure
	o.Detail = err.Error()
	switch {
	case errors.Is(err, ErrUnsupportedEngine):
		o.Failure = models.FailureUnsupportedEngine
	case errors.Is(err, ErrLaunchFailed):
		o.Failure = models.FailureLaunch
	case errors.Is(err, ErrTimeout):
		o.Failure = models.FailureTimeout
	case errors.Is(err, ErrCanceled):
		o.Failure = models.FailureCanceled
	default:
		o.Failure = models.FailureScript
	}

	var stepErr *script.StepError
	if errors.As(err, &stepErr) {
		index := stepErr.Index
		o.Step = &index
	}
	return o
}
