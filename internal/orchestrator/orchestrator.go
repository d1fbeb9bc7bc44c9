// Package orchestrator runs one script across several engines that share a
// single display session and aggregates their verdicts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/uiregress/internal/metrics"
	"github.com/shehryarbajwa/uiregress/internal/script"
	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// ErrNoEngines is returned before any session starts when no engine is requested
var ErrNoEngines = errors.New("no engines requested")

// Session is the display shared by every runner of one orchestration
type Session interface {
	ID() string
	Display() string
	Subscribe() (<-chan []byte, func())
	Stop() error
}

// SessionStarter starts display sessions
type SessionStarter interface {
	Start(ctx context.Context) (Session, error)
}

// StarterFunc adapts a function to SessionStarter
type StarterFunc func(ctx context.Context) (Session, error)

func (f StarterFunc) Start(ctx context.Context) (Session, error) { return f(ctx) }

// EngineRunner runs a script on one engine. Failures are reported in the outcome.
type EngineRunner interface {
	Execute(ctx context.Context, s *script.Script, kind models.EngineKind, display string) (models.RunOutcome, error)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPolicy sets the default success policy
func WithPolicy(p models.SuccessPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMetrics records run metrics on c
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

type runOptions struct {
	hook          func(Session)
	engineTimeout time.Duration
	policy        models.SuccessPolicy
	logger        logrus.FieldLogger
}

// RunOption configures a single Run call
type RunOption func(*runOptions)

// WithSessionHook is called with the session once it is up, before any runner starts.
// The hook must not block.
func WithSessionHook(hook func(Session)) RunOption {
	return func(r *runOptions) { r.hook = hook }
}

// WithEngineTimeout bounds every runner of this run
func WithEngineTimeout(d time.Duration) RunOption {
	return func(r *runOptions) { r.engineTimeout = d }
}

// WithRunPolicy overrides the success policy for this run
func WithRunPolicy(p models.SuccessPolicy) RunOption {
	return func(r *runOptions) { r.policy = p }
}

// WithLogger adds run scoped fields to the orchestrator's logs
func WithLogger(l logrus.FieldLogger) RunOption {
	return func(r *runOptions) { r.logger = l }
}

// Orchestrator coordinates a session and its runners
type Orchestrator struct {
	sessions SessionStarter
	runner   EngineRunner
	policy   models.SuccessPolicy
	logger   logrus.FieldLogger
	metrics  *metrics.Collector
}

// New creates an orchestrator
func New(sessions SessionStarter, runner EngineRunner, logger logrus.FieldLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		runner:   runner,
		policy:   models.PolicyAll,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run starts one session, runs every engine concurrently on it, waits for all
// of them and stops the session. Only a failure to start or a request
// without engines is returned as an error; engine failures are outcomes.
func (o *Orchestrator) Run(ctx context.Context, s *script.Script, kinds []models.EngineKind, opts ...RunOption) (*models.AggregateResult, error) {
	ro := runOptions{policy: o.policy, logger: o.logger}
	for _, opt := range opts {
		opt(&ro)
	}

	if len(kinds) == 0 {
		return nil, ErrNoEngines
	}

	start := time.Now()
	session, err := o.sessions.Start(ctx)
	if err != nil {
		err = fmt.Errorf("failed to start display session: %w", err)
		o.metrics.RunFinished(nil, err, time.Since(start))
		return nil, err
	}

	log := ro.logger.WithFields(logrus.Fields{
		"session_id": session.ID(),
		"display":    session.Display(),
	})
	log.WithField("engines", kinds).Info("display session up, starting engines")

	if ro.hook != nil {
		ro.hook(session)
	}

	outcomes := make([]models.RunOutcome, len(kinds))

	// errgroup.Group without WithContext: one engine failing never cancels the others
	var g errgroup.Group
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			runCtx := ctx
			if ro.engineTimeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, ro.engineTimeout)
				defer cancel()
			}
			outcomes[i], _ = o.runner.Execute(runCtx, s, kind, session.Display())
			return nil
		})
	}
	_ = g.Wait()

	if err := session.Stop(); err != nil {
		log.WithError(err).Warn("display session did not stop cleanly")
	}

	result := models.NewAggregateResult(outcomes, ro.policy)
	elapsed := time.Since(start)
	o.metrics.RunFinished(result, nil, elapsed)

	log.WithFields(logrus.Fields{
		"success":  result.Success,
		"failed":   len(result.Failed()),
		"duration": elapsed,
	}).Info("run finished")

	return result, nil
}
