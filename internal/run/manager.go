// Package run tracks test executions requested through the API.
package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/uiregress/internal/orchestrator"
	"github.com/shehryarbajwa/uiregress/internal/script"
	"github.com/shehryarbajwa/uiregress/internal/store"
	"github.com/shehryarbajwa/uiregress/pkg/models"
)

var (
	// ErrBusy is returned when every run slot is taken
	ErrBusy = errors.New("too many concurrent runs")
	// ErrRunNotFound is returned for an unknown or expired run id
	ErrRunNotFound = errors.New("run not found")
	// ErrNotLive is returned when a run has no display session attached
	ErrNotLive = errors.New("run is not live")
)

// Orchestrator runs a script across engines
type Orchestrator interface {
	Run(ctx context.Context, s *script.Script, kinds []models.EngineKind, opts ...orchestrator.RunOption) (*models.AggregateResult, error)
}

// Config bounds how many runs execute and how long they are kept
type Config struct {
	DefaultEngines []models.EngineKind
	MaxConcurrent  int
	Deadline       time.Duration // whole run, zero means unbounded
	EngineTimeout  time.Duration
	Retention      time.Duration // finished runs are forgotten after this long
	Policy         models.SuccessPolicy
}

type record struct {
	mu     sync.Mutex
	run    models.Run
	expiry *time.Timer
}

func (r *record) snapshot() models.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

func (r *record) update(fn func(*models.Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.run)
}

// Manager handles all run operations
type Manager struct {
	store  store.Store
	orch   Orchestrator
	cfg    Config
	logger logrus.FieldLogger

	slots *semaphore.Weighted
	runs  sync.Map // map[runID]*record
	live  sync.Map // map[runID]orchestrator.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a run manager
func NewManager(st store.Store, orch Orchestrator, cfg Config, logger logrus.FieldLogger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if len(cfg.DefaultEngines) == 0 {
		cfg.DefaultEngines = models.AllEngines
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  st,
		orch:   orch,
		cfg:    cfg,
		logger: logger,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Execute resolves and validates the test, then runs it. Synchronous calls
// return the finished run; async calls return the queued run immediately.
// A run that failed to start its display is returned together with the error.
func (m *Manager) Execute(ctx context.Context, req models.ExecuteRequest) (models.Run, error) {
	test, err := m.store.Lookup(ctx, req.TestID)
	if err != nil {
		return models.Run{}, err
	}

	s, err := script.Parse(test.ID, test.Script)
	if err != nil {
		return models.Run{}, err
	}

	kinds := req.Engines
	if len(kinds) == 0 {
		kinds = m.cfg.DefaultEngines
	}

	if !m.slots.TryAcquire(1) {
		return models.Run{}, fmt.Errorf("%w: limit is %d", ErrBusy, m.cfg.MaxConcurrent)
	}

	id := uuid.New().String()
	rec := &record{run: models.Run{
		ID:        id,
		TestID:    test.ID,
		Status:    models.StatusQueued,
		Engines:   kinds,
		StartedAt: time.Now(),
		LiveURL:   fmt.Sprintf("/v1/runs/%s/live", id),
	}}
	m.runs.Store(id, rec)

	if req.Async {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = m.execute(m.ctx, rec, s)
		}()
		return rec.snapshot(), nil
	}

	err = m.execute(ctx, rec, s)
	return rec.snapshot(), err
}

func (m *Manager) execute(ctx context.Context, rec *record, s *script.Script) error {
	defer m.slots.Release(1)

	current := rec.snapshot()
	log := m.logger.WithFields(logrus.Fields{"run_id": current.ID, "test_id": current.TestID})

	if m.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Deadline)
		defer cancel()
	}

	hook := func(sess orchestrator.Session) {
		m.live.Store(current.ID, sess)
		rec.update(func(r *models.Run) {
			r.Status = models.StatusRunning
			r.SessionID = sess.ID()
			r.Display = sess.Display()
		})
	}

	opts := []orchestrator.RunOption{
		orchestrator.WithSessionHook(hook),
		orchestrator.WithLogger(log),
	}
	if m.cfg.EngineTimeout > 0 {
		opts = append(opts, orchestrator.WithEngineTimeout(m.cfg.EngineTimeout))
	}
	if m.cfg.Policy != "" {
		opts = append(opts, orchestrator.WithRunPolicy(m.cfg.Policy))
	}

	result, err := m.orch.Run(ctx, s, current.Engines, opts...)
	m.live.Delete(current.ID)

	finished := time.Now()
	rec.update(func(r *models.Run) {
		r.FinishedAt = &finished
		if err != nil {
			r.Status = models.StatusError
			r.Error = err.Error()
			return
		}
		r.Status = models.StatusCompleted
		r.Result = result
	})
	m.scheduleExpiry(rec)

	if err != nil {
		log.WithError(err).Error("run failed to start")
		return err
	}
	log.WithField("success", result.Success).Info("run completed")
	return nil
}

// scheduleExpiry forgets a finished run after the retention period
func (m *Manager) scheduleExpiry(rec *record) {
	if m.cfg.Retention <= 0 {
		return
	}
	id := rec.snapshot().ID
	rec.mu.Lock()
	rec.expiry = time.AfterFunc(m.cfg.Retention, func() {
		m.runs.Delete(id)
	})
	rec.mu.Unlock()
}

// Get retrieves a run by ID
func (m *Manager) Get(id string) (models.Run, error) {
	value, ok := m.runs.Load(id)
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return value.(*record).snapshot(), nil
}

// List returns runs, newest first, optionally filtered by status
func (m *Manager) List(status models.RunStatus) []models.Run {
	var runs []models.Run

	m.runs.Range(func(_, value any) bool {
		r := value.(*record).snapshot()
		if status != "" && r.Status != status {
			return true
		}
		runs = append(runs, r)
		return true
	})

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs
}

// Live returns the display session of a run that is currently executing
func (m *Manager) Live(id string) (orchestrator.Session, error) {
	if _, ok := m.runs.Load(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	value, ok := m.live.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLive, id)
	}
	return value.(orchestrator.Session), nil
}

// Close cancels async runs, waits for them and stops expiry timers
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	m.runs.Range(func(_, value any) bool {
		rec := value.(*record)
		rec.mu.Lock()
		if rec.expiry != nil {
			rec.expiry.Stop()
		}
		rec.mu.Unlock()
		return true
	})
}
