// Package display owns isolated virtual X displays and the processes capturing them.
package display

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/uiregress/internal/metrics"
	"github.com/shehryarbajwa/uiregress/internal/process"
)

var (
	// ErrDisplayUnavailable means no virtual surface could be allocated
	ErrDisplayUnavailable = errors.New("display unavailable")
	// ErrCaptureStartFailed means the surface came up but its capture process did not
	ErrCaptureStartFailed = errors.New("capture start failed")
)

// Config describes the surface and capture processes
type Config struct {
	XvfbPath    string
	Width       int
	Height      int
	Depth       int
	DisplayBase int
	MaxDisplays int
	SocketDir   string // where Xvfb creates X<n> sockets
	LockDir     string // where Xvfb creates .X<n>-lock files

	ReadyTimeout time.Duration
	StopTimeout  time.Duration

	CapturePath   string
	CaptureFormat Format
	Framerate     int
	FrameBuffer   int // per subscriber
}

// DefaultConfig mirrors a 1280x1024x24 Xvfb starting at :99
func DefaultConfig() Config {
	return Config{
		XvfbPath:      "Xvfb",
		Width:         1280,
		Height:        1024,
		Depth:         24,
		DisplayBase:   99,
		MaxDisplays:   16,
		SocketDir:     "/tmp/.X11-unix",
		LockDir:       "/tmp",
		ReadyTimeout:  10 * time.Second,
		StopTimeout:   5 * time.Second,
		CapturePath:   "ffmpeg",
		CaptureFormat: FormatMJPEG,
		Framerate:     10,
		FrameBuffer:   32,
	}
}

// BuilderFunc produces the process builder for a display address such as ":99"
type BuilderFunc func(display string) process.Builder

// ReadyFunc blocks until the surface on display number n accepts clients
type ReadyFunc func(ctx context.Context, n int, surface *process.Handle) error

// Manager starts display sessions
type Manager struct {
	cfg     Config
	alloc   *allocator
	logger  logrus.FieldLogger
	metrics *metrics.Collector

	surface BuilderFunc
	capture BuilderFunc
	ready   ReadyFunc
}

// Option customises a Manager
type Option func(*Manager)

// WithSurfaceBuilder replaces the Xvfb command
func WithSurfaceBuilder(fn BuilderFunc) Option {
	return func(m *Manager) { m.surface = fn }
}

// WithCaptureBuilder replaces the capture command
func WithCaptureBuilder(fn BuilderFunc) Option {
	return func(m *Manager) { m.capture = fn }
}

// WithReadyCheck replaces the X socket probe
func WithReadyCheck(fn ReadyFunc) Option {
	return func(m *Manager) { m.ready = fn }
}

// WithMetrics records session and frame metrics
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// NewManager creates a display manager
func NewManager(cfg Config, logger logrus.FieldLogger, opts ...Option) (*Manager, error) {
	if cfg.MaxDisplays <= 0 {
		return nil, fmt.Errorf("max displays must be positive, got %d", cfg.MaxDisplays)
	}
	if _, _, err := splitterFor(cfg.CaptureFormat, cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		alloc:  newAllocator(cfg.DisplayBase, cfg.MaxDisplays, cfg.LockDir),
		logger: logger,
	}
	m.surface = m.xvfbBuilder
	m.capture = m.ffmpegBuilder
	m.ready = m.waitForSocket

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Active returns the number of running sessions
func (m *Manager) Active() int {
	return m.alloc.active()
}

// Start allocates a display, starts the surface, waits for it, then starts capture.
// On any failure everything already started is torn down before returning.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	n, err := m.alloc.acquire()
	if err != nil {
		m.metrics.SessionFailed("exhausted")
		return nil, err
	}
	addr := ":" + strconv.Itoa(n)
	id := uuid.New().String()
	log := m.logger.WithFields(logrus.Fields{"session_id": id, "display": addr})

	surface, err := m.startProcess(ctx, m.surface(addr))
	if err != nil {
		m.alloc.release(n)
		m.metrics.SessionFailed("surface")
		return nil, fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}
	log.WithField("pid", surface.PID()).Debug("display_surface_started")

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	err = m.ready(readyCtx, n, surface)
	cancel()
	if err != nil {
		surface.Kill()
		m.alloc.release(n)
		m.metrics.SessionFailed("surface")
		return nil, fmt.Errorf("%w: %s not ready: %v", ErrDisplayUnavailable, addr, err)
	}

	split, maxSize, err := splitterFor(m.cfg.CaptureFormat, m.cfg.Width, m.cfg.Height)
	if err != nil {
		surface.Kill()
		m.alloc.release(n)
		return nil, fmt.Errorf("%w: %v", ErrCaptureStartFailed, err)
	}

	capture, stdout, err := m.startCapture(ctx, addr)
	if err != nil {
		surface.Kill()
		m.alloc.release(n)
		m.metrics.SessionFailed("capture")
		return nil, fmt.Errorf("%w: %v", ErrCaptureStartFailed, err)
	}
	log.WithField("pid", capture.PID()).Debug("display_capture_started")

	s := &Session{
		id:          id,
		number:      n,
		display:     addr,
		surface:     surface,
		capture:     capture,
		feed:        newFeed(m.cfg.FrameBuffer, m.metrics.FrameDropped),
		pumpDone:    make(chan struct{}),
		done:        make(chan struct{}),
		stopping:    make(chan struct{}),
		stopTimeout: m.cfg.StopTimeout,
		release:     func() { m.alloc.release(n) },
		logger:      log,
		metrics:     m.metrics,
	}
	go s.pump(stdout, split, maxSize)
	go s.watch()

	m.metrics.SessionStarted()
	log.Info("display_session_started")
	return s, nil
}

func (m *Manager) startProcess(ctx context.Context, b process.Builder) (*process.Handle, error) {
	cmd, err := b.BuildCommand(ctx)
	if err != nil {
		return nil, err
	}
	return process.Start(b.Name(), cmd)
}

// startCapture runs the capture process with stdout on an os.Pipe so the
// background reaper cannot close the read end under the pump.
func (m *Manager) startCapture(ctx context.Context, addr string) (*process.Handle, *os.File, error) {
	b := m.capture(addr)
	cmd, err := b.BuildCommand(ctx)
	if err != nil {
		return nil, nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capture pipe: %w", err)
	}
	cmd.Stdout = w

	h, err := process.Start(b.Name(), cmd)
	// the child owns the write end now
	w.Close()
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return h, r, nil
}

func (m *Manager) xvfbBuilder(addr string) process.Builder {
	return process.CommandBuilder{
		Label: "xvfb",
		Path:  m.cfg.XvfbPath,
		Args: []string{
			addr,
			"-ac",
			"-screen", "0", fmt.Sprintf("%dx%dx%d", m.cfg.Width, m.cfg.Height, m.cfg.Depth),
			"-nolisten", "tcp",
		},
	}
}

func (m *Manager) ffmpegBuilder(addr string) process.Builder {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-f", "x11grab",
		"-draw_mouse", "0",
		"-video_size", fmt.Sprintf("%dx%d", m.cfg.Width, m.cfg.Height),
		"-framerate", strconv.Itoa(m.cfg.Framerate),
		"-i", addr,
	}
	switch m.cfg.CaptureFormat {
	case FormatRaw:
		args = append(args, "-f", "rawvideo", "-pix_fmt", "rgb24", "pipe:1")
	default:
		args = append(args, "-f", "mjpeg", "-q:v", "5", "pipe:1")
	}
	return process.CommandBuilder{
		Label: "capture",
		Path:  m.cfg.CapturePath,
		Args:  args,
	}
}

// waitForSocket polls for the X socket Xvfb creates once it accepts clients
func (m *Manager) waitForSocket(ctx context.Context, n int, surface *process.Handle) error {
	socket := filepath.Join(m.cfg.SocketDir, "X"+strconv.Itoa(n))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socket); err == nil {
			return nil
		}
		select {
		case <-surface.Done():
			return fmt.Errorf("surface exited with code %d", surface.ExitCode())
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Session is one live virtual display with its capture process.
// It is owned by exactly one orchestration run.
type Session struct {
	id      string
	number  int
	display string

	surface *process.Handle
	capture *process.Handle
	feed    *feed

	pumpDone chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
	stopping chan struct{}

	stopTimeout time.Duration
	release     func()
	logger      logrus.FieldLogger
	metrics     *metrics.Collector
}

// ID returns the unique session id
func (s *Session) ID() string {
	return s.id
}

// Display returns the X display address, e.g. ":99"
func (s *Session) Display() string {
	return s.display
}

// Subscribe returns a fresh frame sequence starting at the live point.
// The channel is closed when the session stops; cancel detaches early.
func (s *Session) Subscribe() (<-chan []byte, func()) {
	return s.feed.subscribe()
}

// Done is closed once Stop has finished tearing the session down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats reports frames produced, frames dropped and current subscribers
func (s *Session) Stats() (produced, dropped uint64, subscribers int) {
	return s.feed.stats()
}

// Stop terminates capture, then the surface, and closes every frame sequence.
// Only the first call does any work; later and concurrent calls wait for it and return nil.
func (s *Session) Stop() error {
	first := false
	s.stopOnce.Do(func() {
		first = true
		s.stopErr = s.teardown()
	})
	<-s.done
	if first {
		return s.stopErr
	}
	return nil
}

func (s *Session) teardown() error {
	close(s.stopping)

	var errs []error

	if err := s.capture.Stop(s.stopTimeout); err != nil {
		errs = append(errs, err)
	}
	<-s.pumpDone

	if err := s.surface.Stop(s.stopTimeout); err != nil {
		errs = append(errs, err)
	}

	s.feed.close()
	s.release()
	s.metrics.SessionStopped()

	produced, dropped, _ := s.feed.stats()
	s.logger.WithFields(logrus.Fields{
		"frames_produced": produced,
		"frames_dropped":  dropped,
	}).Info("display_session_stopped")

	close(s.done)
	return errors.Join(errs...)
}

// pump is the single producer: it reads capture output and publishes frames
func (s *Session) pump(stdout *os.File, split bufio.SplitFunc, maxSize int) {
	defer close(s.pumpDone)
	defer stdout.Close()
	defer s.feed.close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSize)
	scanner.Split(split)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		s.feed.publish(frame)
		s.metrics.FrameProduced()
	}

	if err := scanner.Err(); err != nil {
		s.logger.WithError(err).Warn("display_capture_read_failed")
	}
}

// watch logs processes that die before Stop was requested
func (s *Session) watch() {
	select {
	case <-s.capture.Done():
		s.logger.WithField("exit_code", s.capture.ExitCode()).Warn("display_capture_exited")
	case <-s.stopping:
		return
	}

	select {
	case <-s.surface.Done():
		s.logger.WithField("exit_code", s.surface.ExitCode()).Warn("display_surface_exited")
	case <-s.stopping:
	}
}
