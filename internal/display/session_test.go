package display

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/uiregress/internal/logging"
	"github.com/shehryarbajwa/uiregress/internal/process"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testFrame = []byte{0xFF, 0xD8, 'a', 'b', 'c', 0xFF, 0xD9}

func shell(label, script string) process.Builder {
	return process.CommandBuilder{Label: label, Path: "sh", Args: []string{"-c", script}}
}

func sleepingSurface(string) process.Builder {
	return shell("surface", "exec sleep 30")
}

func jpegCapture(string) process.Builder {
	return shell("capture", `while :; do printf '\377\330abc\377\331'; sleep 0.01; done`)
}

func alwaysReady(context.Context, int, *process.Handle) error { return nil }

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.SocketDir = t.TempDir()
	cfg.LockDir = t.TempDir()
	cfg.ReadyTimeout = 2 * time.Second
	cfg.StopTimeout = time.Second
	cfg.MaxDisplays = 4
	return cfg
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithSurfaceBuilder(sleepingSurface),
		WithCaptureBuilder(jpegCapture),
		WithReadyCheck(alwaysReady),
	}
	m, err := NewManager(cfg, logging.Discard(), append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func receive(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()
	select {
	case frame, ok := <-frames:
		require.True(t, ok, "frame sequence ended early")
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func requireClosed(t *testing.T, frames <-chan []byte) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frame sequence was not closed")
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	s, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ":99", s.Display())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 1, m.Active())

	frames, cancel := s.Subscribe()
	defer cancel()
	assert.Equal(t, testFrame, receive(t, frames))

	require.NoError(t, s.Stop())
	requireClosed(t, frames)
	assert.True(t, s.surface.Exited())
	assert.True(t, s.capture.Exited())
	assert.Equal(t, 0, m.Active())

	// idempotent
	require.NoError(t, s.Stop())

	late, lateCancel := s.Subscribe()
	defer lateCancel()
	requireClosed(t, late)
}

func TestStopIsSafeConcurrently(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	s, err := m.Start(context.Background())
	require.NoError(t, err)

	var subs []<-chan []byte
	for i := 0; i < 3; i++ {
		ch, cancel := s.Subscribe()
		defer cancel()
		subs = append(subs, ch)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Stop()
		}()
	}
	wg.Wait()

	for _, ch := range subs {
		requireClosed(t, ch)
	}
	assert.Equal(t, 0, m.Active())
}

func TestEachSubscriberGetsItsOwnSequence(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	s, err := m.Start(context.Background())
	require.NoError(t, err)
	defer s.Stop()

	a, cancelA := s.Subscribe()
	b, cancelB := s.Subscribe()
	defer cancelB()

	assert.Equal(t, testFrame, receive(t, a))
	assert.Equal(t, testFrame, receive(t, b))

	cancelA()
	requireClosed(t, a)

	// b keeps flowing after a left
	assert.Equal(t, testFrame, receive(t, b))
}

func TestSurfaceStartFailure(t *testing.T) {
	m := newTestManager(t, testConfig(t), WithSurfaceBuilder(func(string) process.Builder {
		return process.CommandBuilder{Path: "/nonexistent/Xvfb"}
	}))

	_, err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrDisplayUnavailable)
	assert.Equal(t, 0, m.Active())
}

func TestSurfaceExitsBeforeReady(t *testing.T) {
	cfg := testConfig(t)
	m, err := NewManager(cfg, logging.Discard(),
		WithSurfaceBuilder(func(string) process.Builder { return shell("surface", "exit 1") }),
		WithCaptureBuilder(jpegCapture),
	)
	require.NoError(t, err)

	_, err = m.Start(context.Background())
	require.ErrorIs(t, err, ErrDisplayUnavailable)
	assert.Equal(t, 0, m.Active())
}

func TestSocketReadiness(t *testing.T) {
	cfg := testConfig(t)
	m, err := NewManager(cfg, logging.Discard(),
		WithSurfaceBuilder(func(addr string) process.Builder {
			socket := filepath.Join(cfg.SocketDir, "X"+strings.TrimPrefix(addr, ":"))
			return shell("surface", fmt.Sprintf("sleep 0.1; touch %s; exec sleep 30", socket))
		}),
		WithCaptureBuilder(jpegCapture),
	)
	require.NoError(t, err)

	s, err := m.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}

func TestCaptureStartFailureTearsDownSurface(t *testing.T) {
	var surface *process.Handle
	m := newTestManager(t, testConfig(t),
		WithReadyCheck(func(_ context.Context, _ int, h *process.Handle) error {
			surface = h
			return nil
		}),
		WithCaptureBuilder(func(string) process.Builder {
			return process.CommandBuilder{Path: "/nonexistent/ffmpeg"}
		}),
	)

	_, err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrCaptureStartFailed)
	require.NotNil(t, surface)
	assert.True(t, surface.Exited(), "surface must not outlive a failed capture start")
	assert.Equal(t, 0, m.Active())
}

func TestDisplaysAreIsolatedAndBounded(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDisplays = 2
	m := newTestManager(t, cfg)

	first, err := m.Start(context.Background())
	require.NoError(t, err)
	defer first.Stop()
	second, err := m.Start(context.Background())
	require.NoError(t, err)
	defer second.Stop()

	assert.NotEqual(t, first.Display(), second.Display())

	_, err = m.Start(context.Background())
	require.ErrorIs(t, err, ErrDisplayUnavailable)
}

func TestForeignLockFileIsSkipped(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LockDir, ".X99-lock"), nil, 0o644))
	m := newTestManager(t, cfg)

	s, err := m.Start(context.Background())
	require.NoError(t, err)
	defer s.Stop()
	assert.Equal(t, ":100", s.Display())
}

func TestCaptureExitEndsSequence(t *testing.T) {
	m := newTestManager(t, testConfig(t), WithCaptureBuilder(func(string) process.Builder {
		return shell("capture", `printf '\377\330abc\377\331'`)
	}))

	s, err := m.Start(context.Background())
	require.NoError(t, err)
	frames, cancel := s.Subscribe()
	defer cancel()

	requireClosed(t, frames)
	require.NoError(t, s.Stop())
}

func TestSplitMJPEGAcrossChunks(t *testing.T) {
	stream := append([]byte("junk"), testFrame...)
	stream = append(stream, 0x00, 0x01)
	stream = append(stream, testFrame...)
	stream = append(stream, 0xFF, 0xD8, 'x') // truncated tail

	scanner := bufio.NewScanner(iotest.OneByteReader(bytes.NewReader(stream)))
	scanner.Split(splitMJPEG)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, [][]byte{testFrame, testFrame}, got)
}

func TestSplitFixed(t *testing.T) {
	scanner := bufio.NewScanner(iotest.HalfReader(bytes.NewReader([]byte("aaabbbcc"))))
	scanner.Split(splitFixed(3))

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	assert.Equal(t, []string{"aaa", "bbb"}, got)
}

func TestSplitterFor(t *testing.T) {
	_, size, err := splitterFor(FormatRaw, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 4*2*3+1, size)

	_, _, err = splitterFor("h264", 4, 2)
	require.Error(t, err)

	_, err = NewManager(Config{MaxDisplays: 1, CaptureFormat: "h264"}, logging.Discard())
	require.Error(t, err)
}

func TestFeedDropsForFullSubscriberOnly(t *testing.T) {
	drops := 0
	f := newFeed(1, func() { drops++ })

	slow, _ := f.subscribe()
	fast, cancelFast := f.subscribe()
	defer cancelFast()

	f.publish([]byte("1"))
	assert.Equal(t, []byte("1"), <-fast)
	f.publish([]byte("2"))
	assert.Equal(t, []byte("2"), <-fast)

	produced, dropped, subs := f.stats()
	assert.Equal(t, uint64(2), produced)
	assert.Equal(t, uint64(1), dropped)
	assert.Equal(t, 2, subs)
	assert.Equal(t, 1, drops)

	f.close()
	assert.Equal(t, []byte("1"), <-slow)
	_, ok := <-slow
	assert.False(t, ok)
}

func TestBuildersUseDisplayAddress(t *testing.T) {
	m, err := NewManager(DefaultConfig(), logging.Discard())
	require.NoError(t, err)

	cmd, err := m.xvfbBuilder(":101").BuildCommand(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Xvfb", ":101", "-ac", "-screen", "0", "1280x1024x24", "-nolisten", "tcp"}, cmd.Args)

	cmd, err = m.ffmpegBuilder(":101").BuildCommand(context.Background())
	require.NoError(t, err)
	assert.Contains(t, strings.Join(cmd.Args, " "), "-f x11grab")
	assert.Contains(t, strings.Join(cmd.Args, " "), "-i :101")
	assert.Equal(t, "pipe:1", cmd.Args[len(cmd.Args)-1])
}

func TestErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrCaptureStartFailed, ErrDisplayUnavailable))
}
