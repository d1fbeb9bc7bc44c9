// Package engine launches browser engines bound to a virtual display and
// exposes each one as a script.Driver speaking W3C WebDriver.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tebeka/selenium"

	"github.com/shehryarbajwa/uiregress/internal/script"
	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// ErrNotReady is returned when a driver endpoint never reports ready
var ErrNotReady = errors.New("driver not ready")

// Provisioner launches one engine instance per call
type Provisioner interface {
	Launch(ctx context.Context, kind models.EngineKind, display string) (*Instance, error)
}

// Instance is a running engine with an open automation session
type Instance struct {
	Kind     models.EngineKind
	Display  string
	Endpoint string

	driver    script.Driver
	release   func(ctx context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// NewInstance wraps a driver and the function that tears it down
func NewInstance(kind models.EngineKind, display, endpoint string, driver script.Driver, release func(ctx context.Context) error) *Instance {
	return &Instance{
		Kind:     kind,
		Display:  display,
		Endpoint: endpoint,
		driver:   driver,
		release:  release,
	}
}

// Driver returns the automation surface of the instance
func (i *Instance) Driver() script.Driver {
	return i.driver
}

// Close ends the automation session and stops the engine. Safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		if i.release != nil {
			i.closeErr = i.release(ctx)
		}
	})
	return i.closeErr
}

// remoteFunc opens a WebDriver session against a driver endpoint
type remoteFunc func(caps selenium.Capabilities, urlPrefix string) (selenium.WebDriver, error)

// openSession creates a remote session without outliving ctx.
// cancel is invoked when ctx ends first so the pending request fails fast.
func openSession(ctx context.Context, open remoteFunc, caps selenium.Capabilities, url string, cancel func()) (selenium.WebDriver, error) {
	type result struct {
		wd  selenium.WebDriver
		err error
	}
	ch := make(chan result, 1)
	go func() {
		wd, err := open(caps, url)
		ch <- result{wd, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to open webdriver session: %w", r.err)
		}
		return r.wd, nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		go func() {
			if r := <-ch; r.wd != nil {
				_ = r.wd.Quit()
			}
		}()
		return nil, ctx.Err()
	}
}

// quitSession ends a WebDriver session, giving up when ctx ends
func quitSession(ctx context.Context, wd selenium.WebDriver) error {
	done := make(chan error, 1)
	go func() { done <- wd.Quit() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForDriverReady polls the driver's /status endpoint until it answers
func waitForDriverReady(ctx context.Context, baseURL string, exited <-chan struct{}) error {
	client := &http.Client{
		Timeout:   time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	// nil exited blocks forever in the select below
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrNotReady, baseURL, ctx.Err())
		case <-exited:
			return fmt.Errorf("%w: driver exited", ErrNotReady)
		case <-ticker.C:
		}
	}
}
