package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tebeka/selenium"

	"github.com/shehryarbajwa/uiregress/internal/process"
	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// LocalConfig configures driver binaries started on this host
type LocalConfig struct {
	ChromeDriver  string
	GeckoDriver   string
	WebKitDriver  string
	Browser       BrowserOptions
	LaunchTimeout time.Duration
	StopTimeout   time.Duration
	ImplicitWait  time.Duration
}

// LocalProvisioner starts one WebDriver binary per instance as a child process
type LocalProvisioner struct {
	cfg    LocalConfig
	logger logrus.FieldLogger
	open   remoteFunc
}

// NewLocalProvisioner creates a provisioner for drivers installed on the host
func NewLocalProvisioner(cfg LocalConfig, logger logrus.FieldLogger) *LocalProvisioner {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &LocalProvisioner{cfg: cfg, logger: logger, open: selenium.NewRemote}
}

func (p *LocalProvisioner) driverCommand(kind models.EngineKind, port int, display string) (process.CommandBuilder, error) {
	b := process.CommandBuilder{
		Label: string(kind) + "-driver",
		Env:   []string{"DISPLAY=" + display},
	}
	switch kind {
	case models.EngineChromium:
		b.Path = p.cfg.ChromeDriver
		b.Args = []string{"--port=" + strconv.Itoa(port)}
	case models.EngineGecko:
		b.Path = p.cfg.GeckoDriver
		b.Args = []string{"--host", "127.0.0.1", "--port", strconv.Itoa(port)}
	case models.EngineWebKit:
		b.Path = p.cfg.WebKitDriver
		b.Args = []string{"--port=" + strconv.Itoa(port)}
	default:
		return b, fmt.Errorf("%w: %q", ErrUnsupported, kind)
	}
	if b.Path == "" {
		return b, fmt.Errorf("no driver binary configured for %s", kind)
	}
	return b, nil
}

// Launch starts the driver, waits for it and opens a session on display
func (p *LocalProvisioner) Launch(ctx context.Context, kind models.EngineKind, display string) (*Instance, error) {
	caps, err := Capabilities(kind, display, p.cfg.Browser)
	if err != nil {
		return nil, err
	}

	port, err := process.FreePort()
	if err != nil {
		return nil, err
	}
	builder, err := p.driverCommand(kind, port, display)
	if err != nil {
		return nil, err
	}
	cmd, err := builder.BuildCommand(ctx)
	if err != nil {
		return nil, err
	}
	h, err := process.Start(builder.Name(), cmd)
	if err != nil {
		return nil, err
	}

	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitForDriverReady(launchCtx, endpoint, h.Done()); err != nil {
		h.Kill()
		return nil, err
	}

	wd, err := openSession(launchCtx, p.open, caps, endpoint, h.Kill)
	if err != nil {
		h.Kill()
		return nil, err
	}
	if p.cfg.ImplicitWait > 0 {
		if err := wd.SetImplicitWaitTimeout(p.cfg.ImplicitWait); err != nil {
			p.logger.WithError(err).Warn("failed to set implicit wait")
		}
	}

	log := p.logger.WithFields(logrus.Fields{"engine": kind, "display": display, "pid": h.PID()})
	log.Debug("engine launched")

	release := func(ctx context.Context) error {
		quitErr := quitSession(ctx, wd)
		stopErr := h.Stop(p.cfg.StopTimeout)
		if quitErr != nil || stopErr != nil {
			log.WithError(errors.Join(quitErr, stopErr)).Warn("engine did not shut down cleanly")
		}
		return errors.Join(quitErr, stopErr)
	}
	return NewInstance(kind, display, endpoint, NewWebDriver(wd), release), nil
}
