package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/uiregress/internal/api"
	"github.com/shehryarbajwa/uiregress/internal/bootstrap"
	"github.com/shehryarbajwa/uiregress/internal/config"
	"github.com/shehryarbajwa/uiregress/internal/display"
	"github.com/shehryarbajwa/uiregress/internal/engine"
	"github.com/shehryarbajwa/uiregress/internal/logging"
	"github.com/shehryarbajwa/uiregress/internal/metrics"
	"github.com/shehryarbajwa/uiregress/internal/orchestrator"
	"github.com/shehryarbajwa/uiregress/internal/ratelimit"
	"github.com/shehryarbajwa/uiregress/internal/relay"
	"github.com/shehryarbajwa/uiregress/internal/run"
	"github.com/shehryarbajwa/uiregress/internal/runner"
	"github.com/shehryarbajwa/uiregress/internal/store"
	"github.com/shehryarbajwa/uiregress/pkg/models"
)

func main() {
	cfg, dotenv, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	if !dotenv {
		logger.Info("No .env file found, using system environment variables")
	}
	logger.Info("Starting uiregress...")

	collector := metrics.New()

	// Script store
	tests, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		logger.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}
	defer tests.Close()
	logger.Infof("✓ Script store ready (%s)", cfg.StoreDriver)

	if cfg.SeedDir != "" {
		w, ok := tests.(store.Writer)
		if !ok {
			logger.Fatalf("Store driver %s cannot be seeded", cfg.StoreDriver)
		}
		n, err := store.SeedDir(context.Background(), w, cfg.SeedDir)
		if err != nil {
			logger.Fatalf("Failed to seed scripts: %v", err)
		}
		logger.Infof("✓ Seeded %d scripts from %s", n, cfg.SeedDir)
	}

	// Display sessions
	displays, err := display.NewManager(displayConfig(cfg), logger, display.WithMetrics(collector))
	if err != nil {
		logger.Fatalf("Failed to create display manager: %v", err)
	}
	logger.Infof("✓ Display manager initialized (:%d, %d slots)", cfg.DisplayBase, cfg.MaxDisplays)

	// Engine backends
	router, docker, err := buildRouter(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to set up engines: %v", err)
	}
	if docker != nil {
		defer docker.Close()
		if cfg.PullImages {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			logger.Info("⏳ Ensuring driver images are available...")
			if err := docker.EnsureImages(ctx); err != nil {
				cancel()
				logger.Fatalf("Failed to ensure images: %v", err)
			}
			cancel()
			logger.Info("✓ Driver images ready")
		}
	}
	for _, kind := range models.AllEngines {
		logger.WithField("engine", kind).Infof("✓ Engine routed to %s backend", router.BackendFor(kind))
	}

	engines := runner.New(router, runner.Config{
		Timeout:       cfg.EngineTimeout,
		QuitTimeout:   cfg.QuitTimeout,
		WaitTimeout:   cfg.ImplicitWait,
		ScreenshotDir: cfg.ScreenshotDir,
	}, logger, collector)

	orch := orchestrator.New(orchestrator.Displays(displays), engines, logger,
		orchestrator.WithPolicy(cfg.SuccessPolicy),
		orchestrator.WithMetrics(collector),
	)
	logger.Info("✓ Orchestrator initialized")

	runs := run.NewManager(tests, orch, run.Config{
		DefaultEngines: cfg.DefaultEngines,
		MaxConcurrent:  cfg.MaxConcurrentRuns,
		Deadline:       cfg.RunDeadline,
		Retention:      cfg.RunRetention,
		Policy:         cfg.SuccessPolicy,
	}, logger)
	logger.Infof("✓ Run manager initialized (%d concurrent runs)", cfg.MaxConcurrentRuns)

	hub := relay.NewHub(relay.Config{
		Buffer:       cfg.ViewerBuffer,
		WriteTimeout: cfg.ViewerWriteTimeout,
		PingInterval: cfg.ViewerPingInterval,
	}, logger, collector)
	logger.Info("✓ WebSocket relay initialized")

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	logger.Infof("✓ Rate limiter initialized (%d req/hour per client)", cfg.RateLimitPerHour)

	handler := api.NewHandler(runs, hub, logger)
	routes := handler.SetupRoutes(rateLimiter, collector.Handler())
	logger.Info("✓ HTTP routes configured")

	ln, port, err := bootstrap.Listen(context.Background(), cfg.Host, cfg.Ports, logger)
	if err != nil {
		logger.Fatalf("Failed to bind: %v", err)
	}

	// No write timeout: synchronous executions and live viewers are long lived
	srv := &http.Server{
		Handler:     routes,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Infof("🚀 Server starting on http://%s:%d", cfg.Host, port)
		logger.Infof("📍 Execute tests with POST /execute-test/{id} or /v1/tests/{id}/execute")
		logger.Infof("🔍 Live view: ws://%s:%d/v1/runs/{id}/live", cfg.Host, port)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	go forgetIdleClients(rateLimiter)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("⏳ Shutting down server gracefully...")

	// viewers first so hijacked connections do not hold up Shutdown
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}

	runs.Close()
	logger.Info("✅ Server stopped cleanly")
}

func displayConfig(cfg *config.Config) display.Config {
	return display.Config{
		XvfbPath:      cfg.XvfbPath,
		Width:         cfg.ScreenWidth,
		Height:        cfg.ScreenHeight,
		Depth:         cfg.ScreenDepth,
		DisplayBase:   cfg.DisplayBase,
		MaxDisplays:   cfg.MaxDisplays,
		SocketDir:     cfg.SocketDir,
		LockDir:       cfg.LockDir,
		ReadyTimeout:  cfg.ReadyTimeout,
		StopTimeout:   cfg.StopTimeout,
		CapturePath:   cfg.CapturePath,
		CaptureFormat: display.Format(cfg.CaptureFormat),
		Framerate:     cfg.Framerate,
		FrameBuffer:   cfg.FrameBuffer,
	}
}

// buildRouter registers the local backend and, when any engine needs it, the docker one
func buildRouter(cfg *config.Config, logger logrus.FieldLogger) (*engine.Router, *engine.DockerProvisioner, error) {
	browser := engine.BrowserOptions{
		Width:         cfg.ScreenWidth,
		Height:        cfg.ScreenHeight,
		ChromeBinary:  cfg.ChromeBinary,
		FirefoxBinary: cfg.FirefoxBinary,
		WebKitBinary:  cfg.WebKitBinary,
	}

	router := engine.NewRouter(engine.Backend(cfg.EngineBackend))
	router.Register(engine.BackendLocal, engine.NewLocalProvisioner(engine.LocalConfig{
		ChromeDriver:  cfg.ChromeDriver,
		GeckoDriver:   cfg.GeckoDriver,
		WebKitDriver:  cfg.WebKitDriver,
		Browser:       browser,
		LaunchTimeout: cfg.LaunchTimeout,
		StopTimeout:   cfg.QuitTimeout,
		ImplicitWait:  cfg.ImplicitWait,
	}, logger))

	for name, backend := range cfg.EngineBackends {
		router.Route(models.ParseEngineKind(name), engine.Backend(backend))
	}

	needDocker := false
	for _, kind := range models.AllEngines {
		if router.BackendFor(kind) == engine.BackendDocker {
			needDocker = true
		}
	}
	if !needDocker {
		return router, nil, nil
	}

	docker, err := engine.NewDockerProvisioner(engine.DockerConfig{
		Images: map[models.EngineKind]string{
			models.EngineChromium: cfg.ChromeImage,
			models.EngineGecko:    cfg.GeckoImage,
			models.EngineWebKit:   cfg.WebKitImage,
		},
		DriverPort:    cfg.DriverPort,
		SocketDir:     cfg.SocketDir,
		NamePrefix:    cfg.ContainerPrefix,
		Browser:       browser,
		LaunchTimeout: cfg.LaunchTimeout,
		StopTimeout:   cfg.QuitTimeout,
		ImplicitWait:  cfg.ImplicitWait,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	router.Register(engine.BackendDocker, docker)
	return router, docker, nil
}

func forgetIdleClients(l *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.Forget(time.Hour)
	}
}
