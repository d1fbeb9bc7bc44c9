// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// Prefix is prepended to every environment variable, e.g. UIREGRESS_PORTS
const Prefix = "UIREGRESS"

// Config holds all service options
type Config struct {
	// Network
	Host  string `envconfig:"HOST" default:"0.0.0.0"`
	Ports []int  `envconfig:"PORTS" default:"3000,8080"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// Script store
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"` // memory, sqlite, postgres
	StoreDSN    string `envconfig:"STORE_DSN" default:"./storage/tests.db"`
	SeedDir     string `envconfig:"SEED_DIR"` // scripts loaded into the store at startup

	// Orchestration
	DefaultEngines    []models.EngineKind  `envconfig:"ENGINES" default:"chromium,gecko,webkit"`
	SuccessPolicy     models.SuccessPolicy `envconfig:"SUCCESS_POLICY" default:"all"`
	EngineTimeout     time.Duration        `envconfig:"ENGINE_TIMEOUT" default:"5m"`
	RunDeadline       time.Duration        `envconfig:"RUN_DEADLINE" default:"15m"`
	MaxConcurrentRuns int                  `envconfig:"MAX_CONCURRENT_RUNS" default:"4"`
	RunRetention      time.Duration        `envconfig:"RUN_RETENTION" default:"1h"`

	// Display surface
	XvfbPath     string        `envconfig:"XVFB_PATH" default:"Xvfb"`
	DisplayBase  int           `envconfig:"DISPLAY_BASE" default:"99"`
	MaxDisplays  int           `envconfig:"MAX_DISPLAYS" default:"16"`
	ScreenWidth  int           `envconfig:"SCREEN_WIDTH" default:"1280"`
	ScreenHeight int           `envconfig:"SCREEN_HEIGHT" default:"1024"`
	ScreenDepth  int           `envconfig:"SCREEN_DEPTH" default:"24"`
	SocketDir    string        `envconfig:"X11_SOCKET_DIR" default:"/tmp/.X11-unix"`
	LockDir      string        `envconfig:"X11_LOCK_DIR" default:"/tmp"`
	ReadyTimeout time.Duration `envconfig:"DISPLAY_READY_TIMEOUT" default:"10s"`
	StopTimeout  time.Duration `envconfig:"DISPLAY_STOP_TIMEOUT" default:"5s"`

	// Capture
	CapturePath   string `envconfig:"CAPTURE_PATH" default:"ffmpeg"`
	CaptureFormat string `envconfig:"CAPTURE_FORMAT" default:"mjpeg"` // mjpeg, raw
	Framerate     int    `envconfig:"FRAMERATE" default:"10"`
	FrameBuffer   int    `envconfig:"FRAME_BUFFER" default:"32"`

	// Engines
	EngineBackend   string            `envconfig:"ENGINE_BACKEND" default:"local"` // local, docker
	EngineBackends  map[string]string `envconfig:"ENGINE_BACKENDS"`                // per engine override, e.g. webkit:docker
	ChromeDriver    string            `envconfig:"CHROMEDRIVER_PATH" default:"chromedriver"`
	GeckoDriver     string            `envconfig:"GECKODRIVER_PATH" default:"geckodriver"`
	WebKitDriver    string            `envconfig:"WEBKITDRIVER_PATH" default:"WebKitWebDriver"`
	ChromeBinary    string            `envconfig:"CHROME_BINARY"`
	FirefoxBinary   string            `envconfig:"FIREFOX_BINARY"`
	WebKitBinary    string            `envconfig:"WEBKIT_BINARY" default:"MiniBrowser"`
	ChromeImage     string            `envconfig:"CHROME_IMAGE" default:"uiregress/chromedriver:latest"`
	GeckoImage      string            `envconfig:"GECKO_IMAGE" default:"uiregress/geckodriver:latest"`
	WebKitImage     string            `envconfig:"WEBKIT_IMAGE" default:"uiregress/webkitdriver:latest"`
	DriverPort      int               `envconfig:"DRIVER_PORT" default:"4444"`
	LaunchTimeout   time.Duration     `envconfig:"LAUNCH_TIMEOUT" default:"30s"`
	QuitTimeout     time.Duration     `envconfig:"QUIT_TIMEOUT" default:"10s"`
	ImplicitWait    time.Duration     `envconfig:"IMPLICIT_WAIT" default:"5s"`
	PullImages      bool              `envconfig:"PULL_IMAGES" default:"true"`
	ScreenshotDir   string            `envconfig:"SCREENSHOT_DIR" default:"./storage/screenshots"`
	ContainerPrefix string            `envconfig:"CONTAINER_PREFIX" default:"uiregress"`

	// Relay
	ViewerBuffer       int           `envconfig:"VIEWER_BUFFER" default:"16"`
	ViewerWriteTimeout time.Duration `envconfig:"VIEWER_WRITE_TIMEOUT" default:"2s"`
	ViewerPingInterval time.Duration `envconfig:"VIEWER_PING_INTERVAL" default:"20s"`

	// Rate limiting of execute calls, per client address
	RateLimitPerHour int `envconfig:"RATE_LIMIT_PER_HOUR" default:"100"`
	RateLimitBurst   int `envconfig:"RATE_LIMIT_BURST" default:"10"`
}

// Load reads an optional .env file and then the process environment
func Load(envFiles ...string) (*Config, bool, error) {
	dotenv := godotenv.Load(envFiles...) == nil

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, dotenv, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, dotenv, err
	}
	return &cfg, dotenv, nil
}

// Validate checks option ranges and enumerations
func (c *Config) Validate() error {
	var errs []error

	if len(c.Ports) == 0 {
		errs = append(errs, errors.New("at least one port is required"))
	}
	for _, p := range c.Ports {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", p))
		}
	}
	if len(c.DefaultEngines) == 0 {
		errs = append(errs, errors.New("at least one default engine is required"))
	}
	for _, e := range c.DefaultEngines {
		if !e.Valid() {
			errs = append(errs, fmt.Errorf("unsupported default engine %q", e))
		}
	}
	if !c.SuccessPolicy.Valid() {
		errs = append(errs, fmt.Errorf("success policy must be all or majority, got %q", c.SuccessPolicy))
	}
	switch c.StoreDriver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	switch c.EngineBackend {
	case "local", "docker":
	default:
		errs = append(errs, fmt.Errorf("unknown engine backend %q", c.EngineBackend))
	}
	for engine, backend := range c.EngineBackends {
		if !models.ParseEngineKind(engine).Valid() {
			errs = append(errs, fmt.Errorf("backend override for unsupported engine %q", engine))
		}
		if backend != "local" && backend != "docker" {
			errs = append(errs, fmt.Errorf("unknown engine backend %q for %s", backend, engine))
		}
	}
	switch c.CaptureFormat {
	case "mjpeg", "raw":
	default:
		errs = append(errs, fmt.Errorf("unknown capture format %q", c.CaptureFormat))
	}
	if c.MaxDisplays <= 0 {
		errs = append(errs, errors.New("max displays must be positive"))
	}
	if c.MaxConcurrentRuns <= 0 {
		errs = append(errs, errors.New("max concurrent runs must be positive"))
	}
	if c.EngineTimeout <= 0 {
		errs = append(errs, errors.New("engine timeout must be positive"))
	}
	if c.Framerate <= 0 {
		errs = append(errs, errors.New("framerate must be positive"))
	}
	if c.ViewerBuffer <= 0 {
		errs = append(errs, errors.New("viewer buffer must be positive"))
	}

	return errors.Join(errs...)
}
