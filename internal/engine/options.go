package engine

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/chrome"
	"github.com/tebeka/selenium/firefox"

	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// ErrUnsupported is returned for engine kinds outside the closed set
var ErrUnsupported = errors.New("unsupported engine")

// BrowserOptions are the knobs shared by every engine kind
type BrowserOptions struct {
	Width         int
	Height        int
	ChromeBinary  string
	FirefoxBinary string
	WebKitBinary  string
}

// Capabilities builds the engine specific WebDriver capabilities for a display.
// Every engine is told to render into display, never onto a physical screen.
func Capabilities(kind models.EngineKind, display string, opts BrowserOptions) (selenium.Capabilities, error) {
	width, height := opts.Width, opts.Height
	if width <= 0 || height <= 0 {
		width, height = 1280, 1024
	}

	switch kind {
	case models.EngineChromium:
		caps := selenium.Capabilities{"browserName": "chrome"}
		caps.AddChrome(chrome.Capabilities{
			Path: opts.ChromeBinary,
			Args: []string{
				"--display=" + display,
				"--no-sandbox",
				"--disable-dev-shm-usage",
				"--no-first-run",
				"--no-default-browser-check",
				"--disable-extensions",
				"--window-position=0,0",
				fmt.Sprintf("--window-size=%d,%d", width, height),
			},
			W3C: true,
		})
		return caps, nil

	case models.EngineGecko:
		caps := selenium.Capabilities{"browserName": "firefox"}
		caps.AddFirefox(firefox.Capabilities{
			Binary: opts.FirefoxBinary,
			Args: []string{
				"--display=" + display,
				"-width", strconv.Itoa(width),
				"-height", strconv.Itoa(height),
			},
		})
		return caps, nil

	case models.EngineWebKit:
		binary := opts.WebKitBinary
		if binary == "" {
			binary = "MiniBrowser"
		}
		return selenium.Capabilities{
			"browserName": "MiniBrowser",
			"webkitgtk:browserOptions": map[string]any{
				"binary": binary,
				"args":   []string{"--automation", "--geometry=" + fmt.Sprintf("%dx%d+0+0", width, height)},
			},
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupported, kind)
}
