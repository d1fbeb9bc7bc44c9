package engine

import (
	"fmt"
	"time"

	"github.com/tebeka/selenium"

	"github.com/shehryarbajwa/uiregress/internal/script"
)

// WebDriver adapts a selenium session to script.Driver
type WebDriver struct {
	wd selenium.WebDriver
}

var _ script.Driver = (*WebDriver)(nil)

// NewWebDriver wraps an open selenium session
func NewWebDriver(wd selenium.WebDriver) *WebDriver {
	return &WebDriver{wd: wd}
}

func strategy(by string) (string, error) {
	switch by {
	case script.ByCSS, "":
		return selenium.ByCSSSelector, nil
	case script.ByXPath:
		return selenium.ByXPATH, nil
	case script.ByID:
		return selenium.ByID, nil
	case script.ByName:
		return selenium.ByName, nil
	case script.ByLinkText:
		return selenium.ByLinkText, nil
	}
	return "", fmt.Errorf("unknown locator %q", by)
}

func (d *WebDriver) find(by, target string) (selenium.WebElement, error) {
	s, err := strategy(by)
	if err != nil {
		return nil, err
	}
	el, err := d.wd.FindElement(s, target)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s=%s: %w", by, target, err)
	}
	return el, nil
}

func (d *WebDriver) Navigate(url string) error { return d.wd.Get(url) }
func (d *WebDriver) Back() error               { return d.wd.Back() }
func (d *WebDriver) Refresh() error            { return d.wd.Refresh() }

func (d *WebDriver) Click(by, target string) error {
	el, err := d.find(by, target)
	if err != nil {
		return err
	}
	return el.Click()
}

func (d *WebDriver) Type(by, target, text string) error {
	el, err := d.find(by, target)
	if err != nil {
		return err
	}
	return el.SendKeys(text)
}

func (d *WebDriver) Clear(by, target string) error {
	el, err := d.find(by, target)
	if err != nil {
		return err
	}
	return el.Clear()
}

func (d *WebDriver) Submit(by, target string) error {
	el, err := d.find(by, target)
	if err != nil {
		return err
	}
	return el.Submit()
}

func (d *WebDriver) Text(by, target string) (string, error) {
	el, err := d.find(by, target)
	if err != nil {
		return "", err
	}
	return el.Text()
}

// WaitVisible polls until the element exists and is displayed
func (d *WebDriver) WaitVisible(by, target string, timeout time.Duration) error {
	s, err := strategy(by)
	if err != nil {
		return err
	}
	err = d.wd.WaitWithTimeout(func(wd selenium.WebDriver) (bool, error) {
		el, err := wd.FindElement(s, target)
		if err != nil {
			return false, nil
		}
		return el.IsDisplayed()
	}, timeout)
	if err != nil {
		return fmt.Errorf("%s=%s not visible after %s: %w", by, target, timeout, err)
	}
	return nil
}

func (d *WebDriver) Title() (string, error)      { return d.wd.Title() }
func (d *WebDriver) CurrentURL() (string, error) { return d.wd.CurrentURL() }
func (d *WebDriver) Screenshot() ([]byte, error) { return d.wd.Screenshot() }
