package browser

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

const (
	viewportWidth  = 1280
	viewportHeight = 800

	// The portal rejects obviously-automated user agents.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36"
)

// StartPlaywright installs (if needed) and starts the Playwright driver.
// Output is discarded so the driver's installer does not pollute stdout.
func StartPlaywright() (*playwright.Playwright, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return pw, nil
}

// playwrightPage adapts a playwright.Page to the Page interface.
type playwrightPage struct {
	page    playwright.Page
	timeout float64 // milliseconds
}

func (p *playwrightPage) Goto(ctx context.Context, url string) error {
	timeout := p.timeoutFor(ctx)
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   &timeout,
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Title() (string, error) {
	return p.page.Title()
}

func (p *playwrightPage) Fill(selector, value string) error {
	return p.page.Fill(selector, value, playwright.PageFillOptions{Timeout: &p.timeout})
}

func (p *playwrightPage) Click(selector string) error {
	return p.page.Click(selector, playwright.PageClickOptions{Timeout: &p.timeout})
}

func (p *playwrightPage) Evaluate(script string) (any, error) {
	return p.page.Evaluate(script)
}

func (p *playwrightPage) Exists(selector string) (bool, error) {
	el, err := p.page.QuerySelector(selector)
	if err != nil {
		return false, err
	}
	return el != nil, nil
}

func (p *playwrightPage) InnerText(selector string) (string, error) {
	el, err := p.page.QuerySelector(selector)
	if err != nil {
		return "", err
	}
	if el == nil {
		return "", fmt.Errorf("no element found matching selector: %s", selector)
	}
	return el.InnerText()
}

func (p *playwrightPage) WaitForLoad(ctx context.Context) error {
	timeout := p.timeoutFor(ctx)
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: &timeout,
	})
}

func (p *playwrightPage) Screenshot(path string) error {
	fullPage := true
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     &path,
		FullPage: &fullPage,
	})
	return err
}

// timeoutFor shrinks the default timeout to the context deadline when the
// deadline is nearer, so a group timeout is not overrun by one slow wait.
func (p *playwrightPage) timeoutFor(ctx context.Context) float64 {
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := float64(deadlineMillis(deadline)); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func deadlineMillis(d time.Time) int64 {
	return int64(time.Until(d) / time.Millisecond)
}

// launch starts an isolated Chromium instance with its own profile for one
// session key. Returns the page adapter, a cookie-clearing func, and a
// close func tearing down page, context, and browser in order.
func launch(pw *playwright.Playwright, headless bool, timeoutMillis float64, log *zap.Logger) (Page, func() error, func() error, error) {
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
		Args:     []string{"--disable-blink-features=AutomationControlled"},
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:  &playwright.Size{Width: viewportWidth, Height: viewportHeight},
		UserAgent: playwright.String(userAgent),
	})
	if err != nil {
		browser.Close()
		return nil, nil, nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		browser.Close()
		return nil, nil, nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(timeoutMillis)

	clearCookies := func() error {
		return context.ClearCookies()
	}
	close := func() error {
		// Ignore per-resource errors, continue cleanup.
		_ = page.Close()
		_ = context.Close()
		if err := browser.Close(); err != nil {
			log.Warn("error closing browser", zap.Error(err))
			return err
		}
		return nil
	}
	return &playwrightPage{page: page, timeout: timeoutMillis}, clearCookies, close, nil
}
