package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-brain/internal/config"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultViewportW  = 1920
	defaultViewportH  = 1080
)

// Controller exposes the low-level input primitives the executor drives.
// Coordinates are viewport pixels.
type Controller interface {
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	URL() string
	BodyText(ctx context.Context) (string, error)
	MouseMove(ctx context.Context, x, y float64) error
	MouseDown(ctx context.Context) error
	MouseUp(ctx context.Context) error
	TypeText(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
	ScrollBy(ctx context.Context, dy int) error
	WaitForStableDOM(ctx context.Context, timeout time.Duration) error
	SaveState(ctx context.Context, path string) error
	Page() playwright.Page
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	cfg     config.BrowserConfig
	logger  zerolog.Logger
}

func NewLauncher(ctx context.Context, cfg config.BrowserConfig, logger zerolog.Logger) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-blink-features=AutomationControlled",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	logger = logger.With().Str("comp", "browser").Logger()
	logger.Info().Bool("headless", cfg.Headless).Msg("chromium launched")
	return &Launcher{pw: pw, browser: browser, cfg: cfg, logger: logger}, nil
}

// NewController opens a fresh context and page. A storage state file at
// storagePath is loaded when it exists.
func (l *Launcher) NewController(ctx context.Context, storagePath string) (Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	width, height := l.cfg.ViewportWidth, l.cfg.ViewportHeight
	if width <= 0 || height <= 0 {
		width, height = defaultViewportW, defaultViewportH
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
		Viewport:          &playwright.Size{Width: width, Height: height},
	}
	if ua := strings.TrimSpace(l.cfg.UserAgent); ua != "" {
		opts.UserAgent = playwright.String(ua)
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
			l.logger.Debug().Str("path", storagePath).Msg("loading storage state")
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	navTimeout := l.cfg.PageLoadTimeout
	if navTimeout <= 0 {
		navTimeout = defaultNavTimeout
	}
	page.SetDefaultTimeout(float64(navTimeout.Milliseconds()))
	return &controller{context: bctx, page: page, navTimeout: navTimeout}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	context    playwright.BrowserContext
	page       playwright.Page
	navTimeout time.Duration
}

func (c *controller) Page() playwright.Page {
	return c.page
}

func (c *controller) URL() string {
	return c.page.URL()
}

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(c.navTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (c *controller) BodyText(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := c.page.Locator("body").InnerText()
	return text, wrap(err)
}

func (c *controller) MouseMove(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Mouse().Move(x, y))
}

func (c *controller) MouseDown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Mouse().Down())
}

func (c *controller) MouseUp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Mouse().Up())
}

func (c *controller) TypeText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Keyboard().Type(text))
}

func (c *controller) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Keyboard().Press(key))
}

// ScrollBy dispatches a wheel event; negative dy scrolls up.
func (c *controller) ScrollBy(ctx context.Context, dy int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Mouse().Wheel(0, float64(dy)))
}

func (c *controller) WaitForStableDOM(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	if err := c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		_ = c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: playwright.Float(1000),
		})
	}

	// settle once no DOM mutation is seen for 300ms
	script := `
		() => new Promise((resolve) => {
			if (!document.body) { resolve(); return; }
			let timeoutId;
			const done = () => { observer.disconnect(); resolve(); };
			const observer = new MutationObserver(() => {
				clearTimeout(timeoutId);
				timeoutId = setTimeout(done, 300);
			});
			observer.observe(document.body, { childList: true, subtree: true, attributes: true });
			timeoutId = setTimeout(done, 300);
		})
	`
	_, err := c.page.Evaluate(script)
	return wrap(err)
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
