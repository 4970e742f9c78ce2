// Package engine drives real browsers through playwright-go.
//
// One browser process is kept per kind and headless mode. Contexts are opened on
// those shared browsers and handed out as *Context values that can be snapshotted
// into profiles.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/config"
	"github.com/surf-session-core/internal/types"
)

var ErrNotStarted = errors.New("engine not started")

type Engine struct {
	mu       sync.Mutex
	cfg      config.EngineConfig
	pw       *playwright.Playwright
	browsers map[string]playwright.Browser
}

func New(cfg config.EngineConfig) *Engine {
	return &Engine{
		cfg:      cfg,
		browsers: make(map[string]playwright.Browser),
	}
}

// Start launches the playwright driver, installing browsers first when configured to
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pw != nil {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{e.cfg.Browser},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if e.cfg.InstallBrowsers {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	e.pw = pw

	log.Infof("Browser engine started (default browser %s)", e.cfg.Browser)
	return nil
}

// NewContext opens a browser context with opts on a pooled browser
func (e *Engine) NewContext(ctx context.Context, launch types.LaunchOptions, opts types.ContextOptions) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	browser, err := e.browser(launch)
	if err != nil {
		return nil, err
	}

	pwOpts, err := toPlaywrightOptions(opts)
	if err != nil {
		return nil, err
	}

	bc, err := browser.NewContext(pwOpts)
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}

	timeout := opts.TimeoutMs
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeoutMs
	}
	if timeout > 0 {
		bc.SetDefaultTimeout(timeout)
	}

	return &Context{bc: bc}, nil
}

// browser returns the pooled browser for launch, relaunching it if it has disconnected
func (e *Engine) browser(launch types.LaunchOptions) (playwright.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pw == nil {
		return nil, ErrNotStarted
	}

	kind := launch.Browser
	if kind == "" {
		kind = e.cfg.Browser
	}
	key := poolKey(kind, launch.Headless)

	if b, ok := e.browsers[key]; ok {
		if b.IsConnected() {
			return b, nil
		}
		log.Warnf("Browser %s disconnected, relaunching", key)
		delete(e.browsers, key)
	}

	var bt playwright.BrowserType
	switch kind {
	case "chromium":
		bt = e.pw.Chromium
	case "firefox":
		bt = e.pw.Firefox
	case "webkit":
		bt = e.pw.WebKit
	default:
		return nil, fmt.Errorf("unknown browser %q: %w", kind, types.ErrValidation)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(launch.Headless),
		Args:     e.cfg.Args,
	}
	if e.cfg.SlowMoMs > 0 {
		launchOpts.SlowMo = playwright.Float(e.cfg.SlowMoMs)
	}

	b, err := bt.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", kind, err)
	}
	e.browsers[key] = b

	log.WithFields(log.Fields{
		"browser":  kind,
		"headless": launch.Headless,
	}).Info("Browser launched")
	return b, nil
}

// Close shuts down every pooled browser and the driver
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for key, b := range e.browsers {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser %s: %w", key, err))
		}
		delete(e.browsers, key)
	}
	if e.pw != nil {
		if err := e.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
		e.pw = nil
	}
	return errors.Join(errs...)
}

func poolKey(kind string, headless bool) string {
	if headless {
		return kind + "_headless"
	}
	return kind + "_headed"
}

// Context is one live browser context
type Context struct {
	bc playwright.BrowserContext
}

// SnapshotState captures cookies and origin storage as JSON
func (c *Context) SnapshotState(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := c.bc.StorageState()
	if err != nil {
		return nil, fmt.Errorf("read storage state: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal storage state: %w", err)
	}
	return data, nil
}

// ViewportSize reports the viewport of the first open page
func (c *Context) ViewportSize() *types.Viewport {
	pages := c.bc.Pages()
	if len(pages) == 0 {
		return nil
	}
	size := pages[0].ViewportSize()
	if size == nil {
		return nil
	}
	return &types.Viewport{Width: size.Width, Height: size.Height}
}

// BrowserContext exposes the playwright context for callers that drive pages directly
func (c *Context) BrowserContext() playwright.BrowserContext {
	return c.bc
}

func (c *Context) Close() error {
	return c.bc.Close()
}
