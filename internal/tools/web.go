package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"go.uber.org/zap"
)

var ErrAdapterUnavailable = errors.New("browser adapter unavailable")

const navigationTimeout = 30 * time.Second

var (
	_ domain.WebClient = (*RodClient)(nil)
	_ domain.WebClient = (*DisabledWebClient)(nil)
)

// DisabledWebClient stands in when USE_BROWSER is off. Every call fails with
// ErrAdapterUnavailable so plans degrade instead of hanging.
type DisabledWebClient struct{}

func (DisabledWebClient) GetDOM(context.Context, string) (*domain.DOMResult, error) {
	return nil, ErrAdapterUnavailable
}

func (DisabledWebClient) Screenshot(context.Context, string) (string, error) {
	return "", ErrAdapterUnavailable
}

func (DisabledWebClient) Fill(context.Context, string, string, string) error {
	return ErrAdapterUnavailable
}

func (DisabledWebClient) Click(context.Context, string, string) error {
	return ErrAdapterUnavailable
}

func (DisabledWebClient) WaitFor(context.Context, string, string, time.Duration) error {
	return ErrAdapterUnavailable
}

// RodClient drives a headless Chromium through go-rod. The browser launches
// lazily on first use and pages are cached per URL so consecutive fill/click
// calls against one form land on the same page.
type RodClient struct {
	mu      sync.Mutex
	browser *rod.Browser
	pages   map[string]*rod.Page

	screenshotDir string
	logger        *zap.Logger
}

// NewRodClient creates a browser client. screenshotDir may be empty; the OS
// temp dir is used then.
func NewRodClient(screenshotDir string, logger *zap.Logger) *RodClient {
	if screenshotDir == "" {
		screenshotDir = os.TempDir()
	}
	return &RodClient{
		pages:         make(map[string]*rod.Page),
		screenshotDir: screenshotDir,
		logger:        logger,
	}
}

func (c *RodClient) ensureStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		return nil
	}

	url, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return fmt.Errorf("%w: launch chrome: %v", ErrAdapterUnavailable, err)
	}
	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("%w: connect to chrome: %v", ErrAdapterUnavailable, err)
	}
	c.browser = browser
	c.logger.Info("browser started", zap.String("control_url", url))
	return nil
}

// page returns the cached page for a URL, navigating a fresh one on miss.
func (c *RodClient) page(ctx context.Context, url string) (*rod.Page, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pages[url]; ok {
		return p, nil
	}

	p, err := c.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := p.Context(ctx).Timeout(navigationTimeout).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.Context(ctx).WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load %s: %w", url, err)
	}
	c.pages[url] = p
	return p, nil
}

func (c *RodClient) GetDOM(ctx context.Context, url string) (*domain.DOMResult, error) {
	p, err := c.page(ctx, url)
	if err != nil {
		return nil, err
	}
	html, err := p.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("extract dom: %w", err)
	}
	return &domain.DOMResult{HTML: html}, nil
}

func (c *RodClient) Screenshot(ctx context.Context, url string) (string, error) {
	p, err := c.page(ctx, url)
	if err != nil {
		return "", err
	}
	data, err := p.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	path := filepath.Join(c.screenshotDir, uuid.NewString()+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

func (c *RodClient) Fill(ctx context.Context, url, selector, text string) error {
	p, err := c.page(ctx, url)
	if err != nil {
		return err
	}
	el, err := p.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element %q: %w", selector, err)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	return el.Input(text)
}

func (c *RodClient) Click(ctx context.Context, url, selector string) error {
	p, err := c.page(ctx, url)
	if err != nil {
		return err
	}
	el, err := p.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element %q: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (c *RodClient) WaitFor(ctx context.Context, url, selector string, timeout time.Duration) error {
	p, err := c.page(ctx, url)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = navigationTimeout
	}
	_, err = p.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

// Close shuts the browser down.
func (c *RodClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			c.logger.Warn("browser close failed", zap.Error(err))
		}
		c.browser = nil
		c.pages = make(map[string]*rod.Page)
	}
}
