// Package headless drives pool slots with headless Chrome via chromedp.
//
// Each Session owns one browser process; each BrowsingContext is a tab in
// that browser, so a slot's cookies and storage never leak across slots.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// Config controls browser launch and navigation.
type Config struct {
	ExecPath          string            `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent         string            `mapstructure:"user_agent" yaml:"user_agent"`
	NoSandbox         bool              `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// Backstop is added to NavigationTimeout for the hard timer that
	// abandons a navigation chromedp failed to cancel.
	Backstop    time.Duration `mapstructure:"backstop" yaml:"backstop"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	StartupWait time.Duration `mapstructure:"startup_wait" yaml:"startup_wait"`
}

// ProxyFunc returns the proxy new sessions should use, or "".
type ProxyFunc func() string

// SessionFactory launches one browser per pool slot.
type SessionFactory struct {
	cfg    Config
	proxy  ProxyFunc
	logger *zap.Logger
}

// NewSessionFactory validates the config and fills defaults.
func NewSessionFactory(cfg Config, proxy ProxyFunc, logger *zap.Logger) (*SessionFactory, error) {
	if cfg.NavigationTimeout < 0 || cfg.Backstop < 0 {
		return nil, fmt.Errorf("browser timeouts must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.Backstop == 0 {
		cfg.Backstop = 5 * time.Second
	}
	if cfg.StartupWait == 0 {
		cfg.StartupWait = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionFactory{cfg: cfg, proxy: proxy, logger: logger}, nil
}

func (f *SessionFactory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.proxy != nil {
		if p := f.proxy(); p != "" {
			opts = append(opts, chromedp.ProxyServer(p))
		}
	}
	return opts
}

// NewSession starts a browser process and waits until it accepts commands.
func (f *SessionFactory) NewSession(ctx context.Context) (crawler.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	timer := time.NewTimer(f.cfg.StartupWait)
	defer timer.Stop()
	var err error
	select {
	case err = <-started:
	case <-timer.C:
		err = errors.New("browser startup timed out")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &session{
		factory:       f,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type session struct {
	factory       *SessionFactory
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closeOnce     sync.Once
	closeErr      error
}

// NewContext opens a fresh tab.
func (s *session) NewContext(ctx context.Context) (crawler.BrowsingContext, error) {
	if err := s.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser closed: %w", err)
	}
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	runCtx, cancel := bound(ctx, tabCtx)
	defer cancel()
	if err := chromedp.Run(runCtx, s.factory.networkSetupAction()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &tab{
		cfg:    s.factory.cfg,
		ctx:    tabCtx,
		cancel: tabCancel,
		meta:   meta,
	}, nil
}

// Close shuts the browser down; repeated calls return the first result.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = chromedp.Cancel(s.browserCtx)
		s.browserCancel()
		s.allocCancel()
	})
	if s.closeErr != nil && !errors.Is(s.closeErr, context.Canceled) {
		return fmt.Errorf("close browser: %w", s.closeErr)
	}
	return nil
}

func (f *SessionFactory) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

type tab struct {
	cfg       Config
	ctx       context.Context
	cancel    context.CancelFunc
	meta      *responseMeta
	abandoned atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Probe evaluates 1+1 in the page.
func (t *tab) Probe(ctx context.Context) error {
	if t.abandoned.Load() {
		return errors.New("tab abandoned after navigation backstop")
	}
	if err := t.ctx.Err(); err != nil {
		return fmt.Errorf("tab context destroyed: %w", err)
	}
	runCtx, cancel := bound(ctx, t.ctx)
	defer cancel()
	var res int
	if err := chromedp.Run(runCtx, chromedp.Evaluate("1+1", &res)); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if res != 2 {
		return fmt.Errorf("probe returned %d", res)
	}
	return nil
}

// Load navigates and returns the rendered DOM. A navigation that outlives the
// backstop timer is abandoned and the tab must be recovered.
func (t *tab) Load(ctx context.Context, url string) (crawler.PageResult, error) {
	if t.abandoned.Load() {
		return crawler.PageResult{}, errors.New("tab abandoned after navigation backstop")
	}
	t.meta.reset()

	navCtx, cancel := bound(ctx, t.ctx)
	defer cancel()
	navCtx, navCancel := context.WithTimeout(navCtx, t.cfg.NavigationTimeout)
	defer navCancel()

	type outcome struct {
		html, finalURL string
		err            error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		var o outcome
		actions := []chromedp.Action{
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}
		if t.cfg.SettleDelay > 0 {
			actions = append(actions, chromedp.Sleep(t.cfg.SettleDelay))
		}
		actions = append(actions,
			chromedp.Location(&o.finalURL),
			chromedp.OuterHTML("html", &o.html, chromedp.ByQuery),
		)
		o.err = chromedp.Run(navCtx, actions...)
		done <- o
	}()

	backstop := time.NewTimer(t.cfg.NavigationTimeout + t.cfg.Backstop)
	defer backstop.Stop()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return crawler.PageResult{}, &crawler.RetryableNetworkError{URL: url, Err: fmt.Errorf("navigation timeout: %w", o.err)}
			}
			return crawler.PageResult{}, fmt.Errorf("chromedp run: %w", o.err)
		}
		status, finalURL := t.meta.snapshotWithFallbacks(url, o.finalURL)
		return crawler.PageResult{
			RequestedURL: url,
			FinalURL:     finalURL,
			StatusCode:   status,
			Body:         []byte(o.html),
			Duration:     time.Since(start),
		}, nil
	case <-backstop.C:
		t.abandoned.Store(true)
		navCancel()
		return crawler.PageResult{}, &crawler.RetryableNetworkError{URL: url, Err: errors.New("navigation backstop exceeded")}
	}
}

// Close closes the tab.
func (t *tab) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = chromedp.Cancel(t.ctx)
		t.cancel()
	})
	if t.closeErr != nil && !errors.Is(t.closeErr, context.Canceled) {
		return fmt.Errorf("close tab: %w", t.closeErr)
	}
	return nil
}

// bound derives a context from the chromedp context parent that also ends
// when caller ends.
func bound(caller, parent context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := caller.Deadline(); ok {
		ctx, cancel = context.WithDeadline(parent, deadline)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}

var _ crawler.SessionFactory = (*SessionFactory)(nil)
