// Package collyfetcher implements a browserless crawler.SessionFactory with
// gocolly, for targets that render contact data server-side.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string            `mapstructure:"user_agent" yaml:"user_agent"`
	RespectRobots bool              `mapstructure:"respect_robots" yaml:"respect_robots"`
	Timeout       time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Headers       map[string]string `mapstructure:"headers" yaml:"headers"`
}

// ProxyFunc returns the proxy new sessions should use, or "".
type ProxyFunc func() string

// SessionFactory builds one collector-backed session per slot.
type SessionFactory struct {
	cfg   Config
	proxy ProxyFunc
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a SessionFactory.
func New(cfg Config, proxy ProxyFunc) *SessionFactory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SessionFactory{cfg: cfg, proxy: proxy}
}

// NewSession creates a transport and cookie jar owned by one slot.
func (f *SessionFactory) NewSession(_ context.Context) (crawler.Session, error) {
	transport := newHTTPTransport()
	if f.proxy != nil {
		if raw := f.proxy(); raw != "" {
			proxyURL, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &session{factory: f, transport: transport}, nil
}

type session struct {
	factory   *SessionFactory
	transport *http.Transport
	closed    atomic.Bool
}

// NewContext returns a context with a fresh cookie jar.
func (s *session) NewContext(_ context.Context) (crawler.BrowsingContext, error) {
	if s.closed.Load() {
		return nil, errors.New("session closed")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &browsingContext{factory: s.factory, session: s, jar: jar}, nil
}

func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.transport.CloseIdleConnections()
	}
	return nil
}

type browsingContext struct {
	factory *SessionFactory
	session *session
	jar     http.CookieJar
	closed  atomic.Bool
}

func (b *browsingContext) Probe(_ context.Context) error {
	if b.closed.Load() {
		return errors.New("context closed")
	}
	if b.session.closed.Load() {
		return errors.New("session closed")
	}
	return nil
}

// Load executes a single GET and returns the body whatever the status.
func (b *browsingContext) Load(ctx context.Context, url string) (crawler.PageResult, error) {
	if err := b.Probe(ctx); err != nil {
		return crawler.PageResult{}, err
	}
	var (
		result   crawler.PageResult
		fetchErr error
	)
	start := time.Now()
	collector := b.factory.buildCollector(b.session.transport, b.jar)
	b.factory.configureCollectorHooks(collector, url, start, &result, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return crawler.PageResult{}, err
	}
	return result, nil
}

func (b *browsingContext) Close() error {
	b.closed.Store(true)
	return nil
}

// buildCollector creates a new collector per load: clones share their HTTP
// backend, which would leak cookies between slots.
func (f *SessionFactory) buildCollector(transport http.RoundTripper, jar http.CookieJar) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false))
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(transport)
	collector.SetCookieJar(jar)
	return collector
}

func (f *SessionFactory) configureCollectorHooks(
	hooks collectorHooks,
	requestURL string,
	start time.Time,
	result *crawler.PageResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range f.cfg.Headers {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.PageResult{
			RequestedURL: requestURL,
			FinalURL:     r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Body:         append([]byte(nil), r.Body...),
			Duration:     time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &crawler.RetryableNetworkError{URL: url, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err != nil {
			return classify(url, fmt.Errorf("colly visit failed: %w", err))
		}
		if *fetchErr != nil {
			return classify(url, fmt.Errorf("colly response failed: %w", *fetchErr))
		}
		return nil
	}
}

func classify(url string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &crawler.RetryableNetworkError{URL: url, Err: err}
	}
	return err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ crawler.SessionFactory = (*SessionFactory)(nil)
