package netident

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// ProxyListConfig lists the proxies to cycle through.
type ProxyListConfig struct {
	Proxies    []string      `mapstructure:"proxies" yaml:"proxies"`
	Quarantine time.Duration `mapstructure:"quarantine" yaml:"quarantine"`
}

// ProxyList rotates round-robin over proxies, quarantining the one it
// rotates away from.
type ProxyList struct {
	mu         sync.RWMutex
	proxies    []string
	current    int
	blocked    map[string]time.Time
	quarantine time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewProxyList validates every proxy URL.
func NewProxyList(cfg ProxyListConfig, logger *zap.Logger) (*ProxyList, error) {
	if len(cfg.Proxies) == 0 {
		return nil, errors.New("no proxy URLs provided")
	}
	for i, raw := range cfg.Proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("proxy %d: invalid url %q", i+1, raw)
		}
	}
	if cfg.Quarantine <= 0 {
		cfg.Quarantine = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyList{
		proxies:    append([]string(nil), cfg.Proxies...),
		blocked:    make(map[string]time.Time),
		quarantine: cfg.Quarantine,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// Current returns the proxy new browser sessions should use.
func (p *ProxyList) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.proxies[p.current]
}

// Rotate advances to the next proxy outside quarantine and quarantines the
// one it leaves. With no candidate the current proxy stays in service.
func (p *ProxyList) Rotate(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for step := 1; step < len(p.proxies); step++ {
		idx := (p.current + step) % len(p.proxies)
		candidate := p.proxies[idx]
		if at, ok := p.blocked[candidate]; ok {
			if now.Sub(at) < p.quarantine {
				continue
			}
			delete(p.blocked, candidate)
		}
		p.blocked[p.proxies[p.current]] = now
		p.current = idx
		p.logger.Info("rotated proxy", zap.Int("index", idx))
		return true
	}
	p.logger.Warn("no proxy available, keeping current", zap.Int("proxies", len(p.proxies)))
	return false
}

// CurrentStatus reports whether the current proxy is outside quarantine.
func (p *ProxyList) CurrentStatus(_ context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	at, ok := p.blocked[p.proxies[p.current]]
	return !ok || p.now().Sub(at) >= p.quarantine
}

// Real is true: new sessions egress through a different proxy.
func (p *ProxyList) Real() bool { return true }

var _ crawler.NetworkController = (*ProxyList)(nil)
