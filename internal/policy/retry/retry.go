// Package retry classifies task errors and computes backoff delays.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// Class is the recovery action an error calls for.
type Class int

// Error classes, in the order the worker checks them.
const (
	Fatal Class = iota
	Retryable
	NeedsSlotRecovery
	NeedsRotation
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case NeedsSlotRecovery:
		return "needs_slot_recovery"
	case NeedsRotation:
		return "needs_rotation"
	default:
		return "fatal"
	}
}

// Config tunes the backoff curve.
type Config struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	// Jitter spreads each delay over [d/2, d) when set.
	Jitter bool `mapstructure:"jitter" yaml:"jitter"`
}

// Policy implements exponential backoff with optional jitter.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     bool
}

// New builds a policy, filling zero fields with defaults.
func New(cfg Config) *Policy {
	p := &Policy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		jitter:     cfg.Jitter,
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 500 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 30 * time.Second
	}
	return p
}

// MaxRetries returns how many retries follow the first attempt.
func (p *Policy) MaxRetries() int { return p.maxRetries }

// Exhausted reports whether attempt (1-based executions so far) used up the budget.
func (p *Policy) Exhausted(attempt int) bool {
	return attempt > p.maxRetries
}

// Backoff returns base × 2^attempt capped at the max delay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

var slotMarkers = []string{
	"context destroyed",
	"execution context was destroyed",
	"target closed",
	"session closed",
	"context canceled by browser",
	"browser closed",
	"context closed",
	"browser has been closed",
	"page has been closed",
	"frame detached",
	"target detached",
	"no such target",
	"invalid context",
}

var networkMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"connection closed by peer",
	"net::err_",
	"eof",
	"temporary failure",
	"no such host",
	"closed network connection",
	"closed idle connection",
}

// Classify maps an error to the recovery action it requires.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	var block *crawler.BlockDetectedError
	if errors.As(err, &block) {
		return NeedsRotation
	}
	var slotErr *crawler.SlotInvalidError
	if errors.As(err, &slotErr) {
		return NeedsSlotRecovery
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}

	msg := strings.ToLower(err.Error())
	// Torn-down handles win over network text.
	for _, m := range slotMarkers {
		if strings.Contains(msg, m) && !isConnectionClose(msg) {
			return NeedsSlotRecovery
		}
	}

	var netRetry *crawler.RetryableNetworkError
	if errors.As(err, &netRetry) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return Retryable
		}
	}
	return Fatal
}

// isConnectionClose keeps socket-level closes classified as network errors.
func isConnectionClose(msg string) bool {
	return strings.Contains(msg, "connection closed") || strings.Contains(msg, "closed network connection")
}
