// Package rotation decides when the outbound network identity should change.
//
// The Coordinator classifies responses as blocked, accumulates block signals
// and gates rotation requests behind a cooldown. How the identity changes is
// left to the injected crawler.NetworkController.
package rotation

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/metrics"
)

// Phase is the coordinator's state machine position.
type Phase string

// Phases of the rotation state machine.
const (
	PhaseStable              Phase = "stable"
	PhaseRotationRecommended Phase = "rotation_recommended"
	PhaseRotating            Phase = "rotating"
)

// Config tunes classification and gating.
type Config struct {
	AmbiguousThreshold  int           `mapstructure:"ambiguous_threshold" yaml:"ambiguous_threshold"`
	EscalationMultiple  int           `mapstructure:"escalation_multiple" yaml:"escalation_multiple"`
	RealCooldown        time.Duration `mapstructure:"real_cooldown" yaml:"real_cooldown"`
	SimulatedCooldown   time.Duration `mapstructure:"simulated_cooldown" yaml:"simulated_cooldown"`
	DefinitiveMarkers   []string      `mapstructure:"definitive_markers" yaml:"definitive_markers"`
	AmbiguousMarkers    []string      `mapstructure:"ambiguous_markers" yaml:"ambiguous_markers"`
	DefinitiveStatusSet []int         `mapstructure:"definitive_statuses" yaml:"definitive_statuses"`
}

// DefaultConfig returns the stock thresholds and markers.
func DefaultConfig() Config {
	return Config{
		AmbiguousThreshold:  3,
		EscalationMultiple:  3,
		RealCooldown:        5 * time.Minute,
		SimulatedCooldown:   30 * time.Second,
		DefinitiveMarkers:   []string{"captcha", "rate limit", "too many requests", "access denied"},
		AmbiguousMarkers:    []string{"forbidden", "robot"},
		DefinitiveStatusSet: []int{http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable},
	}
}

// Status is a point-in-time view for the control surface.
type Status struct {
	crawler.RotationState
	Phase Phase `json:"phase"`
	Real  bool  `json:"real"`
}

// Coordinator implements the block-signal and rotation protocol.
type Coordinator struct {
	cfg        Config
	controller crawler.NetworkController
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	blockCount int
	last       time.Time
	rotations  int
	rotating   bool
	hooks      []func()
}

// New builds a coordinator around the given controller.
func New(cfg Config, controller crawler.NetworkController, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.AmbiguousThreshold <= 0 {
		cfg.AmbiguousThreshold = def.AmbiguousThreshold
	}
	if cfg.EscalationMultiple <= 0 {
		cfg.EscalationMultiple = def.EscalationMultiple
	}
	if cfg.RealCooldown <= 0 {
		cfg.RealCooldown = def.RealCooldown
	}
	if cfg.SimulatedCooldown <= 0 {
		cfg.SimulatedCooldown = def.SimulatedCooldown
	}
	if len(cfg.DefinitiveMarkers) == 0 {
		cfg.DefinitiveMarkers = def.DefinitiveMarkers
	}
	if len(cfg.AmbiguousMarkers) == 0 {
		cfg.AmbiguousMarkers = def.AmbiguousMarkers
	}
	if len(cfg.DefinitiveStatusSet) == 0 {
		cfg.DefinitiveStatusSet = def.DefinitiveStatusSet
	}
	cfg.DefinitiveMarkers = lowerAll(cfg.DefinitiveMarkers)
	cfg.AmbiguousMarkers = lowerAll(cfg.AmbiguousMarkers)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		controller: controller,
		logger:     logger,
		now:        time.Now,
	}
}

// OnRotate registers fn to run after every successful rotation.
func (c *Coordinator) OnRotate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// IsBlocked classifies a response. Definitive signals count immediately;
// ambiguous ones only once the accumulated count reaches the threshold.
func (c *Coordinator) IsBlocked(statusCode int, body string) bool {
	lower := strings.ToLower(body)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.definitive(statusCode, lower) {
		c.blockCount++
		metrics.ObserveBlockSignal("definitive")
		return true
	}
	for _, m := range c.cfg.AmbiguousMarkers {
		if strings.Contains(lower, m) {
			c.blockCount++
			metrics.ObserveBlockSignal("ambiguous")
			return c.blockCount >= c.cfg.AmbiguousThreshold
		}
	}
	return false
}

func (c *Coordinator) definitive(statusCode int, lowerBody string) bool {
	for _, s := range c.cfg.DefinitiveStatusSet {
		if statusCode == s {
			return true
		}
	}
	for _, m := range c.cfg.DefinitiveMarkers {
		if strings.Contains(lowerBody, m) {
			return true
		}
	}
	return false
}

// RegisterBlockSignal records a block observed outside IsBlocked.
func (c *Coordinator) RegisterBlockSignal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCount++
}

// ShouldRotate reports whether enough block signals accumulated.
func (c *Coordinator) ShouldRotate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockCount >= c.cfg.AmbiguousThreshold
}

// Cooldown is the minimum gap between non-forced rotations.
func (c *Coordinator) Cooldown() time.Duration {
	if c.controller != nil && c.controller.Real() {
		return c.cfg.RealCooldown
	}
	return c.cfg.SimulatedCooldown
}

// Rotate asks the controller for a new identity. Non-forced calls inside the
// cooldown are refused unless the block count reached the escalation level.
// Success resets the block count; failure leaves state untouched.
func (c *Coordinator) Rotate(ctx context.Context, force bool) bool {
	cooldown := c.Cooldown()

	c.mu.Lock()
	if c.rotating {
		c.mu.Unlock()
		metrics.ObserveRotation("in_progress")
		return false
	}
	if !force && !c.last.IsZero() && c.now().Sub(c.last) < cooldown {
		if c.blockCount < c.cfg.AmbiguousThreshold*c.cfg.EscalationMultiple {
			c.mu.Unlock()
			metrics.ObserveRotation("cooldown")
			c.logger.Debug("rotation refused during cooldown", zap.Duration("cooldown", cooldown))
			return false
		}
		c.logger.Warn("rotation escalated past cooldown", zap.Int("block_count", c.blockCount))
	}
	c.rotating = true
	c.mu.Unlock()

	ok := c.controller != nil && c.controller.Rotate(ctx)

	c.mu.Lock()
	c.rotating = false
	if !ok {
		c.mu.Unlock()
		metrics.ObserveRotation("failed")
		c.logger.Warn("egress rotation failed", zap.Bool("force", force))
		return false
	}
	c.blockCount = 0
	c.last = c.now()
	c.rotations++
	hooks := append([]func(){}, c.hooks...)
	rotations := c.rotations
	c.mu.Unlock()

	metrics.ObserveRotation("rotated")
	c.logger.Info("egress rotated", zap.Bool("force", force), zap.Int("rotations", rotations))
	for _, fn := range hooks {
		fn()
	}
	return true
}

// State returns the current rotation state.
func (c *Coordinator) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	phase := PhaseStable
	switch {
	case c.rotating:
		phase = PhaseRotating
	case c.blockCount >= c.cfg.AmbiguousThreshold:
		phase = PhaseRotationRecommended
	}
	isReal := c.controller != nil && c.controller.Real()
	cooldown := c.cfg.SimulatedCooldown
	if isReal {
		cooldown = c.cfg.RealCooldown
	}
	return Status{
		RotationState: crawler.RotationState{
			LastRotation: c.last,
			BlockCount:   c.blockCount,
			Cooldown:     cooldown,
			Rotations:    c.rotations,
		},
		Phase: phase,
		Real:  isReal,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, m := range in {
		out[i] = strings.ToLower(m)
	}
	return out
}
