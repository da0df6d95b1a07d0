package netident

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// Simulated pretends to rotate; it always succeeds.
type Simulated struct {
	logger    *zap.Logger
	rotations atomic.Int64
}

// NewSimulated returns a controller that only logs rotations.
func NewSimulated(logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{logger: logger}
}

// Rotate records a simulated rotation.
func (s *Simulated) Rotate(_ context.Context) bool {
	n := s.rotations.Add(1)
	s.logger.Info("simulated egress rotation", zap.Int64("rotations", n))
	return true
}

// CurrentStatus always reports connected.
func (s *Simulated) CurrentStatus(_ context.Context) bool { return true }

// Real is false: no identity actually changes.
func (s *Simulated) Real() bool { return false }

// Rotations returns how many times Rotate was called.
func (s *Simulated) Rotations() int64 { return s.rotations.Load() }

var _ crawler.NetworkController = (*Simulated)(nil)
