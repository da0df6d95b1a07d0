// Package pool owns the lifecycle of browser slots: creation, validation,
// recovery, retirement and periodic recycling. Workers lease a slot for one
// task at a time and never create or destroy slots themselves.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool closed")

// Config sizes and tunes the pool.
type Config struct {
	// Size is the slot count; 0 derives it from the CPU count.
	Size               int           `mapstructure:"size" yaml:"size"`
	RecycleEvery       int           `mapstructure:"recycle_every" yaml:"recycle_every"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	MaxRecoverFailures int           `mapstructure:"max_recover_failures" yaml:"max_recover_failures"`
	BuildTimeout       time.Duration `mapstructure:"build_timeout" yaml:"build_timeout"`
}

// DefaultSize returns clamp(cores/2, 2, 8).
func DefaultSize() int {
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}
	return clamp(cores/2, 2, 8)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Slot is one exclusively leased browsing context.
type Slot struct {
	Index int

	session  crawler.Session
	bctx     crawler.BrowsingContext
	gen      uint64
	failures int
	retired  bool
}

// Context returns the slot's browsing context.
func (s *Slot) Context() crawler.BrowsingContext { return s.bctx }

// Stats is a snapshot of pool health.
type Stats struct {
	Size       int    `json:"size"`
	Live       int    `json:"live"`
	Busy       int    `json:"busy"`
	Generation uint64 `json:"generation"`
	Recycles   int    `json:"recycles"`
	Recycling  bool   `json:"recycling"`
}

// Manager is the worker pool.
type Manager struct {
	cfg     Config
	factory crawler.SessionFactory
	logger  *zap.Logger

	slots []*Slot
	free  chan int
	done  chan struct{}
	dead  chan struct{}

	mu          sync.Mutex
	gen         uint64
	gate        chan struct{}
	recycling   bool
	recycles    int
	completions int
	live        int
	leased      map[int]bool
	closed      bool
	background  sync.WaitGroup
}

// New builds every slot in parallel. Slots that fail to build are retired;
// the pool fails only if none could be built.
func New(ctx context.Context, cfg Config, factory crawler.SessionFactory, logger *zap.Logger) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxRecoverFailures <= 0 {
		cfg.MaxRecoverFailures = 3
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := make(chan struct{})
	close(gate)
	m := &Manager{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		slots:   make([]*Slot, cfg.Size),
		free:    make(chan int, cfg.Size),
		done:    make(chan struct{}),
		dead:    make(chan struct{}),
		gate:    gate,
		leased:  make(map[int]bool, cfg.Size),
	}

	buildErrs := make([]error, cfg.Size)
	var g errgroup.Group
	for i := range m.slots {
		slot := &Slot{Index: i}
		m.slots[i] = slot
		g.Go(func() error {
			buildErrs[i] = m.build(ctx, slot)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range buildErrs {
		if err != nil {
			logger.Warn("slot build failed, retiring", zap.Int("slot", i), zap.Error(err))
			m.slots[i].retired = true
			metrics.ObserveSlotRetired()
			continue
		}
		m.live++
		m.free <- i
	}
	metrics.SetSlotsLive(m.live)
	if m.live == 0 {
		return nil, &crawler.FatalPoolError{Retired: cfg.Size, Err: errors.Join(buildErrs...)}
	}
	logger.Info("worker pool ready", zap.Int("size", cfg.Size), zap.Int("live", m.live))
	return m, nil
}

// Size returns the configured slot count.
func (m *Manager) Size() int { return len(m.slots) }

// Acquire leases a free slot, blocking while the pool is saturated or
// recycling.
func (m *Manager) Acquire(ctx context.Context) (*Slot, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if m.live == 0 {
			m.mu.Unlock()
			return nil, &crawler.FatalPoolError{Retired: len(m.slots)}
		}
		gate := m.gate
		m.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire slot: %w", ctx.Err())
		case <-m.done:
			return nil, ErrPoolClosed
		}

		select {
		case idx := <-m.free:
			slot, ok := m.lease(idx)
			if !ok {
				continue
			}
			return slot, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire slot: %w", ctx.Err())
		case <-m.done:
			return nil, ErrPoolClosed
		case <-m.dead:
			return nil, &crawler.FatalPoolError{Retired: len(m.slots)}
		}
	}
}

// lease marks idx as held, or hands it back when a recycle started.
func (m *Manager) lease(idx int) (*Slot, bool) {
	m.mu.Lock()
	slot := m.slots[idx]
	if m.recycling {
		m.free <- idx
		m.mu.Unlock()
		return nil, false
	}
	if slot.retired {
		m.mu.Unlock()
		return nil, false
	}
	if m.leased[idx] {
		m.mu.Unlock()
		panic(fmt.Sprintf("pool: slot %d leased twice", idx))
	}
	m.leased[idx] = true
	stale := slot.gen != m.gen
	m.mu.Unlock()
	metrics.IncSlotsBusy()

	if stale {
		if err := m.rebuild(slot); err != nil {
			m.logger.Warn("stale slot rebuild failed", zap.Int("slot", idx), zap.Error(err))
			m.mu.Lock()
			retired := slot.retired
			if retired {
				delete(m.leased, idx)
			}
			m.mu.Unlock()
			if retired {
				metrics.DecSlotsBusy()
				return nil, false
			}
		}
	}
	return slot, true
}

// Release returns a slot. Slots from an older generation are rebuilt first.
func (m *Manager) Release(slot *Slot) {
	m.mu.Lock()
	if !m.leased[slot.Index] {
		m.mu.Unlock()
		return
	}
	delete(m.leased, slot.Index)
	stale := slot.gen != m.gen && !m.closed
	m.mu.Unlock()
	metrics.DecSlotsBusy()

	if stale {
		if err := m.rebuild(slot); err != nil {
			m.logger.Warn("slot rebuild on release failed", zap.Int("slot", slot.Index), zap.Error(err))
		}
	}
	m.putBack(slot)
}

// putBack returns slot to the free list, or closes it if the pool closed.
func (m *Manager) putBack(slot *Slot) {
	m.mu.Lock()
	if slot.retired {
		m.mu.Unlock()
		return
	}
	if m.closed {
		m.mu.Unlock()
		m.closeResources(slot)
		return
	}
	m.free <- slot.Index
	m.mu.Unlock()
}

// Validate runs a cheap liveness probe with a short deadline.
func (m *Manager) Validate(ctx context.Context, slot *Slot) bool {
	if slot == nil || slot.bctx == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if err := slot.bctx.Probe(probeCtx); err != nil {
		m.logger.Debug("slot probe failed", zap.Int("slot", slot.Index), zap.Error(err))
		return false
	}
	return true
}

// Recover tears down the slot's context and rebuilds it, replacing the
// session too if needed. Repeated failures retire the slot.
func (m *Manager) Recover(ctx context.Context, slot *Slot) error {
	err := m.recoverContext(ctx, slot)
	if err == nil {
		metrics.ObserveSlotRecovery(true)
		m.mu.Lock()
		slot.failures = 0
		m.mu.Unlock()
		return nil
	}
	metrics.ObserveSlotRecovery(false)
	m.noteFailure(slot, err)
	return &crawler.SlotInvalidError{Slot: slot.Index, Err: err}
}

func (m *Manager) recoverContext(ctx context.Context, slot *Slot) error {
	buildCtx, cancel := context.WithTimeout(ctx, m.cfg.BuildTimeout)
	defer cancel()

	if slot.bctx != nil {
		if err := slot.bctx.Close(); err != nil {
			m.logger.Warn("close browsing context failed", zap.Int("slot", slot.Index), zap.Error(err))
		}
		slot.bctx = nil
	}
	if slot.session != nil {
		bctx, err := slot.session.NewContext(buildCtx)
		if err == nil {
			slot.bctx = bctx
			return nil
		}
		m.logger.Info("context rebuild failed, replacing session", zap.Int("slot", slot.Index), zap.Error(err))
	}
	return m.build(buildCtx, slot)
}

func (m *Manager) noteFailure(slot *Slot, err error) {
	m.mu.Lock()
	slot.failures++
	if slot.failures < m.cfg.MaxRecoverFailures || slot.retired {
		m.mu.Unlock()
		return
	}
	slot.retired = true
	m.live--
	live := m.live
	if live == 0 {
		close(m.dead)
	}
	m.mu.Unlock()

	m.closeResources(slot)
	metrics.ObserveSlotRetired()
	metrics.SetSlotsLive(live)
	m.logger.Error("slot retired after repeated recovery failures",
		zap.Int("slot", slot.Index), zap.Int("live", live), zap.Error(err))
}

// build replaces the slot's session and context.
func (m *Manager) build(ctx context.Context, slot *Slot) error {
	m.closeResources(slot)
	sess, err := m.factory.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	bctx, err := sess.NewContext(ctx)
	if err != nil {
		if cerr := sess.Close(); cerr != nil {
			m.logger.Warn("close session failed", zap.Int("slot", slot.Index), zap.Error(cerr))
		}
		return fmt.Errorf("new browsing context: %w", err)
	}
	m.mu.Lock()
	slot.session = sess
	slot.bctx = bctx
	slot.gen = m.gen
	m.mu.Unlock()
	return nil
}

// rebuild is build with failure accounting, used for recycling.
func (m *Manager) rebuild(slot *Slot) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BuildTimeout)
	defer cancel()
	if err := m.build(ctx, slot); err != nil {
		m.noteFailure(slot, err)
		return err
	}
	m.mu.Lock()
	slot.failures = 0
	m.mu.Unlock()
	return nil
}

// closeResources closes the context and session; failures are logged and
// ignored.
func (m *Manager) closeResources(slot *Slot) {
	if slot.bctx != nil {
		if err := slot.bctx.Close(); err != nil {
			m.logger.Warn("close browsing context failed", zap.Int("slot", slot.Index), zap.Error(err))
		}
		slot.bctx = nil
	}
	if slot.session != nil {
		if err := slot.session.Close(); err != nil {
			m.logger.Warn("close session failed", zap.Int("slot", slot.Index), zap.Error(err))
		}
		slot.session = nil
	}
}

// NoteCompletion counts a finished task and starts a recycle every
// RecycleEvery completions.
func (m *Manager) NoteCompletion() {
	m.mu.Lock()
	m.completions++
	due := m.cfg.RecycleEvery > 0 && m.completions%m.cfg.RecycleEvery == 0
	m.mu.Unlock()
	if due {
		m.RequestRecycle()
	}
}

// RequestRecycle recycles the pool in the background.
func (m *Manager) RequestRecycle() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.background.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.background.Done()
		m.RecycleAll(context.Background())
	}()
}

// RecycleAll rebuilds every slot. Idle slots are rebuilt now; leased slots
// keep running their task and are rebuilt on Release. Acquire blocks until
// the idle slots are back.
func (m *Manager) RecycleAll(ctx context.Context) {
	m.mu.Lock()
	if m.recycling || m.closed {
		m.mu.Unlock()
		return
	}
	m.recycling = true
	m.gen++
	gen := m.gen
	m.gate = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("recycling worker pool", zap.Uint64("generation", gen))

	var idle []int
drain:
	for {
		select {
		case idx := <-m.free:
			idle = append(idle, idx)
		default:
			break drain
		}
	}

	var g errgroup.Group
	for _, idx := range idle {
		slot := m.slots[idx]
		m.mu.Lock()
		current := slot.gen == gen
		m.mu.Unlock()
		if current {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := m.rebuild(slot); err != nil {
				m.logger.Warn("slot rebuild during recycle failed", zap.Int("slot", slot.Index), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.recycling = false
	m.recycles++
	close(m.gate)
	m.mu.Unlock()
	for _, idx := range idle {
		m.putBack(m.slots[idx])
	}
	metrics.ObservePoolRecycle()
}

// Stats returns a snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Size:       len(m.slots),
		Live:       m.live,
		Busy:       len(m.leased),
		Generation: m.gen,
		Recycles:   m.recycles,
		Recycling:  m.recycling,
	}
}

// Close stops new leases and closes idle slots. Leased slots are closed
// when released.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.background.Wait()

	for {
		select {
		case idx := <-m.free:
			m.closeResources(m.slots[idx])
		default:
			m.logger.Info("worker pool closed")
			return nil
		}
	}
}
