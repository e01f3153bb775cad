package backend

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// QuotaGate is the slice of the quota tracker the selector needs.
// CanSend is a read-only probe for health/routing previews; TryReserve
// atomically claims one unit so the check and the claim cannot race.
type QuotaGate interface {
	CanSend() bool
	TryReserve() bool
}

// Selector picks the active backend for each send. Policy: primary
// while the daily quota has capacity and no fatal configuration error
// has been observed this process lifetime; otherwise fallback. A
// transient primary failure never flips the selection — only quota
// exhaustion or a fatal error does.
type Selector struct {
	primary  Backend
	fallback Backend
	quota    QuotaGate
	logger   *zap.Logger

	primaryDown atomic.Bool
}

func NewSelector(primary, fallback Backend, quota QuotaGate, logger *zap.Logger) *Selector {
	return &Selector{
		primary:  primary,
		fallback: fallback,
		quota:    quota,
		logger:   logger,
	}
}

// Pick previews the backend the next send would use, or nil when no
// path is currently available. Pick never consumes quota; sends must go
// through Acquire.
func (s *Selector) Pick() Backend {
	if s.primary != nil && !s.primaryDown.Load() && s.quota.CanSend() {
		return s.primary
	}
	return s.fallback
}

// Acquire picks the backend for an actual send. Routing to the primary
// claims one quota unit in the same step, so two concurrent sends can
// never both take the last unit. The flag reports whether a reservation
// is held; the caller must settle it with quota Commit or Release.
func (s *Selector) Acquire() (Backend, bool) {
	if s.primary != nil && !s.primaryDown.Load() && s.quota.TryReserve() {
		return s.primary, true
	}
	return s.fallback, false
}

// MarkPrimaryFatal latches the fallback path after a terminal
// configuration error on the primary. Stays latched until Reset.
func (s *Selector) MarkPrimaryFatal(err error) {
	if s.primaryDown.CompareAndSwap(false, true) {
		s.logger.Error("Primary backend disabled for process lifetime",
			zap.Error(err),
		)
	}
}

// Reset re-enables the primary (operator action after fixing config).
func (s *Selector) Reset() {
	if s.primaryDown.CompareAndSwap(true, false) {
		s.logger.Info("Primary backend re-enabled")
	}
}

// Primary returns the configured primary backend.
func (s *Selector) Primary() Backend {
	return s.primary
}

// Fallback returns the configured fallback backend.
func (s *Selector) Fallback() Backend {
	return s.fallback
}

// Active names the backend a send would use right now, for health
// reporting.
func (s *Selector) Active() string {
	if b := s.Pick(); b != nil {
		return b.Name()
	}
	return "none"
}

// Degraded reports whether sends are currently routed to the fallback.
func (s *Selector) Degraded() bool {
	b := s.Pick()
	return b == nil || (s.fallback != nil && b == s.fallback)
}
