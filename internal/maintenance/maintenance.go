// Package maintenance runs the periodic housekeeping sweeps: expired
// rule pruning, turn-dedupe compaction, pairing limiter cleanup, and
// recovery of sessions stuck mid-transition.
package maintenance

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/bastille/internal/logger"
	"github.com/HyphaGroup/bastille/internal/session"
)

// StaleThreshold is how long a session may sit in starting or stopping
// before the sweep tears it down.
const StaleThreshold = 10 * time.Minute

// RulePruner drops expired policy rules
type RulePruner interface {
	PruneExpired(now time.Time) int
}

// SessionJanitor is the maintenance view of the session manager
type SessionJanitor interface {
	CompactDedupe(now time.Time) int
	Sessions(workspaceID string) []*session.Session
	StopSession(sessionID, reason string) error
}

// LimiterCleaner drops accumulated per-key rate limiter state
type LimiterCleaner interface {
	Cleanup()
}

// Sweeper schedules the sweeps on a shared cron runner
type Sweeper struct {
	cron    *cron.Cron
	rules   RulePruner
	manager SessionJanitor
	limiter LimiterCleaner
	now     func() time.Time
}

// New builds a sweeper. Any collaborator may be nil; its sweep is
// skipped.
func New(rules RulePruner, manager SessionJanitor, limiter LimiterCleaner) *Sweeper {
	return &Sweeper{
		cron:    cron.New(),
		rules:   rules,
		manager: manager,
		limiter: limiter,
		now:     time.Now,
	}
}

// Start registers the sweep schedule and begins running it
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("*/5 * * * *", s.SweepRules); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("*/5 * * * *", s.SweepDedupe); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("*/10 * * * *", s.SweepStaleSessions); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 * * * *", s.SweepLimiters); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info("Maintenance sweeper started")
	return nil
}

// Stop halts the cron runner, waiting for a running sweep to finish
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("Maintenance sweeper stopped")
}

// SweepRules prunes expired permission rules
func (s *Sweeper) SweepRules() {
	if s.rules == nil {
		return
	}
	if n := s.rules.PruneExpired(s.now()); n > 0 {
		logger.Info("Maintenance: pruned %d expired rules", n)
	}
}

// SweepDedupe compacts turn-dedupe caches across active sessions
func (s *Sweeper) SweepDedupe() {
	if s.manager == nil {
		return
	}
	if n := s.manager.CompactDedupe(s.now()); n > 0 {
		logger.Info("Maintenance: compacted %d dedupe records", n)
	}
}

// SweepStaleSessions ends sessions stuck in a transitional status.
// A session that has been starting or stopping past the threshold is
// not going to recover on its own.
func (s *Sweeper) SweepStaleSessions() {
	if s.manager == nil {
		return
	}
	cutoff := s.now().Add(-StaleThreshold)
	for _, sess := range s.manager.Sessions("") {
		if sess.Status != session.StatusStarting && sess.Status != session.StatusStopping {
			continue
		}
		if sess.LastActivity.After(cutoff) {
			continue
		}
		logger.Info("Maintenance: recovering stale session %s (status %s)", sess.ID, sess.Status)
		if err := s.manager.StopSession(sess.ID, "stale"); err != nil {
			logger.Error("Maintenance: failed to stop stale session %s: %v", sess.ID, err)
		}
	}
}

// SweepLimiters clears accumulated rate limiter state
func (s *Sweeper) SweepLimiters() {
	if s.limiter != nil {
		s.limiter.Cleanup()
	}
}
