package policy

import (
	"fmt"
	"sync"
)

// SecurityProfile is the mutable security posture exposed over REST.
// Switching profiles adjusts the fallback action and whether heuristic
// checks escalate to the user.
type SecurityProfile string

const (
	ProfileStrict   SecurityProfile = "strict"
	ProfileStandard SecurityProfile = "standard"
	ProfileRelaxed  SecurityProfile = "relaxed"
)

func (p SecurityProfile) Valid() bool {
	switch p {
	case ProfileStrict, ProfileStandard, ProfileRelaxed:
		return true
	}
	return false
}

// ProfileStore holds the active profile and applies it to an engine
type ProfileStore struct {
	mu      sync.Mutex
	active  SecurityProfile
	engine  *Engine
	persist func(p SecurityProfile)
}

func NewProfileStore(engine *Engine, initial SecurityProfile, persist func(SecurityProfile)) *ProfileStore {
	s := &ProfileStore{engine: engine, persist: persist}
	if !initial.Valid() {
		initial = ProfileStandard
	}
	s.applyLocked(initial)
	return s
}

func (s *ProfileStore) Active() SecurityProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Set validates and activates a profile
func (s *ProfileStore) Set(p SecurityProfile) error {
	if !p.Valid() {
		return fmt.Errorf("unknown security profile %q", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(p)
	if s.persist != nil {
		s.persist(p)
	}
	return nil
}

func (s *ProfileStore) applyLocked(p SecurityProfile) {
	s.active = p
	if s.engine == nil {
		return
	}
	switch p {
	case ProfileStrict:
		s.engine.FallbackAction = ActionAsk
	case ProfileRelaxed:
		s.engine.FallbackAction = ActionAllow
	default:
		// Standard defers to the preset defaults
		s.engine.FallbackAction = ""
	}
}
