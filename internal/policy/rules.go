package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RuleStore holds stored rules under a single mutex. Mutations invoke
// the persist hook so the composition root can write the store through
// to disk.
type RuleStore struct {
	mu      sync.Mutex
	rules   []*Rule
	serial  int64
	persist func(rules []*Rule)
}

// NewRuleStore creates an empty store
func NewRuleStore(persist func(rules []*Rule)) *RuleStore {
	return &RuleStore{persist: persist}
}

// Load replaces the store contents, used at boot
func (s *RuleStore) Load(rules []*Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = s.rules[:0]
	for _, r := range rules {
		s.serial++
		r.serial = s.serial
		s.rules = append(s.rules, r)
	}
}

// Add inserts a rule, assigning id and insertion order
func (s *RuleStore) Add(r *Rule) *Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.serial++
	r.serial = s.serial
	s.rules = append(s.rules, r)
	s.persistLocked()
	return r
}

// Remove deletes a rule by id
func (s *RuleStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.rules {
		if r.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			s.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", id)
}

// List returns a copy of all rules
func (s *RuleStore) List() []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// PruneExpired drops rules whose expiresAt has passed, returning the
// count removed. Called from the maintenance sweep.
func (s *RuleStore) PruneExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rules[:0]
	removed := 0
	for _, r := range s.rules {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.rules = kept
	if removed > 0 {
		s.persistLocked()
	}
	return removed
}

// DropSessionRules removes session-scoped rules for an ended session
func (s *RuleStore) DropSessionRules(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rules[:0]
	changed := false
	for _, r := range s.rules {
		if r.Scope == ScopeSession && r.SessionID == sessionID {
			changed = true
			continue
		}
		kept = append(kept, r)
	}
	s.rules = kept
	if changed {
		s.persistLocked()
	}
}

// matching returns rules applicable to the request under the binding,
// skipping expired rules and rules scoped to other sessions/workspaces.
func (s *RuleStore) matching(req *Request, b *Binding, now time.Time) []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Rule
	for _, r := range s.rules {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			continue
		}
		switch r.Scope {
		case ScopeSession:
			if r.SessionID != b.SessionID {
				continue
			}
		case ScopeWorkspace:
			if r.WorkspaceID != b.WorkspaceID {
				continue
			}
		}
		if ruleMatches(r, req) {
			out = append(out, r)
		}
	}
	return out
}

func (s *RuleStore) persistLocked() {
	if s.persist == nil {
		return
	}
	snapshot := make([]*Rule, len(s.rules))
	copy(snapshot, s.rules)
	s.persist(snapshot)
}

// ruleMatches tests one rule against one request
func ruleMatches(r *Rule, req *Request) bool {
	if r.Tool != "" && r.Tool != "*" && r.Tool != req.Tool {
		return false
	}

	if req.Tool == "bash" {
		command := req.CommandOf()
		if r.Executable != "" {
			matched := false
			for _, clause := range SplitClauses(command) {
				if ParseBashCommand(clause).Executable == r.Executable {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		if r.Pattern != "" {
			return Glob(r.Pattern, command)
		}
		return true
	}

	if r.Pattern != "" {
		return Glob(r.Pattern, req.PathOf())
	}
	return true
}

// specificity orders matching rules: longer literal prefixes beat
// shorter; a bash rule with an executable selector beats one without.
func specificity(r *Rule) int {
	if r.Executable != "" {
		return 1000 + len(r.Pattern)
	}
	return LiteralPrefixLen(r.Pattern)
}
