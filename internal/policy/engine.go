package policy

import (
	"sort"
	"strings"
	"time"

	"github.com/HyphaGroup/bastille/internal/metrics"
)

// Engine decides permission outcomes for tool invocations. Evaluation
// proceeds through fixed layers: guardrails first, then the permission
// meta-tools, stored user rules, built-in heuristics, preset external
// action hardening, and finally the preset default.
type Engine struct {
	Rules *RuleStore

	// FallbackAction overrides the preset default when set
	FallbackAction Action
}

func NewEngine(rules *RuleStore) *Engine {
	return &Engine{Rules: rules}
}

// Evaluate decides one tool request under the given binding
func (e *Engine) Evaluate(req *Request, b *Binding) *Decision {
	d := e.evaluate(req, b)
	metrics.PermissionDecisions.WithLabelValues(string(d.Layer), string(d.Action)).Inc()
	return d
}

func (e *Engine) evaluate(req *Request, b *Binding) *Decision {
	if d := evaluateGuardrails(req); d != nil {
		return d
	}

	// Meta-tools that edit the policy itself always surface to the user
	if strings.HasPrefix(req.Tool, "policy.") {
		return &Decision{
			Action: ActionAsk,
			Layer:  LayerPermission,
			Reason: "policy changes require explicit approval",
		}
	}

	if d := e.evaluateRules(req, b); d != nil {
		return d
	}

	if d := evaluateHeuristics(req); d != nil {
		return d
	}

	if d := evaluatePresetActions(req, b.Preset); d != nil {
		return d
	}

	return e.presetDefault(b)
}

// evaluateRules applies stored user rules. Any matching deny rule wins
// outright. Otherwise the most specific rule decides, with broader
// scopes losing ties and ask beating allow at equal footing.
func (e *Engine) evaluateRules(req *Request, b *Binding) *Decision {
	if e.Rules == nil {
		return nil
	}
	matched := e.Rules.matching(req, b, time.Now())
	if len(matched) == 0 {
		return nil
	}

	var deny *Rule
	for _, r := range matched {
		if r.Action != ActionDeny {
			continue
		}
		if deny == nil || betterRule(r, deny) {
			deny = r
		}
	}
	if deny != nil {
		return &Decision{
			Action: ActionDeny,
			Layer:  LayerRule,
			Reason: "denied by rule",
			RuleID: deny.ID,
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return betterRule(matched[i], matched[j])
	})
	top := matched[0]
	return &Decision{
		Action: top.Action,
		Layer:  LayerRule,
		Reason: "matched rule",
		RuleID: top.ID,
	}
}

// betterRule reports whether a should decide ahead of b
func betterRule(a, b *Rule) bool {
	sa, sb := specificity(a), specificity(b)
	if sa != sb {
		return sa > sb
	}
	ra, rb := a.Scope.rank(), b.Scope.rank()
	if ra != rb {
		return ra > rb
	}
	// At equal specificity and scope the more cautious action prevails
	if a.Action != b.Action {
		return actionRank(a.Action) > actionRank(b.Action)
	}
	return a.serial < b.serial
}

func actionRank(a Action) int {
	switch a {
	case ActionDeny:
		return 2
	case ActionAsk:
		return 1
	default:
		return 0
	}
}

// presetDefault is the terminal layer when nothing else decided
func (e *Engine) presetDefault(b *Binding) *Decision {
	if e.FallbackAction != "" {
		return &Decision{
			Action: e.FallbackAction,
			Layer:  LayerFallback,
			Reason: "configured default",
		}
	}
	if b.Preset == PresetHost && b.Unsandboxed {
		return &Decision{
			Action: ActionAllow,
			Layer:  LayerFallback,
			Reason: "host preset default",
		}
	}
	return &Decision{
		Action: ActionAsk,
		Layer:  LayerFallback,
		Reason: "no rule matched",
	}
}
