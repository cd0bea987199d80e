// Package badges derives earned badges from a progress ledger and grants the
// new ones through the badge backend, at most one grant request at a time.
package badges

import (
	"sort"

	"github.com/agentworkforce/skillsync/internal/progress"
)

// Evaluator returns the badges a ledger qualifies for under one map's rules.
// Implementations must be pure: same inputs, same badges, in any call order.
type Evaluator interface {
	Evaluate(ledger *progress.Ledger, source string, def progress.MapDefinition) []progress.Badge
}

type EvaluatorFunc func(ledger *progress.Ledger, source string, def progress.MapDefinition) []progress.Badge

func (f EvaluatorFunc) Evaluate(ledger *progress.Ledger, source string, def progress.MapDefinition) []progress.Badge {
	return f(ledger, source, def)
}

// RuleEvaluator awards a reward node's badge once every prerequisite of the
// node is completed (or the node itself is), and a tag badge once the tag
// counter reaches the rule's count.
type RuleEvaluator struct{}

func (RuleEvaluator) Evaluate(ledger *progress.Ledger, source string, def progress.MapDefinition) []progress.Badge {
	sp, ok := ledger.Source(source)
	if !ok {
		return nil
	}
	mp := sp.MapProgress[def.MapID]
	completed := func(activityID string) bool {
		return mp.ActivityState[activityID].IsCompleted
	}

	var out []progress.Badge
	for _, node := range def.Activities {
		if node.Kind != progress.NodeReward || node.Badge == nil {
			continue
		}
		if completed(node.ActivityID) || prerequisitesMet(def, node, completed) {
			out = append(out, withSource(*node.Badge, source))
		}
	}
	for _, rule := range def.TagBadges {
		if sp.CompletedTags[rule.Tag] >= rule.Count {
			out = append(out, withSource(rule.Badge, source))
		}
	}
	return out
}

func prerequisitesMet(def progress.MapDefinition, node progress.ActivityDefinition, completed func(string) bool) bool {
	required := node.Prerequisites
	if len(required) == 0 {
		// A reward without explicit prerequisites closes the whole map.
		for _, other := range def.Activities {
			if other.Kind == progress.NodeActivity {
				required = append(required, other.ActivityID)
			}
		}
	}
	if len(required) == 0 {
		return false
	}
	for _, id := range required {
		if !completed(id) {
			return false
		}
	}
	return true
}

func withSource(b progress.Badge, source string) progress.Badge {
	if b.SourceURL == "" {
		b.SourceURL = source
	}
	if b.Type == "" {
		b.Type = progress.BadgeTypeMapCompletion
	}
	return b
}

// Candidates unions the evaluator's results over maps, dropping repeated ids.
// The result is ordered by badge id.
func Candidates(ev Evaluator, ledger *progress.Ledger, source string, maps []progress.MapDefinition) []progress.Badge {
	if ev == nil {
		ev = RuleEvaluator{}
	}
	seen := map[string]struct{}{}
	var out []progress.Badge
	for _, def := range maps {
		for _, badge := range ev.Evaluate(ledger, source, def) {
			if badge.ID == "" {
				continue
			}
			if _, dup := seen[badge.ID]; dup {
				continue
			}
			seen[badge.ID] = struct{}{}
			out = append(out, badge)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Diff returns the candidates whose ids are not already in state.
func Diff(candidates []progress.Badge, state *progress.BadgeState) []progress.Badge {
	var out []progress.Badge
	seen := map[string]struct{}{}
	for _, badge := range candidates {
		if badge.ID == "" || state.Has(badge.ID) {
			continue
		}
		if _, dup := seen[badge.ID]; dup {
			continue
		}
		seen[badge.ID] = struct{}{}
		out = append(out, badge)
	}
	return out
}
