package pipeline

import "errors"

// ErrNoSuchTransition is returned when no transition matches a requested
// (from, to, trigger[, agentOutcome]) combination.
var ErrNoSuchTransition = errors.New("pipeline: no such transition")

// ValidTransitions returns the transitions whose From matches status,
// optionally filtered to a single trigger.
func (p *Pipeline) ValidTransitions(status string, trigger *Trigger) []Transition {
	var out []Transition
	for _, t := range p.Transitions {
		if !t.MatchesFrom(status) {
			continue
		}
		if trigger != nil && t.Trigger != *trigger {
			continue
		}
		out = append(out, t)
	}
	return out
}

// GroupedTransitions groups the transitions valid from status by trigger.
type GroupedTransitions struct {
	Manual []Transition
	Agent  []Transition
	System []Transition
}

// AllTransitions returns every transition valid from status, grouped by
// trigger.
func (p *Pipeline) AllTransitions(status string) GroupedTransitions {
	var g GroupedTransitions
	for _, t := range p.Transitions {
		if !t.MatchesFrom(status) {
			continue
		}
		switch t.Trigger {
		case TriggerManual:
			g.Manual = append(g.Manual, t)
		case TriggerAgent:
			g.Agent = append(g.Agent, t)
		case TriggerSystem:
			g.System = append(g.System, t)
		}
	}
	return g
}

// FindTransition selects the unique transition for (from, to, trigger
// [, agentOutcome]). When trigger is agent, agentOutcome discriminates;
// otherwise it is ignored. An exact From match is preferred over a
// wildcard match when both exist.
func (p *Pipeline) FindTransition(from, to string, trigger Trigger, agentOutcome string) (Transition, error) {
	var wildcardMatch *Transition
	for i := range p.Transitions {
		t := p.Transitions[i]
		if t.To != to || t.Trigger != trigger {
			continue
		}
		if trigger == TriggerAgent && t.AgentOutcome != agentOutcome {
			continue
		}
		if t.From == from {
			return t, nil
		}
		if t.From == Wildcard {
			wildcardMatch = &p.Transitions[i]
		}
	}
	if wildcardMatch != nil {
		return *wildcardMatch, nil
	}
	return Transition{}, ErrNoSuchTransition
}

// FindTransitionByOutcome selects the unique agent-triggered transition
// matching (from, agentOutcome) without the caller needing to know the
// destination status in advance — used by the Agent Executor, which only
// knows the outcome an agent run produced, not which pipeline state it
// routes to. An exact From match is preferred over a wildcard match.
func (p *Pipeline) FindTransitionByOutcome(from, agentOutcome string) (Transition, error) {
	var wildcardMatch *Transition
	for i := range p.Transitions {
		t := p.Transitions[i]
		if t.Trigger != TriggerAgent || t.AgentOutcome != agentOutcome {
			continue
		}
		if t.From == from {
			return t, nil
		}
		if t.From == Wildcard {
			wildcardMatch = &p.Transitions[i]
		}
	}
	if wildcardMatch != nil {
		return *wildcardMatch, nil
	}
	return Transition{}, ErrNoSuchTransition
}
