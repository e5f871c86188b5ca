package orchestrator

import (
	"fmt"
	"strings"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/provider"
)

// PlanEntry is one provider in a RetryPlan with its attempt budget.
type PlanEntry struct {
	Descriptor provider.Descriptor
	Attempts   int
}

// RetryPlan is the ordered list of providers tried for one call.
type RetryPlan struct {
	Entries []PlanEntry
	Backoff Backoff
}

func (p RetryPlan) Keys() []string {
	keys := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		keys[i] = e.Descriptor.Key
	}
	return keys
}

// PlanDefaults are the orchestrator-wide settings BuildPlan falls back on.
type PlanDefaults struct {
	// DefaultProvider is used when the caller names no provider.
	DefaultProvider string
	// Attempts applies to descriptors without their own attempt count.
	Attempts int
	Backoff  Backoff
}

// BuildPlan orders the preferred provider first, then the fallbacks.
// Unknown and disabled keys are skipped and each provider appears once.
// With no provider named at all, every enabled descriptor is used in
// configuration order.
func BuildPlan(preferred string, descriptors []provider.Descriptor, fallbacks []string, defaults PlanDefaults) (RetryPlan, error) {
	byKey := make(map[string]provider.Descriptor, len(descriptors))
	for _, d := range descriptors {
		byKey[d.Key] = d
	}

	if preferred == "" {
		preferred = defaults.DefaultProvider
	}
	var keys []string
	if preferred != "" {
		keys = append(keys, preferred)
	}
	keys = append(keys, fallbacks...)
	if len(keys) == 0 {
		for _, d := range descriptors {
			keys = append(keys, d.Key)
		}
	}

	attempts := defaults.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	plan := RetryPlan{Backoff: defaults.Backoff}
	if plan.Backoff == nil {
		plan.Backoff = DefaultBackoff()
	}

	var skipped []string
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		d, ok := byKey[k]
		if !ok || !d.Enabled {
			skipped = append(skipped, k)
			continue
		}
		n := d.Attempts
		if n <= 0 {
			n = attempts
		}
		plan.Entries = append(plan.Entries, PlanEntry{Descriptor: d, Attempts: n})
	}

	if len(plan.Entries) == 0 {
		msg := "no enabled providers configured"
		if len(skipped) > 0 {
			msg = fmt.Sprintf("no enabled providers among %s", strings.Join(skipped, ", "))
		}
		return RetryPlan{}, llm.NewConfigurationError(msg)
	}
	return plan, nil
}
