package resilience

import (
	"context"

	"github.com/turnline-ai/turnline/internal/dialog"
)

// PolicyFallback implements [dialog.Policy] with automatic failover across
// multiple reply policies. The usual arrangement is a provider-backed
// primary with [dialog.EchoPolicy] as the terminal fallback, so a model
// outage degrades replies instead of silencing the agent.
type PolicyFallback struct {
	group *FallbackGroup[dialog.Policy]
}

// Compile-time interface assertion.
var _ dialog.Policy = (*PolicyFallback)(nil)

// NewPolicyFallback creates a [PolicyFallback] with primary as the preferred
// policy.
func NewPolicyFallback(primary dialog.Policy, primaryName string, cfg FallbackConfig) *PolicyFallback {
	return &PolicyFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional policy as a fallback.
func (f *PolicyFallback) AddFallback(name string, policy dialog.Policy) {
	f.group.AddFallback(name, policy)
}

// Decide returns the reply of the first healthy policy.
func (f *PolicyFallback) Decide(ctx context.Context, transcript string) (string, error) {
	return ExecuteWithResult(f.group, func(p dialog.Policy) (string, error) {
		return p.Decide(ctx, transcript)
	})
}
