package resilience

import (
	"context"

	"github.com/turnline-ai/turnline/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// Only session setup is covered by failover; once a stream is open,
// mid-stream errors are surfaced through the session handle.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream begins synthesis against the first healthy provider.
func (f *TTSFallback) StartStream(ctx context.Context, text string, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.SessionHandle, error) {
		return p.StartStream(ctx, text, cfg)
	})
}
