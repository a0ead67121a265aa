// Package dialog decides what the agent says in reply to a finalised user
// utterance.
//
// The primary abstraction is [Policy]: given the final transcript of one
// speech segment, produce the reply text to synthesise. The built-in
// policies cover local operation — [EchoPolicy] mirrors the transcript back
// and [ScriptedPolicy] cycles through canned lines — while [OpenAIPolicy]
// delegates the decision to a chat model.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration logic and is not intended to be imported
// by external code.
package dialog

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Policy produces the agent's reply for a finalised transcript.
//
// Implementations must be safe for concurrent use; multiple calls may be
// deciding at the same time.
type Policy interface {
	// Decide returns the reply text for the given final transcript. An empty
	// reply suppresses synthesis for the turn. ctx bounds the decision; a
	// policy backed by a remote model must honour cancellation.
	Decide(ctx context.Context, transcript string) (string, error)
}

// ─── EchoPolicy ───

// EchoPolicy replies by mirroring the transcript back to the speaker.
// It is the default policy and requires no external services.
type EchoPolicy struct{}

var _ Policy = EchoPolicy{}

// Decide implements Policy.
func (EchoPolicy) Decide(_ context.Context, transcript string) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", nil
	}
	return "You said: " + transcript, nil
}

// ─── ScriptedPolicy ───

// ScriptedPolicy cycles through a fixed list of reply lines, one per turn,
// wrapping around after the last. Useful for demos and load tests where the
// reply content is irrelevant but synthesis must still run.
type ScriptedPolicy struct {
	lines []string

	mu   sync.Mutex
	next int
}

var _ Policy = (*ScriptedPolicy)(nil)

// NewScriptedPolicy parses a "|"-separated script into a cyclic reply list.
// Blank entries are dropped; at least one non-blank line is required.
func NewScriptedPolicy(script string) (*ScriptedPolicy, error) {
	var lines []string
	for _, l := range strings.Split(script, "|") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, errors.New("dialog: script must contain at least one non-blank line")
	}
	return &ScriptedPolicy{lines: lines}, nil
}

// Decide implements Policy. The transcript is ignored; the next scripted
// line is returned in round-robin order.
func (p *ScriptedPolicy) Decide(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := p.lines[p.next]
	p.next = (p.next + 1) % len(p.lines)
	return line, nil
}
