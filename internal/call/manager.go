package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turnline-ai/turnline/internal/dialog"
	"github.com/turnline-ai/turnline/internal/telemetry"
	"github.com/turnline-ai/turnline/internal/turn"
	"github.com/turnline-ai/turnline/pkg/audio"
	"github.com/turnline-ai/turnline/pkg/provider/stt"
	"github.com/turnline-ai/turnline/pkg/provider/tts"
	"github.com/turnline-ai/turnline/pkg/provider/vad"
)

const (
	// DefaultMaxCalls caps concurrent calls when ManagerConfig.MaxCalls is
	// zero. Sized for the expected load of around a hundred simultaneous
	// callers with headroom.
	DefaultMaxCalls = 128

	// outboundBuffer is the capacity of each call's outbound conduit. A few
	// frames absorbs scheduling jitter without adding audible latency.
	outboundBuffer = 16

	// inboundBuffer is the capacity of each call's inbound frame channel.
	inboundBuffer = 16
)

var (
	// ErrTooManyCalls is returned by StartCall when the concurrency cap is
	// reached.
	ErrTooManyCalls = errors.New("call: too many concurrent calls")

	// ErrManagerClosed is returned by StartCall after Shutdown.
	ErrManagerClosed = errors.New("call: manager is shut down")

	// ErrCallNotFound is returned by EndCall for unknown call IDs.
	ErrCallNotFound = errors.New("call: no such call")
)

// Providers bundles the pipeline stages shared by all calls. Provider
// instances are stateless factories; each call gets its own sessions.
type Providers struct {
	VAD    vad.Engine
	STT    stt.Provider
	TTS    tts.Provider
	Policy dialog.Policy
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Providers Providers

	// SampleRate and FrameDuration describe the audio format of every call.
	// Defaults: 16 kHz, 20 ms.
	SampleRate    int
	FrameDuration time.Duration

	// VADAggressiveness and VADHangover are passed through to each call's
	// VAD session.
	VADAggressiveness int
	VADHangover       time.Duration

	// Language is the transcription language hint.
	Language string

	// Voice selects the synthesis voice.
	Voice string

	// DisableBargeIn keeps replies playing through new speech.
	DisableBargeIn bool

	// SpeculativePartials and PartialConfidence tune early reply
	// decisioning on high-confidence partial transcripts.
	SpeculativePartials bool
	PartialConfidence   float64

	// Recorder receives latency milestones from every call.
	Recorder *telemetry.Recorder

	// Metrics receives pipeline observations. Optional.
	Metrics turn.Metrics

	// Logger is the base logger; per-call loggers carry a call_id attribute.
	// Optional.
	Logger *slog.Logger

	// MaxCalls caps concurrency. Defaults to [DefaultMaxCalls].
	MaxCalls int
}

// CallInfo holds metadata about an active call.
type CallInfo struct {
	CallID    string    `json:"call_id"`
	StartedAt time.Time `json:"started_at"`
}

// Manager owns all active calls. All exported methods are safe for
// concurrent use.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu     sync.Mutex
	calls  map[string]*Call
	closed bool
	wg     sync.WaitGroup
}

// NewManager validates the configuration and returns an empty manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Providers.VAD == nil:
		return nil, fmt.Errorf("call: VAD engine is required")
	case cfg.Providers.STT == nil:
		return nil, fmt.Errorf("call: STT provider is required")
	case cfg.Providers.TTS == nil:
		return nil, fmt.Errorf("call: TTS provider is required")
	case cfg.Providers.Policy == nil:
		return nil, fmt.Errorf("call: dialog policy is required")
	case cfg.Recorder == nil:
		return nil, fmt.Errorf("call: telemetry recorder is required")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = DefaultMaxCalls
	}
	if cfg.Metrics == nil {
		cfg.Metrics = turn.NopMetrics{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		log:   log,
		calls: make(map[string]*Call),
	}, nil
}

// StartCall accepts a new call: it opens a VAD session, builds the turn
// controller, and starts the pipeline in a background goroutine. The ctx
// bounds setup only; the call itself lives until hangup or shutdown.
func (m *Manager) StartCall(ctx context.Context) (*Call, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if len(m.calls) >= m.cfg.MaxCalls {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyCalls, m.cfg.MaxCalls)
	}
	policy := m.cfg.Providers.Policy
	m.mu.Unlock()

	id := uuid.NewString()

	vadSess, err := m.cfg.Providers.VAD.NewSession(vad.Config{
		SampleRate:     m.cfg.SampleRate,
		FrameDuration:  m.cfg.FrameDuration,
		Aggressiveness: m.cfg.VADAggressiveness,
		Hangover:       m.cfg.VADHangover,
	})
	if err != nil {
		return nil, fmt.Errorf("call: open VAD session: %w", err)
	}

	out := audio.NewFrameChannel(outboundBuffer)
	ctrl, err := turn.NewController(turn.Config{
		CallID:              id,
		SampleRate:          m.cfg.SampleRate,
		FrameDuration:       m.cfg.FrameDuration,
		Language:            m.cfg.Language,
		Voice:               m.cfg.Voice,
		DisableBargeIn:      m.cfg.DisableBargeIn,
		SpeculativePartials: m.cfg.SpeculativePartials,
		PartialConfidence:   m.cfg.PartialConfidence,
	}, turn.Deps{
		VAD:      vadSess,
		STT:      m.cfg.Providers.STT,
		TTS:      m.cfg.Providers.TTS,
		Policy:   policy,
		Recorder: m.cfg.Recorder,
		Out:      out,
		Logger:   m.log.With("call_id", id),
		Metrics:  m.cfg.Metrics,
	})
	if err != nil {
		_ = vadSess.Close()
		return nil, fmt.Errorf("call: build controller: %w", err)
	}

	// The call outlives the setup ctx; it is bounded by hangup or shutdown.
	callCtx, cancel := context.WithCancel(context.Background())

	c := &Call{
		id:        id,
		startedAt: time.Now().UTC(),
		in:        make(chan audio.Frame, inboundBuffer),
		out:       out,
		vadSess:   vadSess,
		cancel:    cancel,
		done:      make(chan struct{}),
		framer:    audio.NewFramer(m.cfg.SampleRate, m.cfg.FrameDuration),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = vadSess.Close()
		return nil, ErrManagerClosed
	}
	m.calls[id] = c
	active := len(m.calls)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runCall(callCtx, c, ctrl)

	m.log.Info("call started", "call_id", id, "active_calls", active)
	_ = ctx // setup is synchronous today; reserved for async provider warmup
	return c, nil
}

// runCall drives one call's pipeline to completion and cleans up.
func (m *Manager) runCall(ctx context.Context, c *Call, ctrl *turn.Controller) {
	defer m.wg.Done()

	err := ctrl.Run(ctx, c.in)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.setErr(err)
	}

	if closeErr := c.vadSess.Close(); closeErr != nil {
		m.log.Warn("call: VAD session close error", "call_id", c.id, "err", closeErr)
	}
	c.cancel()

	m.mu.Lock()
	delete(m.calls, c.id)
	active := len(m.calls)
	m.mu.Unlock()

	close(c.done)

	switch {
	case err == nil || errors.Is(err, context.Canceled):
		m.log.Info("call ended", "call_id", c.id, "active_calls", active)
	case errors.Is(err, turn.ErrInputOrdering), errors.Is(err, turn.ErrHandleLost):
		m.log.Error("call torn down on fatal pipeline error",
			"call_id", c.id, "active_calls", active, "err", err)
	default:
		m.log.Error("call ended with error",
			"call_id", c.id, "active_calls", active, "err", err)
	}
}

// SetPolicy swaps the dialog policy for calls started after this point.
// In-flight calls keep the policy they were built with.
func (m *Manager) SetPolicy(p dialog.Policy) {
	if p == nil {
		return
	}
	m.mu.Lock()
	m.cfg.Providers.Policy = p
	m.mu.Unlock()
}

// AudioFormat returns the PCM format every call runs at. The values are
// fixed at construction, so no lock is needed.
func (m *Manager) AudioFormat() (sampleRate int, frameDuration time.Duration) {
	return m.cfg.SampleRate, m.cfg.FrameDuration
}

// Call returns the active call with the given ID.
func (m *Manager) Call(id string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	return c, ok
}

// ActiveCalls returns the number of calls currently running.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Infos returns metadata for every active call, in no particular order.
func (m *Manager) Infos() []CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]CallInfo, 0, len(m.calls))
	for _, c := range m.calls {
		infos = append(infos, CallInfo{CallID: c.id, StartedAt: c.startedAt})
	}
	return infos
}

// EndCall hangs up the call with the given ID and waits for its pipeline to
// stop, bounded by ctx.
func (m *Manager) EndCall(ctx context.Context, id string) error {
	c, ok := m.Call(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	c.Hangup()
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown hangs up every active call and waits for all pipelines to stop,
// bounded by ctx. The manager accepts no new calls afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.Hangup()
	}

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call: shutdown: %w", ctx.Err())
	}
}
