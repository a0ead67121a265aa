package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/turnline-ai/turnline/internal/dialog"
	"github.com/turnline-ai/turnline/internal/resilience"
	"github.com/turnline-ai/turnline/internal/telemetry"
	"github.com/turnline-ai/turnline/pkg/audio"
	"github.com/turnline-ai/turnline/pkg/provider/stt"
	"github.com/turnline-ai/turnline/pkg/provider/tts"
	"github.com/turnline-ai/turnline/pkg/provider/vad"
)

// Metrics receives pipeline observations from the controller. Implemented by
// the observe package; NopMetrics satisfies it for tests.
type Metrics interface {
	// TurnCompleted reports one naturally completed turn's round trip.
	TurnCompleted(roundTrip time.Duration)
	// BargeIn reports a reply preempted by new speech.
	BargeIn()
	// ProviderError reports a degraded turn, labelled by pipeline stage
	// ("stt", "policy", "tts").
	ProviderError(stage string)
}

// NopMetrics is a Metrics that records nothing.
type NopMetrics struct{}

func (NopMetrics) TurnCompleted(time.Duration) {}
func (NopMetrics) BargeIn()                    {}
func (NopMetrics) ProviderError(string)        {}

// Config tunes one controller. The zero value is usable with barge-in
// enabled and speculative decisioning disabled.
type Config struct {
	// CallID identifies the call in telemetry and logs.
	CallID string

	// SampleRate and FrameDuration describe the call's audio format.
	// Defaults: 16 kHz, 20 ms.
	SampleRate    int
	FrameDuration time.Duration

	// Language is passed to the transcription provider.
	Language string

	// Voice selects the synthesis voice.
	Voice string

	// DisableBargeIn keeps a reply playing through new speech instead of
	// preempting it.
	DisableBargeIn bool

	// SpeculativePartials lets a high-confidence partial transcript trigger
	// the reply decision before the final arrives.
	SpeculativePartials bool

	// PartialConfidence is the confidence gate for speculative decisioning.
	// Default: 0.9.
	PartialConfidence float64

	// Retry bounds provider stream setup. Defaults: 3 attempts, 100ms base
	// delay.
	Retry resilience.RetryConfig
}

func (cfg *Config) applyDefaults() {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	if cfg.PartialConfidence == 0 {
		cfg.PartialConfidence = 0.9
	}
}

// Deps are the collaborators a controller drives. All fields except Metrics
// are required.
type Deps struct {
	VAD      vad.SessionHandle
	STT      stt.Provider
	TTS      tts.Provider
	Policy   dialog.Policy
	Recorder *telemetry.Recorder
	Out      *audio.FrameChannel
	Logger   *slog.Logger
	Metrics  Metrics
}

// Turn is one user utterance and the agent's response to it.
type Turn struct {
	// ID is unique within the process.
	ID string

	// State is the turn's final state once the controller has moved on:
	// StatePlaying for a naturally completed turn, StatePreempted for one
	// cancelled by barge-in.
	State State

	startedAt  time.Time
	sttSess    stt.SessionHandle
	ttsSess    tts.SessionHandle
	sawPartial bool
	spoke      bool
}

// replyResult carries the outcome of the asynchronous decide-and-synthesise
// step back into the controller loop.
type replyResult struct {
	text  string
	sess  tts.SessionHandle
	stage string
	err   error
}

// Controller owns one call's conversation loop. Run is the only entry
// point; all state below is confined to Run's goroutine.
type Controller struct {
	cfg     Config
	vad     vad.SessionHandle
	stt     stt.Provider
	tts     tts.Provider
	policy  dialog.Policy
	rec     *telemetry.Recorder
	out     *audio.FrameChannel
	log     *slog.Logger
	metrics Metrics

	state   State
	nextSeq uint64
	haveSeq bool
	outSeq  uint64
	now     func() time.Time
}

// NewController validates deps and returns a controller in StateIdle.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	cfg.applyDefaults()
	switch {
	case deps.VAD == nil:
		return nil, fmt.Errorf("turn: VAD session is required")
	case deps.STT == nil:
		return nil, fmt.Errorf("turn: STT provider is required")
	case deps.TTS == nil:
		return nil, fmt.Errorf("turn: TTS provider is required")
	case deps.Policy == nil:
		return nil, fmt.Errorf("turn: dialog policy is required")
	case deps.Recorder == nil:
		return nil, fmt.Errorf("turn: recorder is required")
	case deps.Out == nil:
		return nil, fmt.Errorf("turn: outbound channel is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	return &Controller{
		cfg:     cfg,
		vad:     deps.VAD,
		stt:     deps.STT,
		tts:     deps.TTS,
		policy:  deps.Policy,
		rec:     deps.Recorder,
		out:     deps.Out,
		log:     deps.Logger.With("call_id", cfg.CallID),
		metrics: deps.Metrics,
		state:   StateIdle,
		now:     time.Now,
	}, nil
}

// State returns the controller's current state. Only meaningful from the
// goroutine running Run; exposed for tests.
func (c *Controller) State() State {
	return c.state
}

// Run consumes the call's inbound frames until in closes or ctx is
// cancelled, publishing reply frames to the outbound channel. It returns a
// non-nil error only for fatal call conditions (ErrInputOrdering,
// ErrHandleLost); provider failures degrade the affected turn instead. Run
// closes the outbound channel on return.
func (c *Controller) Run(ctx context.Context, in <-chan audio.Frame) error {
	defer c.out.Close()
	c.state = StateListening

	var (
		cur      *Turn
		partials <-chan stt.Transcript
		finals   <-chan stt.Transcript
		reply    <-chan replyResult
		synth    <-chan audio.Frame
	)

	// teardown releases any live handles before Run returns.
	teardown := func() {
		if cur != nil {
			if cur.sttSess != nil {
				_ = cur.sttSess.Close()
			}
			if cur.ttsSess != nil {
				cur.ttsSess.Cancel()
			}
		}
	}

	// finish ends the current turn and returns to listening.
	finish := func(completed bool) {
		if cur != nil && completed && cur.spoke {
			cur.State = StatePlaying
			c.metrics.TurnCompleted(c.now().Sub(cur.startedAt))
		}
		cur = nil
		partials, finals, reply, synth = nil, nil, nil, nil
		c.state = StateListening
	}

	for {
		select {
		case <-ctx.Done():
			teardown()
			return ctx.Err()

		case f, ok := <-in:
			if !ok {
				teardown()
				return nil
			}
			if err := c.checkOrder(f); err != nil {
				teardown()
				return err
			}
			ev, err := c.vad.ProcessFrame(f.PCM)
			if err != nil {
				c.log.Warn("vad rejected frame", "seq", f.Seq, "error", err)
				continue
			}

			switch {
			case ev.Type == vad.SpeechStart && c.state == StateListening:
				cur, partials, finals = c.beginTurn(ctx, f)

			case ev.Type == vad.SpeechStart && c.state.speaking():
				if c.cfg.DisableBargeIn {
					continue
				}
				if cur == nil || cur.ttsSess == nil {
					teardown()
					return fmt.Errorf("%w: state %s", ErrHandleLost, c.state)
				}
				cur.ttsSess.Cancel()
				cur.State = StatePreempted
				c.metrics.BargeIn()
				c.log.Info("barge-in, reply preempted", "turn_id", cur.ID)
				cur, partials, finals = c.beginTurn(ctx, f)
				reply, synth = nil, nil

			case c.state == StateTranscribing:
				if err := cur.sttSess.SendAudio(f.PCM); err != nil {
					c.log.Warn("send audio failed", "turn_id", cur.ID, "error", err)
				}
				if ev.Type == vad.SpeechEnd {
					// Flushes the final transcript.
					_ = cur.sttSess.Close()
				}
			}

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if cur == nil || c.state != StateTranscribing {
				continue
			}
			if !cur.sawPartial {
				cur.sawPartial = true
				c.rec.Mark(c.cfg.CallID, cur.ID, telemetry.MilestoneSTTPartial)
			}
			if c.cfg.SpeculativePartials && tr.Confidence >= c.cfg.PartialConfidence {
				c.log.Debug("speculative decision from partial",
					"turn_id", cur.ID, "confidence", tr.Confidence)
				_ = cur.sttSess.Close()
				reply = c.startReply(ctx, cur, tr.Text)
				partials, finals = nil, nil
			}

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				if c.state == StateTranscribing {
					// Session ended without producing a final.
					c.log.Warn("transcription ended without final", "turn_id", cur.ID)
					finish(false)
				}
				continue
			}
			if cur == nil || c.state != StateTranscribing {
				continue
			}
			c.rec.Mark(c.cfg.CallID, cur.ID, telemetry.MilestoneSTTFinal)
			reply = c.startReply(ctx, cur, tr.Text)
			partials, finals = nil, nil

		case res := <-reply:
			reply = nil
			if cur == nil || c.state != StateDeciding {
				// Preempted while deciding; discard the late reply.
				if res.sess != nil {
					res.sess.Cancel()
				}
				continue
			}
			if res.err != nil {
				c.log.Warn("reply degraded, skipping synthesis",
					"turn_id", cur.ID, "stage", res.stage, "error", res.err)
				c.metrics.ProviderError(res.stage)
				finish(false)
				continue
			}
			if res.text == "" {
				finish(false)
				continue
			}
			cur.ttsSess = res.sess
			synth = res.sess.Frames()
			c.state = StateSynthesizing

		case f, ok := <-synth:
			if !ok {
				synth = nil
				if cur != nil && cur.ttsSess != nil {
					if err := cur.ttsSess.Err(); err != nil {
						c.log.Warn("synthesis failed mid-stream",
							"turn_id", cur.ID, "error", err)
						c.metrics.ProviderError("tts")
						finish(false)
						continue
					}
				}
				finish(true)
				continue
			}
			if cur == nil {
				continue
			}
			if !cur.spoke {
				cur.spoke = true
				c.rec.Mark(c.cfg.CallID, cur.ID, telemetry.MilestoneTTSFirstByte)
			}
			pub := audio.Frame{PCM: f.PCM, Seq: c.outSeq, Captured: f.Captured}
			if err := c.out.Publish(pub); err != nil {
				teardown()
				return fmt.Errorf("turn: publish outbound frame: %w", err)
			}
			c.outSeq++
			if c.state == StateSynthesizing {
				c.state = StatePlaying
				c.rec.Mark(c.cfg.CallID, cur.ID, telemetry.MilestonePlaybackStart)
			}
		}
	}
}

// checkOrder enforces consecutive inbound sequence numbers. The first frame
// establishes the baseline.
func (c *Controller) checkOrder(f audio.Frame) error {
	if c.haveSeq && f.Seq != c.nextSeq {
		return fmt.Errorf("%w: got seq %d, want %d", ErrInputOrdering, f.Seq, c.nextSeq)
	}
	c.haveSeq = true
	c.nextSeq = f.Seq + 1
	return nil
}

// beginTurn opens a transcription session for a new speech segment. On
// provider failure the segment is dropped and the controller stays
// listening.
func (c *Controller) beginTurn(ctx context.Context, first audio.Frame) (*Turn, <-chan stt.Transcript, <-chan stt.Transcript) {
	t := &Turn{
		ID:        uuid.NewString(),
		State:     StateTranscribing,
		startedAt: c.now(),
	}
	c.rec.Mark(c.cfg.CallID, t.ID, telemetry.MilestoneSpeechStart)

	retryCfg := c.cfg.Retry
	retryCfg.Name = "stt start"
	sess, err := resilience.RetryWithResult(ctx, retryCfg, func() (stt.SessionHandle, error) {
		return c.stt.StartStream(ctx, stt.StreamConfig{
			SampleRate: c.cfg.SampleRate,
			Language:   c.cfg.Language,
		})
	})
	if err != nil {
		c.log.Warn("transcription unavailable, dropping segment",
			"turn_id", t.ID, "error", err)
		c.metrics.ProviderError("stt")
		c.state = StateListening
		return nil, nil, nil
	}

	t.sttSess = sess
	if err := sess.SendAudio(first.PCM); err != nil {
		c.log.Warn("send audio failed", "turn_id", t.ID, "error", err)
	}
	c.state = StateTranscribing
	return t, sess.Partials(), sess.Finals()
}

// startReply runs the dialog decision and synthesis setup off the loop
// goroutine so frame processing stays responsive. The result arrives on the
// returned channel.
func (c *Controller) startReply(ctx context.Context, t *Turn, transcript string) <-chan replyResult {
	c.state = StateDeciding
	ch := make(chan replyResult, 1)
	callID, turnID := c.cfg.CallID, t.ID

	go func() {
		text, err := c.policy.Decide(ctx, transcript)
		if err != nil {
			ch <- replyResult{stage: "policy", err: err}
			return
		}
		c.rec.Mark(callID, turnID, telemetry.MilestoneAgentDecision)
		if text == "" {
			ch <- replyResult{}
			return
		}

		retryCfg := c.cfg.Retry
		retryCfg.Name = "tts start"
		sess, err := resilience.RetryWithResult(ctx, retryCfg, func() (tts.SessionHandle, error) {
			return c.tts.StartStream(ctx, text, tts.StreamConfig{
				SampleRate:    c.cfg.SampleRate,
				FrameDuration: c.cfg.FrameDuration,
				Voice:         c.cfg.Voice,
			})
		})
		if err != nil {
			ch <- replyResult{stage: "tts", err: err}
			return
		}
		ch <- replyResult{text: text, sess: sess}
	}()
	return ch
}
