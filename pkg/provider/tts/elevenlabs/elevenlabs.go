// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/turnline-ai/turnline/pkg/audio"
	"github.com/turnline-ai/turnline/pkg/provider/tts"
)

const (
	wsEndpointFmt = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel  = "eleven_flash_v2_5"
	defaultVoice  = "21m00Tcm4TlvDq8ikWAM"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the WebSocket endpoint format string. The format
// must contain two %s verbs (voice ID, model ID). Intended for tests.
func WithEndpoint(format string) Option {
	return func(p *Provider) {
		p.endpointFmt = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey      string
	model       string
	endpointFmt string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		endpointFmt: wsEndpointFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text flushes the stream and ends input.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// StartStream opens a WebSocket to ElevenLabs, sends the full reply text,
// and returns a handle emitting fixed-duration PCM frames as synthesis
// chunks arrive. The handle's Cancel is honoured at every frame boundary,
// so production stops within one frame period of the request.
func (p *Provider) StartStream(ctx context.Context, text string, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}

	wsURL := fmt.Sprintf(p.endpointFmt, voice, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// Authenticate and configure the stream before handing out the session.
	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey:     p.apiKey,
		OutputFormat: outputFormat(cfg.SampleRate),
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	s := &session{
		conn:   conn,
		framer: audio.NewFramer(cfg.SampleRate, cfg.FrameDuration),
		frames: make(chan audio.Frame, 64),
		done:   make(chan struct{}),
	}
	go s.run(ctx, text)
	return s, nil
}

// outputFormat maps a PCM sample rate to the ElevenLabs output_format value.
func outputFormat(sampleRate int) string {
	return fmt.Sprintf("pcm_%d", sampleRate)
}

// ---- session ----

// session is one in-flight synthesis over a live WebSocket.
type session struct {
	conn   *websocket.Conn
	framer *audio.Framer
	frames chan audio.Frame
	done   chan struct{}

	cancelOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ tts.SessionHandle = (*session)(nil)

func (s *session) Frames() <-chan audio.Frame { return s.frames }

// Cancel requests cooperative termination. The run goroutine observes the
// done channel at every frame boundary, so emission stops within one frame
// period. Closing the connection also unblocks a pending Read. Safe to call
// multiple times and after natural completion.
func (s *session) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "cancelled")
	})
}

// Err reports a terminal synthesis failure. Valid once Frames has closed;
// nil after natural completion or cancellation.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// run drives the synthesis: it sends the text and flush messages, then
// decodes audio responses into fixed frames until the provider signals
// completion, an error occurs, or Cancel is observed.
func (s *session) run(ctx context.Context, text string) {
	defer close(s.frames)
	defer s.conn.Close(websocket.StatusNormalClosure, "done")

	payload := textMessage{
		Text:          text,
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	msgBytes, _ := json.Marshal(payload)
	if err := s.conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
		s.setErr(fmt.Errorf("elevenlabs: send text: %w", err))
		return
	}
	// Empty text flushes the stream and marks end of input.
	flushBytes, _ := json.Marshal(textMessage{Text: ""})
	if err := s.conn.Write(ctx, websocket.MessageText, flushBytes); err != nil {
		s.setErr(fmt.Errorf("elevenlabs: send flush: %w", err))
		return
	}

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// A read error after cancellation is expected connection teardown.
			select {
			case <-s.done:
			case <-ctx.Done():
			default:
				s.setErr(fmt.Errorf("elevenlabs: read: %w", err))
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
			for _, f := range s.framer.Push(pcm) {
				if !s.emit(ctx, f) {
					return
				}
			}
		}
		if resp.IsFinal {
			if tail, ok := s.framer.Flush(); ok {
				s.emit(ctx, tail)
			}
			return
		}
	}
}

// emit delivers one frame unless the session has been cancelled. Returns
// false when emission must stop.
func (s *session) emit(ctx context.Context, f audio.Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}
