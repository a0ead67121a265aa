package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/turnline-ai/turnline/internal/call"
	"github.com/turnline-ai/turnline/pkg/audio"
)

// endCallTimeout bounds how long /calls/{id}/end waits for the pipeline to
// drain before giving up.
const endCallTimeout = 10 * time.Second

// handleListCalls returns metadata for every active call.
func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	infos := s.manager.Infos()
	if infos == nil {
		infos = []call.CallInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count": len(infos),
		"calls": infos,
	})
}

// handleStartCall accepts a new call and returns its ID. Audio is attached
// separately through the websocket bridge at /calls/{id}/audio.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.StartCall(r.Context())
	switch {
	case errors.Is(err, call.ErrTooManyCalls):
		respondError(w, http.StatusServiceUnavailable, "too_many_calls", err.Error())
		return
	case errors.Is(err, call.ErrManagerClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, call.CallInfo{CallID: c.ID(), StartedAt: c.StartedAt()})
}

// handleEndCall hangs up the call and waits for its pipeline to stop.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), endCallTimeout)
	defer cancel()

	err := s.manager.EndCall(ctx, id)
	switch {
	case errors.Is(err, call.ErrCallNotFound):
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusGatewayTimeout, "end_timeout", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ended", "call_id": id})
}

// bridgeCodec translates between the websocket's binary payloads and the
// pipeline's raw PCM frames.
type bridgeCodec interface {
	encode(pcm []byte) ([]byte, error)
	decode(payload []byte) ([]byte, error)
}

// pcmCodec passes payloads through untouched.
type pcmCodec struct{}

func (pcmCodec) encode(pcm []byte) ([]byte, error)     { return pcm, nil }
func (pcmCodec) decode(payload []byte) ([]byte, error) { return payload, nil }

// opusCodec carries one Opus packet per binary message. Encoder and decoder
// are stateful, so each bridge connection gets its own pair.
type opusCodec struct {
	enc *audio.OpusEncoder
	dec *audio.OpusDecoder
}

func (c *opusCodec) encode(pcm []byte) ([]byte, error)     { return c.enc.Encode(pcm) }
func (c *opusCodec) decode(payload []byte) ([]byte, error) { return c.dec.Decode(payload) }

// newBridgeCodec resolves the codec query parameter of an audio bridge
// request. Raw PCM is the default.
func (s *Server) newBridgeCodec(name string) (bridgeCodec, error) {
	switch name {
	case "", "pcm":
		return pcmCodec{}, nil
	case "opus":
		rate, frame := s.manager.AudioFormat()
		enc, err := audio.NewOpusEncoder(rate, frame)
		if err != nil {
			return nil, err
		}
		dec, err := audio.NewOpusDecoder(rate, frame)
		if err != nil {
			return nil, err
		}
		return &opusCodec{enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

// handleCallAudio upgrades to a websocket and bridges audio for one call:
// inbound binary messages carry caller audio, outbound binary messages carry
// synthesised reply frames. The payload format defaults to raw PCM; clients
// negotiate Opus with ?codec=opus, in which case every message is one Opus
// packet covering one frame. A disconnected bridge means the caller has
// gone, so the call is hung up.
func (s *Server) handleCallAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.manager.Call(id)
	if !ok {
		respondError(w, http.StatusNotFound, "call_not_found", "no active call with id "+id)
		return
	}

	codec, err := s.newBridgeCodec(r.URL.Query().Get("codec"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unsupported_codec", err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("audio bridge: websocket accept failed", "call_id", id, "err", err)
		return
	}

	ctx := r.Context()

	// Writer: reply frames out. Output closes when the call ends. After a
	// write failure the loop keeps draining so the pipeline is never blocked
	// publishing into a conduit nobody reads.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for f := range c.Output() {
			if failed {
				continue
			}
			payload, err := codec.encode(f.PCM)
			if err != nil {
				s.log.Warn("audio bridge: encode failed", "call_id", id, "err", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
				failed = true
			}
		}
	}()

	// Reader: caller audio in. Raw PCM accepts any chunk size; Opus packets
	// that fail to decode are dropped without tearing down the call.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageBinary {
			continue
		}
		pcm, err := codec.decode(data)
		if err != nil {
			s.log.Warn("audio bridge: decode failed", "call_id", id, "err", err)
			continue
		}
		if err := c.Write(pcm); err != nil {
			break
		}
	}

	c.Hangup()
	select {
	case <-c.Done():
	case <-time.After(endCallTimeout):
		s.log.Warn("audio bridge: call did not drain in time", "call_id", id)
	}
	<-writerDone
	_ = conn.Close(websocket.StatusNormalClosure, "call ended")

	s.log.Info("audio bridge closed", "call_id", id, "err", c.Err())
}
