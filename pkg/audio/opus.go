package audio

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

// OpusDecoder decodes Opus packets from the media bridge into little-endian
// 16-bit mono PCM frames. Each inbound stream gets its own decoder so the
// codec state stays consistent across consecutive packets.
type OpusDecoder struct {
	dec     *gopus.Decoder
	samples int
}

// NewOpusDecoder creates a decoder for mono Opus packets of the given frame
// duration at the given sample rate.
func NewOpusDecoder(sampleRate int, frameDuration time.Duration) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:     dec,
		samples: FrameSamples(sampleRate, frameDuration),
	}, nil
}

// Decode decodes one Opus packet into PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.samples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// OpusEncoder encodes outbound PCM frames into Opus packets for the media
// bridge. One encoder per outbound stream.
type OpusEncoder struct {
	enc     *gopus.Encoder
	samples int
}

// NewOpusEncoder creates an encoder for mono PCM frames of the given frame
// duration at the given sample rate. The encoder is tuned for voice.
func NewOpusEncoder(sampleRate int, frameDuration time.Duration) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:     enc,
		samples: FrameSamples(sampleRate, frameDuration),
	}, nil
}

// Encode encodes one PCM frame (little-endian int16 bytes) into an Opus packet.
func (e *OpusEncoder) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := BytesToInt16s(pcmBytes)
	if len(pcm) != e.samples {
		return nil, fmt.Errorf("audio: opus encode: frame has %d samples, want %d", len(pcm), e.samples)
	}
	packet, err := e.enc.Encode(pcm, e.samples, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
