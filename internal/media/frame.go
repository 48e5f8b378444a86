package media

import (
	"fmt"
	"time"
)

// Encoding identifies an audio payload encoding.
type Encoding int

const (
	// EncodingPCM16 is 16-bit signed little-endian linear PCM.
	EncodingPCM16 Encoding = iota
	// EncodingULaw is G.711 µ-law, 8 bits per sample.
	EncodingULaw
	// EncodingALaw is G.711 A-law, 8 bits per sample.
	EncodingALaw
)

// String returns the string representation of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "PCM16"
	case EncodingULaw:
		return "ULAW"
	case EncodingALaw:
		return "ALAW"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// ParseEncoding parses a config encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "pcm16", "PCM16", "pcm":
		return EncodingPCM16, nil
	case "ulaw", "ULAW", "mulaw", "PCMU":
		return EncodingULaw, nil
	case "alaw", "ALAW", "PCMA":
		return EncodingALaw, nil
	}
	return 0, fmt.Errorf("unknown audio encoding: %q", s)
}

// BytesPerSample returns the payload bytes per sample for the encoding.
func (e Encoding) BytesPerSample() int {
	if e == EncodingPCM16 {
		return 2
	}
	return 1
}

// Format is an immutable audio stream format specification.
type Format struct {
	Encoding   Encoding
	SampleRate int // Hz
	Channels   int // 1 for mono
}

// SamplesPerFrame returns the number of samples covering dur at this rate.
func (f Format) SamplesPerFrame(dur time.Duration) int {
	return f.SampleRate * int(dur) / int(time.Second)
}

// String returns e.g. "PCM16/16000/1".
func (f Format) String() string {
	return fmt.Sprintf("%s/%d/%d", f.Encoding, f.SampleRate, f.Channels)
}

// Source tags which leg produced a frame.
type Source int

const (
	// SourceTelephony marks audio read from the call leg.
	SourceTelephony Source = iota
	// SourceAssistant marks audio synthesized by the AI backend.
	SourceAssistant
)

// String returns the string representation of the source.
func (s Source) String() string {
	switch s {
	case SourceTelephony:
		return "telephony"
	case SourceAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// Frame is one chunk of audio. Frames are immutable once produced: the
// codec transforms them into new frames, never in place.
type Frame struct {
	Payload []byte
	Seq     uint64
	Source  Source
}
