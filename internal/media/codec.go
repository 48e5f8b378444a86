package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zaf/g711"
)

// ErrCodecOverflow reports a frame whose payload cannot be mapped to the
// source format (e.g. an odd byte count for 16-bit PCM). The frame is
// dropped by callers; the stream continues.
var ErrCodecOverflow = errors.New("codec: frame payload does not match format")

// Codec converts audio between the telephony format and the assistant
// format, in both directions. Each direction accumulates partial input so
// output frames carry a fixed number of samples regardless of input frame
// sizes; Flush drains the partial remainder when a stream ends.
//
// A Codec instance belongs to one call and is not safe for concurrent use
// across directions from multiple goroutines; the bridge gives each
// direction its own converter.
type Codec struct {
	toAssistant *Converter
	toTelephony *Converter
}

// NewCodec builds the two direction converters. frameDur sets the output
// chunk duration for both directions.
func NewCodec(telephony, assistant Format, frameDur time.Duration) (*Codec, error) {
	toA, err := NewConverter(telephony, assistant, frameDur)
	if err != nil {
		return nil, fmt.Errorf("telephony to assistant: %w", err)
	}
	toT, err := NewConverter(assistant, telephony, frameDur)
	if err != nil {
		return nil, fmt.Errorf("assistant to telephony: %w", err)
	}
	return &Codec{toAssistant: toA, toTelephony: toT}, nil
}

// ToAssistant converts a telephony frame into zero or more assistant frames.
func (c *Codec) ToAssistant(f Frame) ([]Frame, error) {
	return c.toAssistant.Convert(f)
}

// ToTelephony converts an assistant frame into zero or more telephony frames.
func (c *Codec) ToTelephony(f Frame) ([]Frame, error) {
	return c.toTelephony.Convert(f)
}

// FlushToAssistant emits the partial remainder of the telephony-to-assistant
// direction, if any.
func (c *Codec) FlushToAssistant() (Frame, bool) {
	return c.toAssistant.Flush()
}

// FlushToTelephony emits the partial remainder of the assistant-to-telephony
// direction, if any.
func (c *Codec) FlushToTelephony() (Frame, bool) {
	return c.toTelephony.Flush()
}

// Stats reports the sample counts of both directions.
func (c *Codec) Stats() (toAssistant, toTelephony ConverterStats) {
	return c.toAssistant.Stats(), c.toTelephony.Stats()
}

// ConverterStats counts samples through one direction: source samples
// decoded in, destination samples emitted out.
type ConverterStats struct {
	SamplesIn  uint64
	SamplesOut uint64
}

// Converter is one direction of a Codec: decode source encoding, resample,
// encode destination encoding, re-chunk into fixed-size output frames.
type Converter struct {
	src Format
	dst Format

	rs *resampler

	// pending holds resampled-but-unemitted destination samples.
	pending  []int16
	outSize  int // samples per output frame
	seq      uint64
	srcTag   Source
	emitted  uint64
	consumed uint64
}

// NewConverter creates a single-direction converter.
func NewConverter(src, dst Format, frameDur time.Duration) (*Converter, error) {
	if src.Channels != 1 || dst.Channels != 1 {
		return nil, fmt.Errorf("only mono audio is supported (got %d -> %d channels)", src.Channels, dst.Channels)
	}
	if src.SampleRate <= 0 || dst.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", src.SampleRate, dst.SampleRate)
	}
	outSize := dst.SamplesPerFrame(frameDur)
	if outSize <= 0 {
		return nil, fmt.Errorf("frame duration %v yields no samples at %d Hz", frameDur, dst.SampleRate)
	}
	return &Converter{
		src:     src,
		dst:     dst,
		rs:      newResampler(src.SampleRate, dst.SampleRate),
		outSize: outSize,
	}, nil
}

// Convert transforms one source frame into zero or more destination frames.
// Returns ErrCodecOverflow when the payload does not match the source
// format; the converter state is untouched and the stream may continue.
func (cv *Converter) Convert(f Frame) ([]Frame, error) {
	samples, err := decodeSamples(cv.src.Encoding, f.Payload)
	if err != nil {
		return nil, err
	}
	cv.srcTag = f.Source
	cv.consumed += uint64(len(samples))

	cv.pending = append(cv.pending, cv.rs.resample(samples)...)

	var out []Frame
	for len(cv.pending) >= cv.outSize {
		chunk := cv.pending[:cv.outSize]
		out = append(out, cv.emit(chunk))
		cv.pending = cv.pending[cv.outSize:]
	}
	return out, nil
}

// Flush emits any partial remainder as a final short frame. Returns false
// when there is nothing buffered.
func (cv *Converter) Flush() (Frame, bool) {
	if len(cv.pending) == 0 {
		return Frame{}, false
	}
	f := cv.emit(cv.pending)
	cv.pending = nil
	return f, true
}

// Stats returns the running sample counts. Not synchronized; read it
// from the goroutine that owns the direction, or after it is done.
func (cv *Converter) Stats() ConverterStats {
	return ConverterStats{SamplesIn: cv.consumed, SamplesOut: cv.emitted}
}

func (cv *Converter) emit(samples []int16) Frame {
	f := Frame{
		Payload: encodeSamples(cv.dst.Encoding, samples),
		Seq:     cv.seq,
		Source:  cv.srcTag,
	}
	cv.seq++
	cv.emitted += uint64(len(samples))
	return f
}

// decodeSamples converts an encoded payload to 16-bit samples.
func decodeSamples(enc Encoding, payload []byte) ([]int16, error) {
	switch enc {
	case EncodingPCM16:
		if len(payload)%2 != 0 {
			return nil, fmt.Errorf("%w: %d bytes of PCM16", ErrCodecOverflow, len(payload))
		}
		samples := make([]int16, len(payload)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
		}
		return samples, nil
	case EncodingULaw:
		return bytesToSamples(g711.DecodeUlaw(payload)), nil
	case EncodingALaw:
		return bytesToSamples(g711.DecodeAlaw(payload)), nil
	}
	return nil, fmt.Errorf("%w: encoding %v", ErrCodecOverflow, enc)
}

// encodeSamples converts 16-bit samples to an encoded payload.
func encodeSamples(enc Encoding, samples []int16) []byte {
	lpcm := samplesToBytes(samples)
	switch enc {
	case EncodingULaw:
		return g711.EncodeUlaw(lpcm)
	case EncodingALaw:
		return g711.EncodeAlaw(lpcm)
	default:
		return lpcm
	}
}

func bytesToSamples(lpcm []byte) []int16 {
	samples := make([]int16, len(lpcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(lpcm[2*i:]))
	}
	return samples
}

func samplesToBytes(samples []int16) []byte {
	lpcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(lpcm[2*i:], uint16(s))
	}
	return lpcm
}
