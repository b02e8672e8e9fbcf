package xtts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
)

const (
	bytesPerSample = 2
	pcm16Scale     = 32768.0
)

// TrailerError is the response trailer a streaming server sets when
// inference fails after the 200 status and some audio were already sent.
const TrailerError = "X-Error"

const statusStreamAborted = "stream aborted"

// ErrTruncatedStream indicates a body that ended inside a sample.
var ErrTruncatedStream = errors.New("audio stream ended mid-sample")

// pcmStream turns a raw 16-bit little-endian PCM body into float32 chunks.
// Each Next call returns whatever complete samples one read delivered.
type pcmStream struct {
	body    io.ReadCloser
	trailer func() http.Header
	buf     []byte
	carry   []byte
	endErr  error
}

// newPCMStream wraps body. trailer, when non-nil, returns the response
// trailers; it is consulted once the body ends.
func newPCMStream(body io.ReadCloser, readSize int, trailer func() http.Header) *pcmStream {
	return &pcmStream{
		body:    body,
		trailer: trailer,
		buf:     make([]byte, readSize),
		carry:   nil,
		endErr:  nil,
	}
}

// Next returns the next chunk of samples or io.EOF once the body is drained.
func (s *pcmStream) Next(ctx context.Context) ([]float32, error) {
	for {
		if s.endErr != nil {
			return nil, s.endErr
		}

		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, fmt.Errorf("audio stream interrupted: %w", ctxErr)
		}

		n, err := s.body.Read(s.buf)

		data := append(s.carry, s.buf[:n]...)
		usable := len(data) - len(data)%bytesPerSample
		s.carry = append([]byte(nil), data[usable:]...)

		if err != nil {
			s.endErr = s.terminalError(err)
		}

		if usable > 0 {
			return decodePCM16(data[:usable]), nil
		}
	}
}

// terminalError decides how the stream ends. A server-reported failure wins
// over transport errors, and a clean EOF is only reported on a sample
// boundary.
func (s *pcmStream) terminalError(readErr error) error {
	if s.trailer != nil {
		detail := s.trailer().Get(TrailerError)
		if detail != "" {
			return &ServerError{Status: statusStreamAborted, Detail: detail}
		}
	}

	if !errors.Is(readErr, io.EOF) {
		return fmt.Errorf("failed to read audio stream: %w", readErr)
	}

	if len(s.carry) > 0 {
		return fmt.Errorf("%w: %d trailing byte(s)", ErrTruncatedStream, len(s.carry))
	}

	return io.EOF
}

// Close releases the underlying response body.
func (s *pcmStream) Close() error {
	return s.body.Close()
}

func decodePCM16(data []byte) []float32 {
	samples := make([]float32, len(data)/bytesPerSample)
	for i := range samples {
		value := int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
		samples[i] = float32(value) / pcm16Scale
	}

	return samples
}

// EncodePCM16 converts float samples in [-1, 1] to 16-bit little-endian PCM,
// clipping anything outside that range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, sample := range samples {
		scaled := math.Round(float64(sample) * pcm16Scale)
		scaled = math.Max(math.MinInt16, math.Min(math.MaxInt16, scaled))
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(scaled)))
	}

	return out
}
