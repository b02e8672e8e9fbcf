// Package synthesis drives one voice-cloning synthesis: conditioning-latent
// extraction, streaming inference, chunk accumulation, timing metrics, and
// persisting the result as a WAV file.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// DefaultSampleRate is the XTTS v2 output rate.
const DefaultSampleRate = 24000

// Static errors.
var (
	// ErrReferenceDecode wraps any failure to derive latents from the reference clip.
	ErrReferenceDecode = errors.New("failed to compute conditioning latents from reference audio")
	// ErrEmptyStream indicates the model produced no audio at all.
	ErrEmptyStream = errors.New("model returned an empty audio stream")
	// ErrOutputPathEmpty indicates that no output location was configured.
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
)

// ChunkObserver is called after each chunk arrives with its index, its sample
// count, and the time elapsed since inference started.
type ChunkObserver func(index, samples int, sinceStart time.Duration)

// Output is the outcome of a successful synthesis.
type Output struct {
	Path    string
	WAV     []byte
	Samples []float32
	Metrics Metrics
}

// Clock returns the current time. Tests substitute a fake one.
type Clock func() time.Time

// Orchestrator runs synthesis requests against a core.Model.
type Orchestrator struct {
	model      core.Model
	outputPath string
	sampleRate int
	now        Clock
	log        *logger.Logger
}

// NewOrchestrator creates an Orchestrator writing to outputPath. A
// non-positive sampleRate uses DefaultSampleRate; a nil clock uses time.Now.
func NewOrchestrator(
	model core.Model,
	outputPath string,
	sampleRate int,
	now Clock,
	log *logger.Logger,
) (*Orchestrator, error) {
	if outputPath == "" {
		return nil, ErrOutputPathEmpty
	}

	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		model:      model,
		outputPath: outputPath,
		sampleRate: sampleRate,
		now:        now,
		log:        log,
	}, nil
}

// OutputPath returns the fixed location results are written to.
func (o *Orchestrator) OutputPath() string {
	return o.outputPath
}

// Synthesize clones the voice in referencePath to speak text. Errors from
// the stream are returned wrapped but otherwise untouched so callers can
// classify runtime faults. observer may be nil.
func (o *Orchestrator) Synthesize(
	ctx context.Context,
	text, language, referencePath string,
	observer ChunkObserver,
) (*Output, error) {
	latentStart := o.now()

	latents, err := o.model.ConditioningLatents(ctx, referencePath)
	if err != nil {
		o.log.Error("Speaker encoding error: %v", err)

		return nil, fmt.Errorf("%w: %w", ErrReferenceDecode, err)
	}

	latentDuration := o.now().Sub(latentStart)

	o.log.Info("Generating new audio in streaming mode...")

	samples, metrics, err := o.consume(ctx, text, language, latents, observer)
	if err != nil {
		return nil, err
	}

	metrics.LatentDuration = latentDuration

	wav, err := WriteWAV(o.outputPath, samples, o.sampleRate)
	if err != nil {
		return nil, err
	}

	o.log.Info("Time to generate audio: %d milliseconds, RTF %.2f", metrics.Elapsed.Milliseconds(), metrics.RealTimeFactor)

	return &Output{
		Path:    o.outputPath,
		WAV:     wav,
		Samples: samples,
		Metrics: metrics,
	}, nil
}

func (o *Orchestrator) consume(
	ctx context.Context,
	text, language string,
	latents core.Latents,
	observer ChunkObserver,
) ([]float32, Metrics, error) {
	var metrics Metrics

	start := o.now()

	stream, err := o.model.StreamInference(ctx, text, language, latents)
	if err != nil {
		return nil, metrics, fmt.Errorf("failed to start streaming inference: %w", err)
	}

	defer func() {
		closeErr := stream.Close()
		if closeErr != nil {
			o.log.Warn("Failed to close audio stream: %v", closeErr)
		}
	}()

	var samples []float32

	for index := 0; ; index++ {
		chunk, nextErr := stream.Next(ctx)
		if errors.Is(nextErr, io.EOF) {
			break
		}

		if nextErr != nil {
			return nil, metrics, fmt.Errorf("streaming inference failed after %d chunks: %w", index, nextErr)
		}

		sinceStart := o.now().Sub(start)
		if index == 0 {
			metrics.FirstChunkLatency = sinceStart
		}

		samples = append(samples, chunk...)
		metrics.Chunks++

		if observer != nil {
			observer(index, len(chunk), sinceStart)
		}
	}

	if len(samples) == 0 {
		return nil, metrics, ErrEmptyStream
	}

	metrics.Elapsed = o.now().Sub(start)
	metrics.Samples = len(samples)
	metrics.AudioDuration = SamplesDuration(len(samples), o.sampleRate)
	metrics.RealTimeFactor = RealTimeFactor(metrics.Elapsed, len(samples), o.sampleRate)

	return samples, metrics, nil
}
