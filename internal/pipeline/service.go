// Package pipeline runs a synthesis submission end to end: validation,
// language gating, reference resolution, optional cleanup, synthesis, and
// the fault path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fault"
	"github.com/book-expert/voice-clone-service/internal/langdetect"
	"github.com/book-expert/voice-clone-service/internal/reference"
	"github.com/book-expert/voice-clone-service/internal/synthesis"
	"github.com/book-expert/voice-clone-service/internal/validation"
)

// OutcomeOK labels a request that produced audio.
const OutcomeOK = "ok"

// DefaultWaveformBuckets is the resolution of Result.Waveform.
const DefaultWaveformBuckets = 200

// Static errors.
var (
	ErrValidatorRequired   = errors.New("pipeline requires a validator")
	ErrSynthesizerRequired = errors.New("pipeline requires a synthesizer")
	ErrRecorderRequired    = errors.New("pipeline requires a fault recorder")
)

// Synthesizer produces audio from a resolved reference clip.
type Synthesizer interface {
	Synthesize(
		ctx context.Context,
		text, language, referencePath string,
		observer synthesis.ChunkObserver,
	) (*synthesis.Output, error)
}

// Observer receives request outcomes for metrics.
type Observer interface {
	ObserveRequest(outcome string)
	ObserveSynthesis(firstChunk time.Duration, rtf float64)
	ObserveDeviceFault()
	ObserveFaultPhase(phase int)
}

// Submission is one synthesis request as entered in the UI.
type Submission struct {
	Text               string
	Language           string
	UploadPath         string
	MicPath            string
	UseMicrophone      bool
	Cleanup            bool
	SuppressAutoDetect bool
	Consent            bool
}

// Result is what the UI shows for a submission. On a recoverable failure
// Kind and Warning are set and there is no audio.
type Result struct {
	Kind             validation.Kind
	Warning          string
	Audio            []byte
	OutputPath       string
	ReferencePath    string
	DetectedLanguage string
	Metrics          synthesis.Metrics
	MetricsText      string
	Waveform         []float32
}

// OK reports whether the submission produced audio.
func (r *Result) OK() bool {
	return r.Kind == ""
}

// Outcome is the metrics label of the result.
func (r *Result) Outcome() string {
	if r.OK() {
		return OutcomeOK
	}

	return string(r.Kind)
}

// Options wires a Service.
type Options struct {
	Validator        *validation.Validator
	Gate             *langdetect.Gate
	Cleanser         core.Cleanser
	Synthesizer      Synthesizer
	Recorder         *fault.Recorder
	Observer         Observer
	DefaultReference string
	WaveformBuckets  int
	Now              func() time.Time
	Log              *logger.Logger
}

// Service runs one submission at a time; the model and its device context
// are shared by the whole process.
type Service struct {
	mu               sync.Mutex
	validator        *validation.Validator
	gate             *langdetect.Gate
	cleanser         core.Cleanser
	synthesizer      Synthesizer
	recorder         *fault.Recorder
	observer         Observer
	defaultReference string
	waveformBuckets  int
	now              func() time.Time
	log              *logger.Logger
}

// NewService creates a Service. Gate, Cleanser and Observer are optional.
func NewService(opts Options) (*Service, error) {
	if opts.Validator == nil {
		return nil, ErrValidatorRequired
	}

	if opts.Synthesizer == nil {
		return nil, ErrSynthesizerRequired
	}

	if opts.Recorder == nil {
		return nil, ErrRecorderRequired
	}

	if opts.WaveformBuckets <= 0 {
		opts.WaveformBuckets = DefaultWaveformBuckets
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		mu:               sync.Mutex{},
		validator:        opts.Validator,
		gate:             opts.Gate,
		cleanser:         opts.Cleanser,
		synthesizer:      opts.Synthesizer,
		recorder:         opts.Recorder,
		observer:         opts.Observer,
		defaultReference: opts.DefaultReference,
		waveformBuckets:  opts.WaveformBuckets,
		now:              opts.Now,
		log:              opts.Log,
	}, nil
}

// FaultState exposes the process fault state for readiness checks.
func (s *Service) FaultState() *fault.State {
	return s.recorder.State()
}

// Predict runs a submission to completion.
func (s *Service) Predict(ctx context.Context, sub Submission) (*Result, error) {
	return s.PredictStream(ctx, sub, nil)
}

// PredictStream runs a submission and reports each streamed chunk to
// observer. The error return is reserved for failures outside the outcome
// taxonomy, such as a cancelled context.
func (s *Service) PredictStream(
	ctx context.Context,
	sub Submission,
	observer synthesis.ChunkObserver,
) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.run(ctx, sub, observer)
	if err != nil {
		return nil, err
	}

	if s.observer != nil {
		s.observer.ObserveRequest(result.Outcome())
		s.observer.ObserveFaultPhase(int(s.recorder.State().Phase()))

		if result.OK() {
			s.observer.ObserveSynthesis(result.Metrics.FirstChunkLatency, result.Metrics.RealTimeFactor)
		}
	}

	return result, nil
}

func (s *Service) run(ctx context.Context, sub Submission, observer synthesis.ChunkObserver) (*Result, error) {
	failure := s.validator.Validate(validation.Input{
		Text:     sub.Text,
		Language: sub.Language,
		Consent:  sub.Consent,
	})
	if failure != nil {
		return s.warn(failure), nil
	}

	var detected string

	if s.gate != nil {
		detected, failure = s.gate.Check(sub.Text, sub.Language, sub.SuppressAutoDetect)
		if failure != nil {
			s.log.Warn("Detected language %s does not match declared %s", detected, sub.Language)

			return s.warn(failure), nil
		}
	}

	referencePath, failure := reference.Resolve(reference.Source{
		UseMicrophone: sub.UseMicrophone,
		MicPath:       sub.MicPath,
		UploadPath:    sub.UploadPath,
	}, s.defaultReference)
	if failure != nil {
		return s.warn(failure), nil
	}

	reportedReference := referencePath

	if sub.Cleanup && s.cleanser != nil {
		cleansed := s.cleanser.Cleanse(ctx, referencePath)

		// Copies of the shared default clip are per request; callers only
		// own the clips they supplied.
		if cleansed != referencePath && referencePath == s.defaultReference {
			defer s.discard(cleansed)
		} else {
			reportedReference = cleansed
		}

		referencePath = cleansed
	}

	state := s.recorder.State()
	if state.Detected() {
		snapshot := state.Snapshot()
		s.log.Error("Unrecoverable exception caused by language:%s prompt:%s", snapshot.Language, snapshot.Prompt)
	}

	output, err := s.synthesizer.Synthesize(ctx, sub.Text, sub.Language, referencePath, observer)
	if err != nil {
		return s.handleSynthesisError(ctx, sub, referencePath, err)
	}

	return &Result{
		Kind:             "",
		Warning:          "",
		Audio:            output.WAV,
		OutputPath:       output.Path,
		ReferencePath:    reportedReference,
		DetectedLanguage: detected,
		Metrics:          output.Metrics,
		MetricsText:      output.Metrics.Text(),
		Waveform:         synthesis.Peaks(output.Samples, s.waveformBuckets),
	}, nil
}

func (s *Service) handleSynthesisError(
	ctx context.Context,
	sub Submission,
	referencePath string,
	err error,
) (*Result, error) {
	class := fault.Classify(err)
	latentsErr := errors.Is(err, synthesis.ErrReferenceDecode)

	// A poisoned device must be recorded even when the caller has gone.
	if class == fault.ClassDeviceAssert && !latentsErr {
		s.recordDeviceFault(ctx, sub, referencePath, err)

		return s.warn(validation.NewFailure(validation.KindUnrecoverableDeviceFault, validation.MsgUnrecoverableDevice)), nil
	}

	ctxErr := ctx.Err()
	if ctxErr != nil {
		return nil, fmt.Errorf("synthesis interrupted: %w", ctxErr)
	}

	if latentsErr {
		return s.warn(validation.NewFailure(validation.KindReferenceAudioDecode, validation.MsgReferenceDecode)), nil
	}

	switch class {
	case fault.ClassDecode:
		s.log.Warn("Speaker encoding error: %v", err)

		return s.warn(validation.NewFailure(validation.KindReferenceAudioDecode, validation.MsgReferenceDecode)), nil
	case fault.ClassOther:
		s.log.Error("Non device-side assert error: %v", err)

		return s.warn(validation.NewFailure(validation.KindSynthesisFailed, validation.MsgSynthesisFailed)), nil
	default:
		return s.warn(validation.NewFailure(validation.KindSynthesisFailed, validation.MsgSynthesisFailed)), nil
	}
}

func (s *Service) recordDeviceFault(ctx context.Context, sub Submission, referencePath string, err error) {
	if s.observer != nil {
		s.observer.ObserveDeviceFault()
	}

	record := fault.Record{
		Time:               s.now(),
		Text:               sub.Text,
		Language:           sub.Language,
		UploadPath:         sub.UploadPath,
		MicPath:            sub.MicPath,
		UseMicrophone:      sub.UseMicrophone,
		Cleanup:            sub.Cleanup,
		SuppressAutoDetect: sub.SuppressAutoDetect,
		Consent:            sub.Consent,
		Error:              err.Error(),
	}

	// The record must survive the caller going away.
	_, handleErr := s.recorder.Handle(context.WithoutCancel(ctx), record, referencePath)
	if handleErr != nil {
		s.log.Error("Fault recovery incomplete: %v", handleErr)
	}
}

func (s *Service) discard(path string) {
	removeErr := os.Remove(path)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		s.log.Warn("Failed to remove cleansed copy %s: %v", path, removeErr)
	}
}

func (s *Service) warn(failure *validation.Failure) *Result {
	s.log.Warn("Request rejected (%s): %s", failure.Kind, failure.Message)

	return &Result{
		Kind:    failure.Kind,
		Warning: failure.Message,
	}
}
