// Package pipeline_test tests the end-to-end submission flow.
package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/fault"
	"github.com/book-expert/voice-clone-service/internal/langdetect"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/synthesis"
	"github.com/book-expert/voice-clone-service/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const longEnglish = "This sentence is clearly long enough to be checked."

var errDeviceAssert = errors.New("XTTS service error (500 Internal Server Error): CUDA error: device-side assert triggered")

type fakeSynthesizer struct {
	mu         sync.Mutex
	err        error
	calls      int
	references []string
}

func (f *fakeSynthesizer) Synthesize(
	_ context.Context,
	_, _, referencePath string,
	observer synthesis.ChunkObserver,
) (*synthesis.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.references = append(f.references, referencePath)

	if f.err != nil {
		return nil, f.err
	}

	if observer != nil {
		observer(0, 4, 120*time.Millisecond)
	}

	return &synthesis.Output{
		Path:    "/out/output.wav",
		WAV:     []byte("RIFF"),
		Samples: []float32{0.1, -0.8, 0.3, 0.2},
		Metrics: synthesis.Metrics{FirstChunkLatency: 120 * time.Millisecond, RealTimeFactor: 0.5},
	}, nil
}

type fixedClassifier struct {
	code string
}

func (f fixedClassifier) Classify(_ string) string {
	return f.code
}

type renamingCleanser struct {
	suffix string
	calls  int
}

func (r *renamingCleanser) Cleanse(_ context.Context, audioPath string) string {
	r.calls++

	if r.suffix == "" {
		return audioPath
	}

	return audioPath + r.suffix
}

type memoryStore struct {
	mu      sync.Mutex
	uploads []string
}

func (m *memoryStore) Upload(_ context.Context, key string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploads = append(m.uploads, key)

	return nil
}

func (m *memoryStore) Download(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}

type countingRestarter struct {
	calls int
}

func (c *countingRestarter) Restart(_ context.Context) error {
	c.calls++

	return nil
}

type recordingObserver struct {
	outcomes     []string
	deviceFaults int
	phase        int
	syntheses    int
}

func (r *recordingObserver) ObserveRequest(outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) ObserveSynthesis(_ time.Duration, _ float64) {
	r.syntheses++
}

func (r *recordingObserver) ObserveDeviceFault() {
	r.deviceFaults++
}

func (r *recordingObserver) ObserveFaultPhase(phase int) {
	r.phase = phase
}

type harness struct {
	service     *pipeline.Service
	synthesizer *fakeSynthesizer
	cleanser    *renamingCleanser
	store       *memoryStore
	restarter   *countingRestarter
	observer    *recordingObserver
	reference   string
}

func newHarness(t *testing.T, detected string) *harness {
	t.Helper()

	return newHarnessWithDefault(t, detected, false)
}

// newHarnessWithDefault optionally configures the harness reference clip as
// the service-wide default instead of a per-request upload.
func newHarnessWithDefault(t *testing.T, detected string, asDefault bool) *harness {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	reference := filepath.Join(t.TempDir(), "ref.wav")
	require.NoError(t, os.WriteFile(reference, []byte("RIFFref"), 0o600))

	h := &harness{
		synthesizer: &fakeSynthesizer{},
		cleanser:    &renamingCleanser{suffix: ""},
		store:       &memoryStore{},
		restarter:   &countingRestarter{},
		observer:    &recordingObserver{},
		reference:   reference,
	}

	recorder, err := fault.NewRecorder(fault.NewState(), h.store, h.restarter, log)
	require.NoError(t, err)

	defaultReference := ""
	if asDefault {
		defaultReference = reference
	}

	h.service, err = pipeline.NewService(pipeline.Options{
		Validator:        validation.NewValidator(validation.SupportedLanguages, validation.Limits{}),
		Gate:             langdetect.NewGate(fixedClassifier{code: detected}, 0),
		Cleanser:         h.cleanser,
		Synthesizer:      h.synthesizer,
		Recorder:         recorder,
		Observer:         h.observer,
		DefaultReference: defaultReference,
		WaveformBuckets:  2,
		Now:              nil,
		Log:              log,
	})
	require.NoError(t, err)

	return h
}

func (h *harness) submission(text string) pipeline.Submission {
	return pipeline.Submission{
		Text:       text,
		Language:   "en",
		UploadPath: h.reference,
		Consent:    true,
	}
}

func TestPredict_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "en")

	var chunks int

	result, err := h.service.PredictStream(context.Background(), h.submission(longEnglish),
		func(_, _ int, _ time.Duration) { chunks++ })
	require.NoError(t, err)

	assert.True(t, result.OK())
	assert.Equal(t, []byte("RIFF"), result.Audio)
	assert.Equal(t, h.reference, result.ReferencePath)
	assert.Equal(t, "en", result.DetectedLanguage)
	assert.Equal(t, "Latency to first audio chunk: 120 milliseconds\nReal-time factor (RTF): 0.50\n", result.MetricsText)
	assert.Len(t, result.Waveform, 2)
	assert.Equal(t, 1, chunks)
	assert.Equal(t, []string{pipeline.OutcomeOK}, h.observer.outcomes)
	assert.Equal(t, 1, h.observer.syntheses)
}

func TestPredict_ValidationShortCircuits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*pipeline.Submission)
		want   validation.Kind
	}{
		{"no consent", func(s *pipeline.Submission) { s.Consent = false; s.Text = "" }, validation.KindConsentRequired},
		{"unsupported", func(s *pipeline.Submission) { s.Language = "xx" }, validation.KindUnsupportedLanguage},
		{"too short", func(s *pipeline.Submission) { s.Text = "a" }, validation.KindPromptTooShort},
		{"too long", func(s *pipeline.Submission) { s.Text = strings.Repeat("a", 201) }, validation.KindPromptTooLong},
		{"mic missing", func(s *pipeline.Submission) { s.UseMicrophone = true }, validation.KindMissingReferenceAudio},
		{"upload missing", func(s *pipeline.Submission) { s.UploadPath = "" }, validation.KindMissingReferenceAudio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, "en")
			sub := h.submission("Hi")
			tt.modify(&sub)

			result, err := h.service.Predict(context.Background(), sub)
			require.NoError(t, err)

			assert.Equal(t, tt.want, result.Kind)
			assert.NotEmpty(t, result.Warning)
			assert.Nil(t, result.Audio)
			assert.Zero(t, h.synthesizer.calls)
			assert.Zero(t, h.cleanser.calls)
		})
	}
}

func TestPredict_BoundaryLengthsPass(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"Hi", strings.Repeat("a", 200)} {
		h := newHarness(t, "")

		result, err := h.service.Predict(context.Background(), h.submission(text))
		require.NoError(t, err)
		assert.True(t, result.OK(), "length %d", len(text))
		assert.Equal(t, 1, h.synthesizer.calls)
	}
}

func TestPredict_LanguageGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "de")

	result, err := h.service.Predict(context.Background(), h.submission(longEnglish))
	require.NoError(t, err)
	assert.Equal(t, validation.KindLanguageMismatch, result.Kind)
	assert.Zero(t, h.synthesizer.calls)

	short := h.submission("Hello friend!")
	result, err = h.service.Predict(context.Background(), short)
	require.NoError(t, err)
	assert.True(t, result.OK())

	suppressed := h.submission(longEnglish)
	suppressed.SuppressAutoDetect = true
	result, err = h.service.Predict(context.Background(), suppressed)
	require.NoError(t, err)
	assert.True(t, result.OK())
}

func TestPredict_ChineseNormalised(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "zh")
	sub := h.submission("这是一个足够长的中文句子，用于测试语言检测功能。")
	sub.Language = "zh-cn"

	result, err := h.service.Predict(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, "zh-cn", result.DetectedLanguage)
}

func TestPredict_CleanupUsesCleansedPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "en")
	h.cleanser.suffix = ".clean.wav"

	sub := h.submission("Hi there")
	sub.Cleanup = true

	result, err := h.service.Predict(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, h.reference+".clean.wav", h.synthesizer.references[0])
	assert.Equal(t, h.reference+".clean.wav", result.ReferencePath)
}

func TestPredict_CleansedDefaultReferenceRemoved(t *testing.T) {
	t.Parallel()

	h := newHarnessWithDefault(t, "en", true)
	h.cleanser.suffix = ".clean.wav"

	cleansed := h.reference + ".clean.wav"
	require.NoError(t, os.WriteFile(cleansed, []byte("RIFFclean"), 0o600))

	sub := h.submission("Hi there")
	sub.UploadPath = ""
	sub.Cleanup = true

	result, err := h.service.Predict(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, cleansed, h.synthesizer.references[0])
	assert.Equal(t, h.reference, result.ReferencePath)
	assert.NoFileExists(t, cleansed)
	assert.FileExists(t, h.reference)
}

func TestPredict_CleanupFallbackStillSynthesises(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "en")

	sub := h.submission("Hi there")
	sub.Cleanup = true

	result, err := h.service.Predict(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 1, h.cleanser.calls)
	assert.Equal(t, h.reference, h.synthesizer.references[0])
}

func TestPredict_SynthesisErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want validation.Kind
	}{
		{"latents", fmt.Errorf("%w: boom", synthesis.ErrReferenceDecode), validation.KindReferenceAudioDecode},
		{"decode signature", errors.New("Failed to decode header"), validation.KindReferenceAudioDecode},
		{"other", errors.New("connection reset"), validation.KindSynthesisFailed},
		{"empty", synthesis.ErrEmptyStream, validation.KindSynthesisFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, "en")
			h.synthesizer.err = tt.err

			result, err := h.service.Predict(context.Background(), h.submission("Hi there"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Kind)
			assert.Empty(t, h.store.uploads)
			assert.Zero(t, h.restarter.calls)
			assert.False(t, h.service.FaultState().Detected())
		})
	}
}

func TestPredict_DeviceFaultRecordedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "en")
	h.synthesizer.err = errDeviceAssert

	for range 2 {
		result, err := h.service.Predict(context.Background(), h.submission("Hi there"))
		require.NoError(t, err)
		assert.Equal(t, validation.KindUnrecoverableDeviceFault, result.Kind)
		assert.Equal(t, validation.MsgUnrecoverableDevice, result.Warning)
	}

	assert.Len(t, h.store.uploads, 2)
	assert.Equal(t, 1, h.restarter.calls)
	assert.Equal(t, 2, h.observer.deviceFaults)
	assert.Equal(t, int(fault.PhaseRestarting), h.observer.phase)

	snapshot := h.service.FaultState().Snapshot()
	assert.Equal(t, "Hi there", snapshot.Prompt)
	assert.Equal(t, "en", snapshot.Language)
}

func TestPredict_CancelledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "en")
	h.synthesizer.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.service.Predict(ctx, h.submission("Hi there"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPredict_DeviceFaultAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "en")
	h.synthesizer.err = errDeviceAssert

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.service.Predict(ctx, h.submission("Hi there"))
	require.NoError(t, err)
	assert.Equal(t, validation.KindUnrecoverableDeviceFault, result.Kind)
	assert.Len(t, h.store.uploads, 2)
	assert.Equal(t, 1, h.restarter.calls)
	assert.True(t, h.service.FaultState().Detected())
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	_, err := pipeline.NewService(pipeline.Options{})
	require.ErrorIs(t, err, pipeline.ErrValidatorRequired)

	_, err = pipeline.NewService(pipeline.Options{Validator: validation.NewValidator(nil, validation.Limits{})})
	require.ErrorIs(t, err, pipeline.ErrSynthesizerRequired)
}
