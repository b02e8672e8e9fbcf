// Package cleanup_test tests the reference-audio cleanup filter.
package cleanup_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/cleanup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	successScript = "#!/bin/sh\n# copies the input (arg 3) to the output (last arg)\nfor last; do :; done\ncp \"$3\" \"$last\"\n"
	failureScript = "#!/bin/sh\necho 'filter failed' >&2\nexit 1\n"
	hangScript    = "#!/bin/sh\nexec sleep 5\n"
)

type countingCounter struct {
	count int
}

func (c *countingCounter) Inc() {
	c.count++
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "cleanup-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

// writeScript creates an executable fake filter. Tests that call it stay
// serial so no concurrent fork inherits the script's write descriptor.
func writeScript(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}

	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700))

	return path
}

func writeClip(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "reference.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF-clip"), 0o600))

	return path
}

func TestFilterSpec_DefaultChain(t *testing.T) {
	t.Parallel()

	trim := "silenceremove=start_periods=1:start_silence=0:start_threshold=0.02"
	want := "lowpass=8000,highpass=75,areverse," + trim + ",areverse," + trim

	assert.Equal(t, want, cleanup.DefaultSpec().Chain())
}

func TestFilterSpec_Toggles(t *testing.T) {
	t.Parallel()

	spec := cleanup.DefaultSpec()
	spec.TrimSilence = false
	assert.Equal(t, "lowpass=8000,highpass=75", spec.Chain())

	spec = cleanup.DefaultSpec()
	spec.Bandpass = false
	assert.Equal(t, []string{"areverse", "areverse"}, []string{spec.Stages()[0], spec.Stages()[2]})
	assert.Len(t, spec.Stages(), 4)

	spec.TrimSilence = false
	assert.Empty(t, spec.Chain())
}

func TestFilterSpec_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, cleanup.DefaultSpec().Validate())

	spec := cleanup.DefaultSpec()
	spec.HighPassHz = 9000
	require.ErrorIs(t, spec.Validate(), cleanup.ErrInvalidFilter)

	spec = cleanup.DefaultSpec()
	spec.LowPassHz = 30000
	require.ErrorIs(t, spec.Validate(), cleanup.ErrInvalidFilter)

	spec = cleanup.DefaultSpec()
	spec.SilenceThreshold = 0
	require.ErrorIs(t, spec.Validate(), cleanup.ErrInvalidFilter)

	spec.TrimSilence = false
	require.NoError(t, spec.Validate())
}

func TestFFmpegCleanser_Args(t *testing.T) {
	t.Parallel()

	cleanser, err := cleanup.NewFFmpegCleanser("ffmpeg", cleanup.DefaultSpec(), 0, nil, newTestLogger(t))
	require.NoError(t, err)

	args := cleanser.Args("in.wav", "out.wav")
	assert.Equal(t, []string{"-y", "-i", "in.wav", "-af", cleanup.DefaultSpec().Chain(), "out.wav"}, args)
}

func TestFFmpegCleanser_Success(t *testing.T) {
	counter := &countingCounter{count: 0}
	cleanser, err := cleanup.NewFFmpegCleanser(
		writeScript(t, successScript), cleanup.DefaultSpec(), time.Second, counter, newTestLogger(t),
	)
	require.NoError(t, err)

	clip := writeClip(t)
	out := cleanser.Cleanse(context.Background(), clip)

	assert.NotEqual(t, clip, out)
	assert.True(t, strings.HasPrefix(out, clip))
	assert.True(t, strings.HasSuffix(out, ".wav"))
	assert.FileExists(t, out)
	assert.Zero(t, counter.count)
}

func TestFFmpegCleanser_FailureFallsBack(t *testing.T) {
	counter := &countingCounter{count: 0}
	cleanser, err := cleanup.NewFFmpegCleanser(
		writeScript(t, failureScript), cleanup.DefaultSpec(), 0, counter, newTestLogger(t),
	)
	require.NoError(t, err)

	clip := writeClip(t)

	assert.Equal(t, clip, cleanser.Cleanse(context.Background(), clip))
	assert.Equal(t, 1, counter.count)
}

func TestFFmpegCleanser_MissingBinaryFallsBack(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	cleanser, err := cleanup.NewFFmpegCleanser(missing, cleanup.DefaultSpec(), 0, nil, newTestLogger(t))
	require.NoError(t, err)

	clip := writeClip(t)

	assert.Equal(t, clip, cleanser.Cleanse(context.Background(), clip))
}

func TestFFmpegCleanser_TimeoutFallsBack(t *testing.T) {
	counter := &countingCounter{count: 0}
	cleanser, err := cleanup.NewFFmpegCleanser(
		writeScript(t, hangScript), cleanup.DefaultSpec(), 100*time.Millisecond, counter, newTestLogger(t),
	)
	require.NoError(t, err)

	clip := writeClip(t)

	assert.Equal(t, clip, cleanser.Cleanse(context.Background(), clip))
	assert.Equal(t, 1, counter.count)
}

func TestFFmpegCleanser_EmptyChainSkipsSubprocess(t *testing.T) {
	spec := cleanup.DefaultSpec()
	spec.Bandpass = false
	spec.TrimSilence = false

	counter := &countingCounter{count: 0}
	cleanser, err := cleanup.NewFFmpegCleanser(writeScript(t, failureScript), spec, 0, counter, newTestLogger(t))
	require.NoError(t, err)

	clip := writeClip(t)

	assert.Equal(t, clip, cleanser.Cleanse(context.Background(), clip))
	assert.Zero(t, counter.count)
}

func TestNewFFmpegCleanser_Rejects(t *testing.T) {
	t.Parallel()

	_, err := cleanup.NewFFmpegCleanser("", cleanup.DefaultSpec(), 0, nil, newTestLogger(t))
	require.ErrorIs(t, err, cleanup.ErrBinaryPathEmpty)

	spec := cleanup.DefaultSpec()
	spec.LowPassHz = 10
	_, err = cleanup.NewFFmpegCleanser("ffmpeg", spec, 0, nil, newTestLogger(t))
	require.ErrorIs(t, err, cleanup.ErrInvalidFilter)
}
