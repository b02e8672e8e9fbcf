package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const (
	outputExtension = ".wav"
	waitDelay       = 2 * time.Second
)

// ErrBinaryPathEmpty indicates that no filter binary was configured.
var ErrBinaryPathEmpty = errors.New("cleanup binary path cannot be empty")

// Counter is incremented whenever a cleanup falls back to the original clip.
// A prometheus.Counter satisfies it.
type Counter interface {
	Inc()
}

// FFmpegCleanser implements core.Cleanser by running an ffmpeg-compatible
// binary as a subprocess.
type FFmpegCleanser struct {
	binaryPath string
	spec       FilterSpec
	timeout    time.Duration
	fallbacks  Counter
	log        *logger.Logger
}

// NewFFmpegCleanser creates an FFmpegCleanser. A zero timeout lets the
// subprocess run until it exits; fallbacks may be nil.
func NewFFmpegCleanser(
	binaryPath string,
	spec FilterSpec,
	timeout time.Duration,
	fallbacks Counter,
	log *logger.Logger,
) (*FFmpegCleanser, error) {
	if binaryPath == "" {
		return nil, ErrBinaryPathEmpty
	}

	specErr := spec.Validate()
	if specErr != nil {
		return nil, specErr
	}

	return &FFmpegCleanser{
		binaryPath: binaryPath,
		spec:       spec,
		timeout:    timeout,
		fallbacks:  fallbacks,
		log:        log,
	}, nil
}

// Args returns the subprocess arguments for filtering input into output.
func (c *FFmpegCleanser) Args(input, output string) []string {
	return []string{"-y", "-i", input, "-af", c.spec.Chain(), output}
}

// Cleanse filters audioPath into a new uniquely named file and returns its
// path. Any failure is logged and the unfiltered path is returned instead.
func (c *FFmpegCleanser) Cleanse(ctx context.Context, audioPath string) string {
	if c.spec.Chain() == "" {
		return audioPath
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	outputPath := audioPath + uuid.NewString() + outputExtension

	runErr := c.run(ctx, audioPath, outputPath)
	if runErr != nil {
		c.log.Error("Failed filtering reference audio, using original input: %v", runErr)

		if c.fallbacks != nil {
			c.fallbacks.Inc()
		}

		return audioPath
	}

	c.log.Info("Filtered reference audio: %s", outputPath)

	return outputPath
}

func (c *FFmpegCleanser) run(ctx context.Context, input, output string) error {
	// #nosec G204 -- binary comes from configuration and the paths are service-generated
	cmd := exec.CommandContext(ctx, c.binaryPath, c.Args(input, output)...)
	cmd.WaitDelay = waitDelay

	combined, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s execution failed: %w - output: %s", c.binaryPath, err, string(combined))
	}

	return nil
}
