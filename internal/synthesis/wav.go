package synthesis

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth     = 16
	wavChannels     = 1
	wavFormatPCM    = 1
	dirPermissions  = 0o750
	maxPCM16        = math.MaxInt16
	minPCM16        = math.MinInt16
	pcm16FloatScale = 32768.0
)

// WriteWAV encodes mono float samples as a 16-bit PCM WAV file at path and
// returns the file's bytes.
func WriteWAV(path string, samples []float32, sampleRate int) ([]byte, error) {
	dirErr := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if dirErr != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	encoder := wav.NewEncoder(file, sampleRate, wavBitDepth, wavChannels, wavFormatPCM)

	writeErr := encoder.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: wavChannels, SampleRate: sampleRate},
		Data:           toPCM16(samples),
		SourceBitDepth: wavBitDepth,
	})

	encodeErr := encoder.Close()
	closeErr := file.Close()

	if writeErr != nil {
		return nil, fmt.Errorf("failed to encode output audio: %w", writeErr)
	}

	if encodeErr != nil {
		return nil, fmt.Errorf("failed to finalize output audio: %w", encodeErr)
	}

	if closeErr != nil {
		return nil, fmt.Errorf("failed to close output file: %w", closeErr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back output audio: %w", err)
	}

	return data, nil
}

func toPCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, sample := range samples {
		scaled := math.Round(float64(sample) * pcm16FloatScale)
		out[i] = int(math.Max(minPCM16, math.Min(maxPCM16, scaled)))
	}

	return out
}
