package synthesis

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Metrics are the diagnostics reported alongside synthesised audio.
type Metrics struct {
	LatentDuration    time.Duration `json:"latent_duration"`
	FirstChunkLatency time.Duration `json:"first_chunk_latency"`
	Elapsed           time.Duration `json:"elapsed"`
	AudioDuration     time.Duration `json:"audio_duration"`
	RealTimeFactor    float64       `json:"real_time_factor"`
	Chunks            int           `json:"chunks"`
	Samples           int           `json:"samples"`
}

// Text renders the metrics block shown in the UI.
func (m Metrics) Text() string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "Latency to first audio chunk: %d milliseconds\n", m.FirstChunkLatency.Milliseconds())
	fmt.Fprintf(&builder, "Real-time factor (RTF): %.2f\n", m.RealTimeFactor)

	return builder.String()
}

// SamplesDuration converts a sample count to playback time.
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}

	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// RealTimeFactor is wall-clock generation time divided by the duration of
// the audio produced. Values below 1 mean faster than playback.
func RealTimeFactor(elapsed time.Duration, samples, sampleRate int) float64 {
	if samples <= 0 || sampleRate <= 0 {
		return 0
	}

	return elapsed.Seconds() * float64(sampleRate) / float64(samples)
}

// Peaks reduces samples to at most buckets absolute peak values, one per
// equal slice of the waveform, for drawing a waveform visual.
func Peaks(samples []float32, buckets int) []float32 {
	if buckets <= 0 || len(samples) == 0 {
		return nil
	}

	if buckets > len(samples) {
		buckets = len(samples)
	}

	peaks := make([]float32, buckets)

	for bucket := range peaks {
		from := bucket * len(samples) / buckets
		to := (bucket + 1) * len(samples) / buckets

		var peak float64
		for _, sample := range samples[from:to] {
			peak = math.Max(peak, math.Abs(float64(sample)))
		}

		peaks[bucket] = float32(peak)
	}

	return peaks
}
