// Package core defines the collaborator interfaces and shared types of the
// voice-clone service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
// It backs both the worker's audio exchange and the flagged-request dataset.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// Latents is the conditioning pair the model derives from a reference clip.
// A value belongs to a single request and is never cached.
type Latents struct {
	GPTCondLatent    [][]float32 `json:"gpt_cond_latent"`
	SpeakerEmbedding []float32   `json:"speaker_embedding"`
}

// ChunkStream is a finite, lazily produced sequence of audio chunks.
// Next returns io.EOF once the stream is exhausted. A stream cannot be
// rewound; a retry needs a fresh StreamInference call.
type ChunkStream interface {
	Next(ctx context.Context) ([]float32, error)
	Close() error
}

// Model is the voice-cloning TTS model collaborator.
type Model interface {
	ConditioningLatents(ctx context.Context, audioPath string) (Latents, error)
	StreamInference(ctx context.Context, text, language string, latents Latents) (ChunkStream, error)
}

// LanguageClassifier guesses the language of a text. It returns a lowercase
// ISO 639-1 code, or an empty string when it cannot decide.
type LanguageClassifier interface {
	Classify(text string) string
}

// Cleanser denoises and trims a reference clip. It never fails: on any error
// the original path comes back.
type Cleanser interface {
	Cleanse(ctx context.Context, audioPath string) string
}

// Restarter recycles the whole process after an unrecoverable fault.
type Restarter interface {
	Restart(ctx context.Context) error
}
