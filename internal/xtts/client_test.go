package xtts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDeviceAssert = "CUDA error: device-side assert triggered"

func testLatents() core.Latents {
	return core.Latents{
		GPTCondLatent:    [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		SpeakerEmbedding: []float32{0.5, 0.6, 0.7},
	}
}

func writeReference(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "speaker.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVE"), 0o600))

	return path
}

func drain(t *testing.T, stream core.ChunkStream) ([][]float32, error) {
	t.Helper()

	var chunks [][]float32

	for {
		chunk, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}

		if err != nil {
			return chunks, err
		}

		chunks = append(chunks, chunk)
	}
}

func TestClient_ConditioningLatents(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, apiCloneSpeaker, r.URL.Path)

		file, header, err := r.FormFile(formFieldWavFile)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)

			return
		}
		defer file.Close()

		data, _ := io.ReadAll(file)
		assert.Equal(t, "speaker.wav", header.Filename)
		assert.Equal(t, []byte("RIFF....WAVE"), data)

		w.Header().Set(headerContentType, contentTypeJSON)
		_ = json.NewEncoder(w).Encode(testLatents())
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 0)

	latents, err := client.ConditioningLatents(context.Background(), writeReference(t))
	require.NoError(t, err)
	assert.Equal(t, testLatents(), latents)
}

func TestClient_ConditioningLatents_Errors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"Failed to decode audio"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 0)

	_, err := client.ConditioningLatents(context.Background(), writeReference(t))
	require.Error(t, err)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "Failed to decode audio", serverErr.Detail)

	_, err = client.ConditioningLatents(context.Background(), "")
	require.ErrorIs(t, err, ErrAudioPathEmpty)

	_, err = client.ConditioningLatents(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
}

func TestClient_StreamInference(t *testing.T) {
	t.Parallel()

	first := EncodePCM16([]float32{0, 0.5, -0.5})
	second := EncodePCM16([]float32{0.25, -0.25})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, apiTTSStream, r.URL.Path)

		var req streamRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello world", req.Text)
		assert.Equal(t, "en", req.Language)
		assert.False(t, req.AddWAVHeader)
		assert.Equal(t, "20", req.StreamChunkSize)
		assert.Equal(t, testLatents().SpeakerEmbedding, req.SpeakerEmbedding)

		flusher, _ := w.(http.Flusher)
		w.Header().Set(headerContentType, contentTypeRaw)
		w.WriteHeader(http.StatusOK)

		// An odd split across writes exercises the carry-over byte.
		_, _ = w.Write(first[:5])
		flusher.Flush()
		_, _ = w.Write(append(first[5:], second...))
		flusher.Flush()
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 0)

	stream, err := client.StreamInference(context.Background(), "Hello world", "en", testLatents())
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var samples []float32
	for _, chunk := range chunks {
		samples = append(samples, chunk...)
	}

	require.Len(t, samples, 5)
	assert.InDelta(t, 0.5, samples[1], 0.001)
	assert.InDelta(t, -0.5, samples[2], 0.001)
	assert.InDelta(t, -0.25, samples[4], 0.001)

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestClient_StreamInference_ServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"` + testDeviceAssert + `"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 0)

	_, err := client.StreamInference(context.Background(), "Hello", "en", testLatents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device-side assert")
}

func TestClient_StreamInference_RawErrorBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream gone"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 0)

	_, err := client.StreamInference(context.Background(), "Hello", "en", testLatents())

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "upstream gone", serverErr.Detail)
}

func TestClient_StreamInference_TrailerErrorAfterAudio(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Trailer", TrailerError)
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write(EncodePCM16([]float32{0.25, 0.5, -0.5}))
		flusher.Flush()

		w.Header().Set(TrailerError, testDeviceAssert)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 0)

	stream, err := client.StreamInference(context.Background(), "Hello", "en", testLatents())
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := drain(t, stream)

	var samples []float32
	for _, chunk := range chunks {
		samples = append(samples, chunk...)
	}

	assert.Len(t, samples, 3)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, testDeviceAssert, serverErr.Detail)
	assert.Equal(t, fault.ClassDeviceAssert, fault.Classify(err))

	_, err = stream.Next(context.Background())
	require.ErrorAs(t, err, &serverErr)
}

func TestClient_StreamInference_AbortedBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write(EncodePCM16([]float32{0.25, 0.5, -0.5}))
		flusher.Flush()

		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 0)

	stream, err := client.StreamInference(context.Background(), "Hello", "en", testLatents())
	require.NoError(t, err)
	defer stream.Close()

	_, err = drain(t, stream)
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "failed to read audio stream")
}

func TestPCMStream_TrailingByte(t *testing.T) {
	t.Parallel()

	body := append(EncodePCM16([]float32{0.5}), 0x01)
	stream := newPCMStream(io.NopCloser(bytes.NewReader(body)), defaultReadSize, nil)

	chunks, err := drain(t, stream)
	require.ErrorIs(t, err, ErrTruncatedStream)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0], 1)
	assert.InDelta(t, 0.5, chunks[0][0], 0.001)
}

func TestClient_StreamInference_Validation(t *testing.T) {
	t.Parallel()

	client := NewClient("http://127.0.0.1:1", time.Second, 0)

	_, err := client.StreamInference(context.Background(), "", "en", testLatents())
	require.ErrorIs(t, err, ErrTextEmpty)

	_, err = client.StreamInference(context.Background(), "Hello", "", testLatents())
	require.ErrorIs(t, err, ErrLanguageEmpty)
}

func TestClient_HealthCheck(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, apiLanguages, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewClient(server.URL, time.Second, 0).HealthCheck(context.Background()))

	server.Close()
	require.ErrorIs(t, NewClient(server.URL, time.Second, 0).HealthCheck(context.Background()), ErrHealthCheckFail)
}

func TestEncodeDecodePCM16(t *testing.T) {
	t.Parallel()

	decoded := decodePCM16(EncodePCM16([]float32{1.5, -1.5, 0}))

	assert.InDelta(t, 32767.0/32768.0, decoded[0], 0.0001)
	assert.InDelta(t, -1.0, decoded[1], 0.0001)
	assert.InDelta(t, 0.0, decoded[2], 0.0001)
}
