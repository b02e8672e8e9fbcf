// Package xtts provides an HTTP client for an XTTS v2 streaming inference
// server. It implements core.Model.
package xtts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/voice-clone-service/internal/core"
)

// API endpoints and paths.
const (
	apiCloneSpeaker = "/clone_speaker"
	apiTTSStream    = "/tts_stream"
	apiLanguages    = "/languages"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeRaw    = "application/octet-stream"
)

// Form field names.
const (
	formFieldWavFile = "wav_file"
)

// Default values.
const (
	defaultStreamChunkSize = 20
	defaultReadSize        = 8192
)

// Error messages.
const (
	errFmtServiceError     = "XTTS service error (%s): %s"
	errFmtFailedToOpenFile = "failed to open reference audio: %w"
	errFmtFailedToSend     = "failed to send request to XTTS service at %s: %w"
)

// Static errors.
var (
	ErrTextEmpty       = errors.New("text cannot be empty")
	ErrLanguageEmpty   = errors.New("language cannot be empty")
	ErrAudioPathEmpty  = errors.New("reference audio path cannot be empty")
	ErrEmptyLatents    = errors.New("server returned empty conditioning latents")
	ErrHealthCheckFail = errors.New("XTTS health check failed")
)

// ServerError is a non-OK response from the inference server. Its message
// keeps the server's detail text verbatim so runtime fault signatures such
// as device-side asserts survive the hop.
type ServerError struct {
	Status string
	Detail string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf(errFmtServiceError, e.Status, e.Detail)
}

// errorResponse is the body FastAPI returns on failures.
type errorResponse struct {
	Detail string `json:"detail"`
}

// streamRequest is the JSON payload of POST /tts_stream.
type streamRequest struct {
	Text             string      `json:"text"`
	Language         string      `json:"language"`
	SpeakerEmbedding []float32   `json:"speaker_embedding"`
	GPTCondLatent    [][]float32 `json:"gpt_cond_latent"`
	AddWAVHeader     bool        `json:"add_wav_header"`
	StreamChunkSize  string      `json:"stream_chunk_size"`
}

// Client talks to the XTTS streaming server.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	streamChunkSize int
}

// NewClient creates a client for the server at baseURL
// (e.g. "http://localhost:8000"). A zero timeout leaves calls unbounded.
func NewClient(baseURL string, timeout time.Duration, streamChunkSize int) *Client {
	if streamChunkSize <= 0 {
		streamChunkSize = defaultStreamChunkSize
	}

	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		streamChunkSize: streamChunkSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

var _ core.Model = (*Client)(nil)

// ConditioningLatents uploads the reference clip and returns the speaker
// embedding and GPT conditioning latent computed from it.
func (c *Client) ConditioningLatents(ctx context.Context, audioPath string) (core.Latents, error) {
	if audioPath == "" {
		return core.Latents{}, ErrAudioPathEmpty
	}

	body, contentType, err := multipartFile(audioPath)
	if err != nil {
		return core.Latents{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiCloneSpeaker, body)
	if err != nil {
		return core.Latents{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentType)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.Latents{}, fmt.Errorf(errFmtFailedToSend, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Latents{}, parseErrorResponse(resp)
	}

	var latents core.Latents

	decodeErr := json.NewDecoder(resp.Body).Decode(&latents)
	if decodeErr != nil {
		return core.Latents{}, fmt.Errorf("failed to decode latents: %w", decodeErr)
	}

	if len(latents.SpeakerEmbedding) == 0 || len(latents.GPTCondLatent) == 0 {
		return core.Latents{}, ErrEmptyLatents
	}

	return latents, nil
}

// StreamInference starts streaming synthesis and returns the chunk stream.
// The caller must Close the stream.
func (c *Client) StreamInference(
	ctx context.Context,
	text, language string,
	latents core.Latents,
) (core.ChunkStream, error) {
	if text == "" {
		return nil, ErrTextEmpty
	}

	if language == "" {
		return nil, ErrLanguageEmpty
	}

	requestBody, err := json.Marshal(streamRequest{
		Text:             text,
		Language:         language,
		SpeakerEmbedding: latents.SpeakerEmbedding,
		GPTCondLatent:    latents.GPTCondLatent,
		AddWAVHeader:     false,
		StreamChunkSize:  strconv.Itoa(c.streamChunkSize),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiTTSStream,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeRaw)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(errFmtFailedToSend, c.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, parseErrorResponse(resp)
	}

	trailer := func() http.Header { return resp.Trailer }

	return newPCMStream(resp.Body, defaultReadSize, trailer), nil
}

// HealthCheck verifies that the inference server is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiLanguages, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w for service at %s: %w", ErrHealthCheckFail, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w with status: %s", ErrHealthCheckFail, resp.Status)
	}

	return nil
}

func multipartFile(audioPath string) (*bytes.Buffer, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf(errFmtFailedToOpenFile, err)
	}
	defer file.Close()

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldWavFile, filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return nil, "", fmt.Errorf("failed to copy file data: %w", err)
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", closeErr)
	}

	return &buf, writer.FormDataContentType(), nil
}

// parseErrorResponse decodes a structured JSON error from the server,
// falling back to the raw body so diagnostics are preserved.
func parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var errorResp errorResponse

	err := json.Unmarshal(raw, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return &ServerError{Status: resp.Status, Detail: errorResp.Detail}
	}

	return &ServerError{Status: resp.Status, Detail: strings.TrimSpace(string(raw))}
}
