// Package httpapi is the browser-facing boundary: multipart and WebSocket
// synthesis endpoints plus health, readiness and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/fault"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/reference"
	"github.com/book-expert/voice-clone-service/internal/synthesis"
	"github.com/book-expert/voice-clone-service/internal/validation"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Form fields of POST /v1/synthesize.
const (
	FieldText              = "text"
	FieldLanguage          = "language"
	FieldUseMicrophone     = "use_microphone"
	FieldCleanup           = "cleanup_reference"
	FieldDisableAutoDetect = "disable_auto_detect"
	FieldAgree             = "agree"
	FieldReferenceAudio    = "reference_audio"
	FieldMicrophoneAudio   = "microphone_audio"
)

const (
	defaultMaxUploadBytes = 20 << 20
	referencesRoute       = "/v1/references/"
	wsBufferSize          = 4096
)

// Predictor runs synthesis submissions.
type Predictor interface {
	PredictStream(ctx context.Context, sub pipeline.Submission, observer synthesis.ChunkObserver) (*pipeline.Result, error)
	FaultState() *fault.State
}

// Options wires a Server.
type Options struct {
	Predictor      Predictor
	Languages      []string
	Limits         validation.Limits
	UploadDir      string
	MaxUploadBytes int64
	AllowAnyOrigin bool
	Metrics        http.Handler
	Log            *logger.Logger
}

// Server serves the HTTP API.
type Server struct {
	predictor      Predictor
	languages      []string
	limits         validation.Limits
	uploadDir      string
	maxUploadBytes int64
	metrics        http.Handler
	upgrader       websocket.Upgrader
	log            *logger.Logger
}

// SynthesizeResponse is the JSON body returned for a submission. Audio is
// null whenever Warning is set.
type SynthesizeResponse struct {
	Kind             string    `json:"kind,omitempty"`
	Warning          string    `json:"warning,omitempty"`
	Audio            []byte    `json:"audio"`
	MetricsText      string    `json:"metrics_text,omitempty"`
	FirstChunkMS     int64     `json:"first_chunk_ms,omitempty"`
	ElapsedMS        int64     `json:"elapsed_ms,omitempty"`
	RealTimeFactor   float64   `json:"real_time_factor,omitempty"`
	Waveform         []float32 `json:"waveform,omitempty"`
	DetectedLanguage string    `json:"detected_language,omitempty"`
	ReferenceURL     string    `json:"reference_url,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}

	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}

	allowAny := opts.AllowAnyOrigin

	return &Server{
		predictor:      opts.Predictor,
		languages:      opts.Languages,
		limits:         opts.Limits,
		uploadDir:      opts.UploadDir,
		maxUploadBytes: opts.MaxUploadBytes,
		metrics:        opts.Metrics,
		log:            opts.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return allowAny || sameOrigin(r)
			},
		},
	}
}

// Router returns the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get("/v1/languages", s.handleLanguages)
	r.Post("/v1/synthesize", s.handleSynthesize)
	r.Get("/v1/synthesize/ws", s.handleSynthesizeWS)
	r.Get(referencesRoute+"{name}", s.handleReference)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.predictor.FaultState().Snapshot()
	if snapshot.Phase != fault.PhaseNormal {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": snapshot.Phase.String(),
		})

		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"languages": s.languages,
		"min_chars": s.limits.MinChars,
		"max_chars": s.limits.MaxChars,
	})
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	parseErr := r.ParseMultipartForm(s.maxUploadBytes)
	if parseErr != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", parseErr.Error())

		return
	}

	defer func() { _ = r.MultipartForm.RemoveAll() }()

	sub := pipeline.Submission{
		Text:               r.FormValue(FieldText),
		Language:           r.FormValue(FieldLanguage),
		UseMicrophone:      formBool(r.FormValue(FieldUseMicrophone)),
		Cleanup:            formBool(r.FormValue(FieldCleanup)),
		SuppressAutoDetect: formBool(r.FormValue(FieldDisableAutoDetect)),
		Consent:            formBool(r.FormValue(FieldAgree)),
	}

	var err error

	sub.UploadPath, err = s.saveFormFile(r, FieldReferenceAudio)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_reference_audio", err.Error())

		return
	}

	sub.MicPath, err = s.saveFormFile(r, FieldMicrophoneAudio)
	if err != nil {
		s.release(sub, nil, "")
		respondError(w, http.StatusBadRequest, "invalid_microphone_audio", err.Error())

		return
	}

	result, err := s.predictor.PredictStream(r.Context(), sub, nil)
	if err != nil {
		s.release(sub, nil, "")
		s.log.Error("Synthesis request failed: %v", err)
		respondError(w, http.StatusInternalServerError, "synthesis_error", err.Error())

		return
	}

	resp := s.response(result)
	respondJSON(w, http.StatusOK, resp)
	s.release(sub, result, resp.ReferenceURL)
}

// release removes the clips a finished request left in the upload
// directory. The clip behind referenceURL stays for the UI to fetch until
// the sweeper expires it.
func (s *Server) release(sub pipeline.Submission, result *pipeline.Result, referenceURL string) {
	var keep string

	paths := []string{sub.UploadPath, sub.MicPath}

	if result != nil {
		paths = append(paths, result.ReferencePath)

		if referenceURL != "" {
			keep = result.ReferencePath
		}
	}

	for _, path := range paths {
		if path == "" || path == keep || !reference.Contains(s.uploadDir, path) {
			continue
		}

		removeErr := os.Remove(path)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.log.Warn("Failed to remove uploaded clip %s: %v", path, removeErr)
		}
	}
}

// saveFormFile stores an optional uploaded file and returns its path, or ""
// when the field is absent.
func (s *Server) saveFormFile(r *http.Request, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", field, err)
	}
	defer func(f multipart.File) { _ = f.Close() }(file)

	data, err := io.ReadAll(file)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", field, err)
	}

	return reference.SaveUpload(s.uploadDir, header.Filename, data)
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path := filepath.Join(s.uploadDir, name)

	if name != filepath.Base(name) || !reference.Contains(s.uploadDir, path) || !reference.IsAudioFile(name) {
		respondError(w, http.StatusNotFound, "reference_not_found", "unknown reference")

		return
	}

	_, statErr := os.Stat(path)
	if statErr != nil {
		respondError(w, http.StatusNotFound, "reference_not_found", "unknown reference")

		return
	}

	http.ServeFile(w, r, path)
}

func (s *Server) response(result *pipeline.Result) SynthesizeResponse {
	if !result.OK() {
		return SynthesizeResponse{Kind: string(result.Kind), Warning: result.Warning}
	}

	resp := SynthesizeResponse{
		Audio:            result.Audio,
		MetricsText:      result.MetricsText,
		FirstChunkMS:     result.Metrics.FirstChunkLatency.Milliseconds(),
		ElapsedMS:        result.Metrics.Elapsed.Milliseconds(),
		RealTimeFactor:   result.Metrics.RealTimeFactor,
		Waveform:         result.Waveform,
		DetectedLanguage: result.DetectedLanguage,
	}

	if result.ReferencePath != "" && reference.Contains(s.uploadDir, result.ReferencePath) {
		resp.ReferenceURL = referencesRoute + url.PathEscape(filepath.Base(result.ReferencePath))
	}

	return resp
}

func formBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	return strings.EqualFold(u.Host, r.Host)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
