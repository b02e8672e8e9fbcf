package httpapi

import (
	"net/http"
	"time"

	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/reference"
	"github.com/gorilla/websocket"
)

// WebSocket message types sent by the server.
const (
	TypeChunk  = "chunk"
	TypeResult = "result"
	TypeError  = "error"
)

const (
	wsReadLimit    = 32 << 20
	wsReadTimeout  = 10 * time.Minute
	wsWriteTimeout = 10 * time.Second
)

// WSSubmission is one client message on the synthesis socket. Audio fields
// carry base64 file contents.
type WSSubmission struct {
	Text               string `json:"text"`
	Language           string `json:"language"`
	UseMicrophone      bool   `json:"use_microphone"`
	Cleanup            bool   `json:"cleanup_reference"`
	SuppressAutoDetect bool   `json:"disable_auto_detect"`
	Consent            bool   `json:"agree"`
	ReferenceAudio     []byte `json:"reference_audio,omitempty"`
	ReferenceFilename  string `json:"reference_filename,omitempty"`
	MicrophoneAudio    []byte `json:"microphone_audio,omitempty"`
}

// ChunkEvent reports one streamed chunk.
type ChunkEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	Samples      int    `json:"samples"`
	SinceStartMS int64  `json:"since_start_ms"`
}

// ResultEvent carries the final outcome of a submission.
type ResultEvent struct {
	Type string `json:"type"`
	SynthesizeResponse
}

// ErrorEvent reports a submission the server could not run.
type ErrorEvent struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) handleSynthesizeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg WSSubmission

		readErr := conn.ReadJSON(&msg)
		if readErr != nil {
			if !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("Synthesis socket closed: %v", readErr)
			}

			return
		}

		writeErr := s.runWS(r, conn, msg)
		if writeErr != nil {
			s.log.Warn("Failed to write to synthesis socket: %v", writeErr)

			return
		}
	}
}

func (s *Server) runWS(r *http.Request, conn *websocket.Conn, msg WSSubmission) error {
	sub := pipeline.Submission{
		Text:               msg.Text,
		Language:           msg.Language,
		UseMicrophone:      msg.UseMicrophone,
		Cleanup:            msg.Cleanup,
		SuppressAutoDetect: msg.SuppressAutoDetect,
		Consent:            msg.Consent,
	}

	var err error

	if len(msg.ReferenceAudio) > 0 {
		sub.UploadPath, err = reference.SaveUpload(s.uploadDir, msg.ReferenceFilename, msg.ReferenceAudio)
		if err != nil {
			return writeWS(conn, ErrorEvent{Type: TypeError, Code: "invalid_reference_audio", Error: err.Error()})
		}
	}

	if len(msg.MicrophoneAudio) > 0 {
		sub.MicPath, err = reference.SaveUpload(s.uploadDir, "", msg.MicrophoneAudio)
		if err != nil {
			s.release(sub, nil, "")

			return writeWS(conn, ErrorEvent{Type: TypeError, Code: "invalid_microphone_audio", Error: err.Error()})
		}
	}

	var chunkWriteErr error

	observer := func(index, samples int, sinceStart time.Duration) {
		if chunkWriteErr != nil {
			return
		}

		chunkWriteErr = writeWS(conn, ChunkEvent{
			Type:         TypeChunk,
			Index:        index,
			Samples:      samples,
			SinceStartMS: sinceStart.Milliseconds(),
		})
	}

	result, err := s.predictor.PredictStream(r.Context(), sub, observer)
	if err != nil {
		s.release(sub, nil, "")
		s.log.Error("Synthesis request failed: %v", err)

		return writeWS(conn, ErrorEvent{Type: TypeError, Code: "synthesis_error", Error: err.Error()})
	}

	resp := s.response(result)
	defer s.release(sub, result, resp.ReferenceURL)

	if chunkWriteErr != nil {
		return chunkWriteErr
	}

	return writeWS(conn, ResultEvent{Type: TypeResult, SynthesizeResponse: resp})
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

	return conn.WriteJSON(v)
}
