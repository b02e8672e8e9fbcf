// Package worker provides a NATS worker that runs voice-clone synthesis jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/reference"
	"github.com/book-expert/voice-clone-service/internal/synthesis"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const defaultHandleTimeout = 5 * time.Minute

var (
	// ErrSubjectEmpty indicates that no subject was configured.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrStoreNil indicates that no object store was provided.
	ErrStoreNil = errors.New("object store cannot be nil")
	// ErrPredictorNil indicates that no pipeline was provided.
	ErrPredictorNil = errors.New("predictor cannot be nil")
)

// Predictor runs one synthesis submission.
type Predictor interface {
	Predict(ctx context.Context, sub pipeline.Submission) (*pipeline.Result, error)
}

// SynthesisRequestedEvent asks the worker to clone the voice stored under
// ReferenceKey.
type SynthesisRequestedEvent struct {
	Header             events.EventHeader `json:"header"`
	Text               string             `json:"text"`
	Language           string             `json:"language"`
	ReferenceKey       string             `json:"reference_key"`
	UseMicrophone      bool               `json:"use_microphone"`
	Cleanup            bool               `json:"cleanup_reference"`
	SuppressAutoDetect bool               `json:"disable_auto_detect"`
	Consent            bool               `json:"agree"`
}

// SynthesisCompletedEvent is the reply to a SynthesisRequestedEvent. AudioKey
// is empty whenever Kind, Warning or Error is set.
type SynthesisCompletedEvent struct {
	Header      events.EventHeader `json:"header"`
	AudioKey    string             `json:"audio_key,omitempty"`
	Kind        string             `json:"kind,omitempty"`
	Warning     string             `json:"warning,omitempty"`
	Error       string             `json:"error,omitempty"`
	MetricsText string             `json:"metrics_text,omitempty"`
	Metrics     synthesis.Metrics  `json:"metrics"`
}

// NatsWorker listens for synthesis jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	predictor      Predictor
	workDir        string
	timeout        time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. Reference clips are
// staged in workDir; a non-positive timeout uses the default.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	predictor Predictor,
	workDir string,
	timeout time.Duration,
	log *logger.Logger,
) (*NatsWorker, error) {
	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	if store == nil {
		return nil, ErrStoreNil
	}

	if predictor == nil {
		return nil, ErrPredictorNil
	}

	if workDir == "" {
		workDir = os.TempDir()
	}

	if timeout <= 0 {
		timeout = defaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		predictor:      predictor,
		workDir:        workDir,
		timeout:        timeout,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse event: %v", err)

		if msg.Reply != "" {
			replyErr := w.publishReplyEvent(msg, &SynthesisCompletedEvent{Error: err.Error()})
			if replyErr != nil {
				w.log.Error("Failed to publish reply event: %v", replyErr)
			}
		}

		return
	}

	reply, processErr := w.processJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process synthesis job for workflow %s: %v", event.Header.WorkflowID, processErr)

		reply = &SynthesisCompletedEvent{Header: event.Header, Error: processErr.Error()}
	}

	err = w.publishReplyEvent(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob stages the reference clip, runs the pipeline, and uploads the audio.
func (w *NatsWorker) processJob(ctx context.Context, event *SynthesisRequestedEvent) (*SynthesisCompletedEvent, error) {
	sub := pipeline.Submission{
		Text:               event.Text,
		Language:           event.Language,
		UseMicrophone:      event.UseMicrophone,
		Cleanup:            event.Cleanup,
		SuppressAutoDetect: event.SuppressAutoDetect,
		Consent:            event.Consent,
	}

	var staged string

	if event.ReferenceKey != "" {
		referencePath, err := w.stageReference(ctx, event.ReferenceKey)
		if err != nil {
			return nil, err
		}
		defer w.remove(referencePath)

		staged = referencePath

		if event.UseMicrophone {
			sub.MicPath = referencePath
		} else {
			sub.UploadPath = referencePath
		}
	}

	result, err := w.predictor.Predict(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesise: %w", err)
	}

	// A cleansed copy sits next to the staged clip with the same prefix.
	if staged != "" && result.ReferencePath != staged && strings.HasPrefix(result.ReferencePath, staged) {
		defer w.remove(result.ReferencePath)
	}

	reply := &SynthesisCompletedEvent{
		Header:      event.Header,
		Kind:        string(result.Kind),
		Warning:     result.Warning,
		MetricsText: result.MetricsText,
		Metrics:     result.Metrics,
	}

	if !result.OK() {
		return reply, nil
	}

	audioKey := uuid.NewString() + ".wav"

	err = w.store.Upload(ctx, audioKey, result.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	reply.AudioKey = audioKey

	return reply, nil
}

func (w *NatsWorker) stageReference(ctx context.Context, key string) (string, error) {
	data, err := w.store.Download(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to download reference audio for key '%s': %w", key, err)
	}

	name := path.Base(key)
	if !reference.IsAudioFile(name) {
		name += ".wav"
	}

	staged, err := reference.SaveUpload(w.workDir, name, data)
	if err != nil {
		return "", fmt.Errorf("failed to stage reference audio for key '%s': %w", key, err)
	}

	return staged, nil
}

func (w *NatsWorker) remove(filePath string) {
	removeErr := os.Remove(filePath)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		w.log.Warn("Failed to remove staged file %s: %v", filePath, removeErr)
	}
}

// publishReplyEvent marshals and responds with the SynthesisCompletedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *SynthesisCompletedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseEvent(msg *nats.Msg) (*SynthesisRequestedEvent, error) {
	var event SynthesisRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}
