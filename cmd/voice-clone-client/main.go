package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/book-expert/voice-clone-service/internal/httpapi"
)

// Flag descriptions.
const (
	flagServerDesc     = "Base URL of the voice-clone service"
	flagTextDesc       = "Text to speak in the cloned voice"
	flagLanguageDesc   = "Language code of the text"
	flagReferenceDesc  = "Reference clip (.wav, .mp3, .m4a or .ogg) to clone"
	flagMicDesc        = "Treat the reference clip as a microphone recording"
	flagCleanupDesc    = "Run the cleanup filter over the reference clip"
	flagNoDetectDesc   = "Do not check the text against the declared language"
	flagAgreeDesc      = "Confirm agreement with the model terms of service"
	flagOutputDesc     = "Output file path (.wav)"
	flagTimeoutDesc    = "Request timeout"
	flagHealthDesc     = "Check service health and exit"
	flagPrintStatsDesc = "Print latency and real-time factor after synthesis"
)

// Flag names.
const (
	flagServer     = "server"
	flagText       = "text"
	flagLanguage   = "language"
	flagReference  = "reference"
	flagMic        = "mic"
	flagCleanup    = "cleanup"
	flagNoDetect   = "no-detect"
	flagAgree      = "agree"
	flagOutput     = "output"
	flagTimeout    = "timeout"
	flagHealth     = "health"
	flagPrintStats = "stats"
)

// Error and log messages.
const (
	errTextRequired      = "--text must be provided"
	errServiceNotHealthy = "voice-clone service is not healthy: %v\n"
	msgServiceHealthy    = "voice-clone service is healthy"
	msgGenerated         = "Generated: %s\n"
	msgWarning           = "Warning (%s): %s\n"
)

const (
	defaultServerURL  = "http://127.0.0.1:7860"
	defaultLanguage   = "en"
	defaultOutputFile = "output.wav"
	defaultTimeout    = 5 * time.Minute
)

var (
	// ErrTextRequired indicates that no prompt was given.
	ErrTextRequired = errors.New(errTextRequired)
	// ErrUnexpectedStatus indicates a non-2xx response from the service.
	ErrUnexpectedStatus = errors.New("unexpected status from service")
	// ErrSynthesisWarning indicates the service returned a warning instead of audio.
	ErrSynthesisWarning = errors.New("service returned a warning")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server     string
	text       string
	language   string
	reference  string
	mic        bool
	cleanup    bool
	noDetect   bool
	agree      bool
	output     string
	timeout    time.Duration
	health     bool
	printStats bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := &http.Client{Timeout: flags.timeout}

	if flags.health {
		return handleHealthCheck(ctx, client, flags.server, stdout)
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	return synthesize(ctx, client, flags, stdout)
}

// parseFlags parses args into appFlags.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	set := flag.NewFlagSet("voice-clone-client", flag.ContinueOnError)
	set.StringVar(&flags.server, flagServer, defaultServerURL, flagServerDesc)
	set.StringVar(&flags.text, flagText, "", flagTextDesc)
	set.StringVar(&flags.language, flagLanguage, defaultLanguage, flagLanguageDesc)
	set.StringVar(&flags.reference, flagReference, "", flagReferenceDesc)
	set.BoolVar(&flags.mic, flagMic, false, flagMicDesc)
	set.BoolVar(&flags.cleanup, flagCleanup, false, flagCleanupDesc)
	set.BoolVar(&flags.noDetect, flagNoDetect, false, flagNoDetectDesc)
	set.BoolVar(&flags.agree, flagAgree, false, flagAgreeDesc)
	set.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	set.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	set.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	set.BoolVar(&flags.printStats, flagPrintStats, false, flagPrintStatsDesc)

	err := set.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

func validateFlags(flags appFlags) error {
	if flags.text == "" {
		return ErrTextRequired
	}

	return nil
}

// handleHealthCheck performs a service health check and prints the result.
func handleHealthCheck(ctx context.Context, client *http.Client, server string, stdout io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(stdout, errServiceNotHealthy, err)

		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		fmt.Fprintf(stdout, errServiceNotHealthy, statusErr)

		return statusErr
	}

	fmt.Fprintln(stdout, msgServiceHealthy)

	return nil
}

// synthesize posts the prompt and reference clip and writes the returned audio.
func synthesize(ctx context.Context, client *http.Client, flags appFlags, stdout io.Writer) error {
	body, contentType, err := buildForm(flags)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, flags.server+"/v1/synthesize", body)
	if err != nil {
		return fmt.Errorf("failed to create synthesis request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(detail))
	}

	var result httpapi.SynthesizeResponse

	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return fmt.Errorf("failed to decode synthesis response: %w", err)
	}

	if result.Warning != "" || len(result.Audio) == 0 {
		fmt.Fprintf(stdout, msgWarning, result.Kind, result.Warning)

		return fmt.Errorf("%w: %s", ErrSynthesisWarning, result.Kind)
	}

	err = writeOutput(flags.output, result.Audio)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, msgGenerated, flags.output)

	if flags.printStats {
		fmt.Fprint(stdout, result.MetricsText)
	}

	return nil
}

func buildForm(flags appFlags) (*bytes.Buffer, string, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	fields := map[string]string{
		httpapi.FieldText:              flags.text,
		httpapi.FieldLanguage:          flags.language,
		httpapi.FieldUseMicrophone:     strconv.FormatBool(flags.mic),
		httpapi.FieldCleanup:           strconv.FormatBool(flags.cleanup),
		httpapi.FieldDisableAutoDetect: strconv.FormatBool(flags.noDetect),
		httpapi.FieldAgree:             strconv.FormatBool(flags.agree),
	}

	for name, value := range fields {
		err := writer.WriteField(name, value)
		if err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	if flags.reference != "" {
		field := httpapi.FieldReferenceAudio
		if flags.mic {
			field = httpapi.FieldMicrophoneAudio
		}

		err := attachFile(writer, field, flags.reference)
		if err != nil {
			return nil, "", err
		}
	}

	err := writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

func attachFile(writer *multipart.Writer, field, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read reference clip: %w", err)
	}

	part, err := writer.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write form file: %w", err)
	}

	return nil
}

func writeOutput(path string, audio []byte) error {
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	err = os.WriteFile(path, audio, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write output %s: %w", path, err)
	}

	return nil
}
