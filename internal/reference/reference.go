// Package reference picks the reference voice clip for a request and stores
// clips received from clients.
//
// The file helpers here focus on platform-agnostic handling of upload
// paths: extension checks, filename sanitising, and directory creation.
package reference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/voice-clone-service/internal/validation"
	"github.com/google/uuid"
)

// Common path constants.
const (
	defaultDirPermissions  = 0o750
	uploadFilePermissions  = 0o600
	invalidCharReplacement = "_"
)

// File extension constants.
const (
	extAAC  = ".aac"
	extFLAC = ".flac"
	extM4A  = ".m4a"
	extMP3  = ".mp3"
	extOGG  = ".ogg"
	extWAV  = ".wav"
	extWEBM = ".webm"
)

// Error message and format string constants.
const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	errFmtUnsupportedFormat = "%w: %q"
	errFmtFailedToWrite     = "failed to write reference audio %s: %w"
)

// Static errors.
var (
	ErrUnsupportedFormat = errors.New("unsupported reference audio format")
	ErrEmptyUpload       = errors.New("reference audio upload is empty")
)

// Source describes where a request's reference clip may come from.
type Source struct {
	UseMicrophone bool
	MicPath       string
	UploadPath    string
}

// Resolve returns the path of the reference clip to clone. A request that
// asked for the microphone never falls back to an uploaded or default clip.
func Resolve(src Source, defaultPath string) (string, *validation.Failure) {
	if src.UseMicrophone {
		if src.MicPath == "" {
			return "", validation.NewFailure(validation.KindMissingReferenceAudio, validation.MsgMissingMicrophone)
		}

		return src.MicPath, nil
	}

	if src.UploadPath != "" {
		return src.UploadPath, nil
	}

	if defaultPath != "" {
		return defaultPath, nil
	}

	return "", validation.NewFailure(validation.KindMissingReferenceAudio, validation.MsgMissingUpload)
}

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}
	}

	return nil
}

// IsAudioFile checks if a filename has a common audio file extension.
func IsAudioFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case extWAV, extMP3, extFLAC, extOGG, extM4A, extAAC, extWEBM:
		return true
	default:
		return false
	}
}

// SanitizeFilename removes or replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
		" ", invalidCharReplacement,
	)

	return replacer.Replace(filename)
}

// SaveUpload writes a client clip into dir under a collision-free name that
// keeps the original extension, and returns its path. An empty name is
// treated as WAV.
func SaveUpload(dir, originalName string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}

	if originalName == "" {
		originalName = "reference" + extWAV
	}

	if !IsAudioFile(originalName) {
		return "", fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, originalName)
	}

	dirErr := EnsureDir(dir)
	if dirErr != nil {
		return "", dirErr
	}

	base := SanitizeFilename(strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName)))
	name := fmt.Sprintf("%s_%s%s", base, uuid.NewString(), strings.ToLower(filepath.Ext(originalName)))
	path := filepath.Join(dir, name)

	writeErr := os.WriteFile(path, data, uploadFilePermissions)
	if writeErr != nil {
		return "", fmt.Errorf(errFmtFailedToWrite, path, writeErr)
	}

	return path, nil
}

// Contains reports whether path lies directly inside dir. It guards the
// endpoint that echoes reference clips back to the UI.
func Contains(dir, path string) bool {
	absDir, dirErr := filepath.Abs(dir)
	if dirErr != nil {
		return false
	}

	absPath, pathErr := filepath.Abs(path)
	if pathErr != nil {
		return false
	}

	return filepath.Dir(absPath) == absDir
}
