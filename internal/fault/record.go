package fault

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TimeLayout formats record timestamps and the uploaded filenames.
const TimeLayout = "02-01-2006-15:04:05"

// Record is the request that triggered an unrecoverable fault.
type Record struct {
	Time               time.Time
	Text               string
	Language           string
	UploadPath         string
	MicPath            string
	UseMicrophone      bool
	Cleanup            bool
	SuppressAutoDetect bool
	Consent            bool
	Error              string
}

// Fields returns the record as one CSV row.
func (r Record) Fields() []string {
	return []string{
		r.Time.Format(TimeLayout),
		r.Text,
		r.Language,
		r.UploadPath,
		r.MicPath,
		strconv.FormatBool(r.UseMicrophone),
		strconv.FormatBool(r.Cleanup),
		strconv.FormatBool(r.SuppressAutoDetect),
		strconv.FormatBool(r.Consent),
		r.Error,
	}
}

// CSV serialises the record as a single CSV line.
func (r Record) CSV() ([]byte, error) {
	var buffer bytes.Buffer

	writer := csv.NewWriter(&buffer)

	writeErr := writer.Write(r.Fields())
	if writeErr != nil {
		return nil, fmt.Errorf("failed to encode failure record: %w", writeErr)
	}

	writer.Flush()

	flushErr := writer.Error()
	if flushErr != nil {
		return nil, fmt.Errorf("failed to flush failure record: %w", flushErr)
	}

	return buffer.Bytes(), nil
}

// RecordKey is the dataset filename of the CSV record.
func (r Record) RecordKey() string {
	return r.Time.Format(TimeLayout) + "_" + uuid.NewString() + ".csv"
}

// ReferenceKey is the dataset filename of the offending reference clip.
func (r Record) ReferenceKey() string {
	return r.Time.Format(TimeLayout) + "_reference_" + uuid.NewString() + ".wav"
}
