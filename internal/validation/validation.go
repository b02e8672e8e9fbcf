// Package validation holds the outcome taxonomy of a synthesis request and
// the input checks that run before any audio work starts.
package validation

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind classifies why a request did not produce audio.
type Kind string

// Outcome kinds. Every kind except KindUnrecoverableDeviceFault is scoped to
// a single request.
const (
	KindConsentRequired          Kind = "ConsentRequired"
	KindUnsupportedLanguage      Kind = "UnsupportedLanguage"
	KindPromptTooShort           Kind = "PromptTooShort"
	KindPromptTooLong            Kind = "PromptTooLong"
	KindMissingReferenceAudio    Kind = "MissingReferenceAudio"
	KindLanguageMismatch         Kind = "LanguageMismatch"
	KindReferenceAudioDecode     Kind = "ReferenceAudioDecodeError"
	KindSynthesisFailed          Kind = "SynthesisFailed"
	KindUnrecoverableDeviceFault Kind = "UnrecoverableDeviceFault"
)

// User-facing warning messages.
const (
	MsgConsentRequired     = "Please accept the Terms & Condition!"
	msgFmtUnsupported      = "Language you put %s in is not in our Supported Languages, please choose from dropdown"
	MsgPromptTooShort      = "Please give a longer prompt text"
	msgFmtPromptTooLong    = "Text length limited to %d characters for this demo, please try shorter text. You can clone this space and edit code for your own usage"
	MsgMissingMicrophone   = "Please record your voice with Microphone, or uncheck Use Microphone to use reference audios"
	MsgMissingUpload       = "Please upload a reference audio file, or check Use Microphone to record one"
	MsgLanguageMismatch    = "It looks like your text isn't the language you chose, if you're sure the text is the same language you chose, please check disable language auto-detection checkbox"
	MsgReferenceDecode     = "It appears something wrong with reference, did you unmute your microphone?"
	MsgSynthesisFailed     = "Something unexpected happened please retry again."
	MsgUnrecoverableDevice = "Unhandled Exception encounter, please retry in a minute"
)

// Default prompt limits, counted in characters.
const (
	DefaultMinChars = 2
	DefaultMaxChars = 200
)

// SupportedLanguages lists the language codes the model accepts, in the
// order the UI offers them.
var SupportedLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "pl", "tr",
	"ru", "nl", "cs", "ar", "zh-cn", "ja", "ko", "hu",
}

// Failure is a user-visible, non-fatal outcome. It carries the warning text
// the UI shows next to an empty result.
type Failure struct {
	Kind    Kind
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure builds a Failure of the given kind.
func NewFailure(kind Kind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

// AsFailure extracts a Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}

	return nil, false
}

// CharCount returns the length of text in characters rather than bytes.
func CharCount(text string) int {
	return utf8.RuneCountInString(text)
}

// Input is the part of a request the validator inspects.
type Input struct {
	Text     string
	Language string
	Consent  bool
}

// Limits bounds the prompt length, both ends inclusive.
type Limits struct {
	MinChars int
	MaxChars int
}

// Validator runs the pre-synthesis checks in a fixed order and stops at the
// first failure.
type Validator struct {
	languages map[string]struct{}
	ordered   []string
	limits    Limits
}

// NewValidator creates a Validator over the given language set. Zero limits
// fall back to the defaults.
func NewValidator(languages []string, limits Limits) *Validator {
	if limits.MinChars <= 0 {
		limits.MinChars = DefaultMinChars
	}

	if limits.MaxChars <= 0 {
		limits.MaxChars = DefaultMaxChars
	}

	set := make(map[string]struct{}, len(languages))
	for _, lang := range languages {
		set[lang] = struct{}{}
	}

	return &Validator{languages: set, ordered: append([]string(nil), languages...), limits: limits}
}

// Languages returns the accepted language codes in their configured order.
func (v *Validator) Languages() []string {
	return append([]string(nil), v.ordered...)
}

// Limits returns the effective prompt limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Supports reports whether language is in the validator's language set.
func (v *Validator) Supports(language string) bool {
	_, ok := v.languages[language]

	return ok
}

// Validate returns nil when the input may proceed to synthesis, or the
// first Failure found.
func (v *Validator) Validate(in Input) *Failure {
	if !in.Consent {
		return NewFailure(KindConsentRequired, MsgConsentRequired)
	}

	if !v.Supports(in.Language) {
		return NewFailure(KindUnsupportedLanguage, fmt.Sprintf(msgFmtUnsupported, in.Language))
	}

	length := CharCount(in.Text)
	if length < v.limits.MinChars {
		return NewFailure(KindPromptTooShort, MsgPromptTooShort)
	}

	if length > v.limits.MaxChars {
		return NewFailure(KindPromptTooLong, fmt.Sprintf(msgFmtPromptTooLong, v.limits.MaxChars))
	}

	return nil
}
