// Package langdetect compares the language a user declared with the language
// their text appears to be written in.
package langdetect

import (
	"strings"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/validation"
	"github.com/pemistahl/lingua-go"
)

// DefaultMinChars is the text length at or below which detection is skipped.
const DefaultMinChars = 15

const (
	codeChinese      = "zh"
	codeChineseModel = "zh-cn"
)

// LinguaClassifier identifies languages with lingua-go across every language
// it knows, so text in a language the model lacks still reads as a mismatch.
type LinguaClassifier struct {
	detector lingua.LanguageDetector
}

// NewLinguaClassifier builds a detector over all lingua languages.
func NewLinguaClassifier() *LinguaClassifier {
	detector := lingua.NewLanguageDetectorBuilder().
		FromAllLanguages().
		Build()

	return &LinguaClassifier{detector: detector}
}

// Classify returns the lowercase ISO 639-1 code of text, or "" when lingua
// cannot decide.
func (c *LinguaClassifier) Classify(text string) string {
	language, exists := c.detector.DetectLanguageOf(text)
	if !exists {
		return ""
	}

	return strings.ToLower(language.IsoCode639_1().String())
}

// Normalize maps a classifier code onto the model's vocabulary.
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == codeChinese {
		return codeChineseModel
	}

	return code
}

// Gate rejects long texts whose detected language differs from the declared
// one. Short texts and explicit overrides bypass it.
type Gate struct {
	classifier core.LanguageClassifier
	minChars   int
}

// NewGate creates a Gate. A non-positive minChars uses DefaultMinChars.
func NewGate(classifier core.LanguageClassifier, minChars int) *Gate {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}

	return &Gate{classifier: classifier, minChars: minChars}
}

// Check returns the normalised detected language ("" when detection did not
// run or was undecided) and a LanguageMismatch failure when the two disagree.
func (g *Gate) Check(text, declared string, suppress bool) (string, *validation.Failure) {
	if suppress || validation.CharCount(text) <= g.minChars {
		return "", nil
	}

	detected := Normalize(g.classifier.Classify(text))
	if detected == "" || detected == declared {
		return detected, nil
	}

	return detected, validation.NewFailure(validation.KindLanguageMismatch, validation.MsgLanguageMismatch)
}
