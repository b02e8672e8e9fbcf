// Package fault classifies runtime model faults and runs the one-shot
// recovery path for unrecoverable device faults: persist the offending
// request, then restart the process.
package fault

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Class is the category of a synthesis runtime error.
type Class int

const (
	// ClassOther is any fault without a known signature.
	ClassOther Class = iota
	// ClassDecode is a recoverable audio decode failure.
	ClassDecode
	// ClassDeviceAssert is a fatal device-side assertion.
	ClassDeviceAssert
)

const (
	deviceAssertSignature = "device-side assert"
	decodeSignature       = "Failed to decode"
)

func (c Class) String() string {
	switch c {
	case ClassDeviceAssert:
		return "device_assert"
	case ClassDecode:
		return "decode"
	case ClassOther:
		return "other"
	default:
		return "other"
	}
}

// Classify inspects the error text for known fault signatures.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}

	message := err.Error()

	switch {
	case strings.Contains(message, deviceAssertSignature):
		return ClassDeviceAssert
	case strings.Contains(message, decodeSignature):
		return ClassDecode
	default:
		return ClassOther
	}
}

// Phase is a step of the process fault lifecycle.
type Phase int32

const (
	// PhaseNormal means no fault has been seen.
	PhaseNormal Phase = iota
	// PhaseFaultDetected means a device fault was seen and is being recorded.
	PhaseFaultDetected
	// PhaseRestarting means the restart has been requested. Terminal.
	PhaseRestarting
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseFaultDetected:
		return "fault_detected"
	case PhaseRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Snapshot is the fault state as seen at one instant.
type Snapshot struct {
	Phase    Phase
	Prompt   string
	Language string
}

// State is the process-wide fault flag. The first TryDetect wins; there is
// no path back to PhaseNormal.
type State struct {
	phase    atomic.Int32
	mu       sync.RWMutex
	prompt   string
	language string
}

// NewState returns a State in PhaseNormal.
func NewState() *State {
	return &State{}
}

// TryDetect moves Normal to FaultDetected and remembers the prompt and
// language. It reports whether this call made the transition.
func (s *State) TryDetect(prompt, language string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.phase.CompareAndSwap(int32(PhaseNormal), int32(PhaseFaultDetected)) {
		return false
	}

	s.prompt = prompt
	s.language = language

	return true
}

// MarkRestarting moves FaultDetected to Restarting.
func (s *State) MarkRestarting() bool {
	return s.phase.CompareAndSwap(int32(PhaseFaultDetected), int32(PhaseRestarting))
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// Detected reports whether any fault has been recorded.
func (s *State) Detected() bool {
	return s.Phase() != PhaseNormal
}

// Snapshot returns the phase with the first fault's prompt and language.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Phase:    s.Phase(),
		Prompt:   s.prompt,
		Language: s.language,
	}
}
