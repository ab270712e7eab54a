package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ObservationStatus represents the lifecycle status of a persisted observation,
// mirroring the FHIR R4 Observation.status subset this system uses.
type ObservationStatus string

const (
	StatusRegistered  ObservationStatus = "registered"
	StatusPreliminary ObservationStatus = "preliminary"
	StatusFinal       ObservationStatus = "final"
	StatusAmended     ObservationStatus = "amended"
)

// ValidStatus reports whether s is a status this system recognizes.
func ValidStatus(s ObservationStatus) bool {
	switch s {
	case StatusRegistered, StatusPreliminary, StatusFinal, StatusAmended:
		return true
	}
	return false
}

// ValidStatusTransition reports whether an observation may move from one
// status to another. Observations are immutable after persistence except for
// these transitions; amendments supersede, they never rewrite values.
func ValidStatusTransition(from, to ObservationStatus) bool {
	switch from {
	case StatusRegistered:
		return to == StatusFinal || to == StatusAmended
	case StatusPreliminary:
		return to == StatusFinal || to == StatusAmended
	case StatusFinal:
		return to == StatusAmended
	}
	return false
}

// RawSample is a sensor reading as it arrives from a device or ingest call,
// before validation. It is transient and never persisted directly.
type RawSample struct {
	PatientID  string    `json:"patient_id" validate:"required"`
	DeviceID   string    `json:"device_id" validate:"required"`
	Code       string    `json:"code" validate:"required"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit" validate:"required"`
	ObservedAt time.Time `json:"observed_at"`
}

// Observation is the canonical, validated clinical record of one sensor
// reading. Created only by Validate; immutable once persisted except for
// status transitions.
type Observation struct {
	ID            uuid.UUID         `json:"id"`
	PatientID     string            `json:"patient_id"`
	DeviceID      string            `json:"device_id"`
	Code          string            `json:"code"`
	Value         float64           `json:"value"`
	Unit          string            `json:"unit"`
	EffectiveTime time.Time         `json:"effective_time"`
	Status        ObservationStatus `json:"status"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// CodeDefinition describes one recognized observation code: its FHIR coding
// metadata and the physical range the producing sensor can emit.
type CodeDefinition struct {
	Code     string
	System   string
	Display  string
	MinValue float64
	MaxValue float64
}

// codeRegistry holds every observation code this pipeline accepts. Currently
// a single sound-level code; adding a signal type means adding an entry here
// plus its aliases below.
var codeRegistry = map[string]CodeDefinition{
	CodeSound: {
		Code:     CodeSound,
		System:   "http://loinc.org",
		Display:  "Sound Level",
		MinValue: 0,
		MaxValue: 1023,
	},
}

// CodeSound is the canonical code for the sound-level signal.
const CodeSound = "sound"

// codeAliases maps incoming spellings from older firmware and third-party
// senders to canonical codes.
var codeAliases = map[string]string{
	"sound":       CodeSound,
	"Sound":       CodeSound,
	"SoundLevel":  CodeSound,
	"sound_level": CodeSound,
	"SOUND_LEVEL": CodeSound,
}

// NormalizeCode resolves an incoming code string to its canonical form.
// Returns false when the code is not recognized under any alias.
func NormalizeCode(code string) (string, bool) {
	canonical, ok := codeAliases[code]
	if !ok {
		return "", false
	}
	return canonical, true
}

// LookupCode returns the definition for a canonical observation code.
func LookupCode(code string) (CodeDefinition, bool) {
	def, ok := codeRegistry[code]
	return def, ok
}

// String implements fmt.Stringer for logging.
func (o *Observation) String() string {
	return fmt.Sprintf("Observation{id=%s patient=%s device=%s code=%s value=%g}",
		o.ID, o.PatientID, o.DeviceID, o.Code, o.Value)
}
