package core

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Constraint identifies which validation rule a sample failed. The constraint
// name is carried into the audit entry metadata so compliance review can see
// why a sample was rejected without re-running validation.
type Constraint string

const (
	ConstraintRequired    Constraint = "required"
	ConstraintUnknownCode Constraint = "unknown_code"
	ConstraintNotFinite   Constraint = "not_finite"
	ConstraintOutOfRange  Constraint = "out_of_range"
)

// ValidationError describes a sample rejected by Validate. It records the
// failed constraint, the offending field and value.
type ValidationError struct {
	Constraint Constraint
	Field      string
	Value      interface{}
	Message    string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Constraint, e.Message)
}

// Validate checks a raw sample against the domain constraints and produces a
// canonical observation. Constraints are checked in order with the first
// failure short-circuiting: required fields, recognized code, value
// finiteness, physical range for the code.
//
// Validate is a pure function: no I/O, no shared mutable state. It is safe to
// call from any number of concurrent pipeline invocations.
func Validate(sample RawSample) (*Observation, error) {
	patientID := strings.TrimSpace(sample.PatientID)
	deviceID := strings.TrimSpace(sample.DeviceID)
	unit := strings.TrimSpace(sample.Unit)

	if patientID == "" {
		return nil, &ValidationError{
			Constraint: ConstraintRequired,
			Field:      "patient_id",
			Value:      sample.PatientID,
			Message:    "patient_id required",
		}
	}
	if deviceID == "" {
		return nil, &ValidationError{
			Constraint: ConstraintRequired,
			Field:      "device_id",
			Value:      sample.DeviceID,
			Message:    "device_id required",
		}
	}
	if unit == "" {
		return nil, &ValidationError{
			Constraint: ConstraintRequired,
			Field:      "unit",
			Value:      sample.Unit,
			Message:    "unit required",
		}
	}

	code, ok := NormalizeCode(strings.TrimSpace(sample.Code))
	if !ok {
		return nil, &ValidationError{
			Constraint: ConstraintUnknownCode,
			Field:      "code",
			Value:      sample.Code,
			Message:    fmt.Sprintf("unrecognized observation code %q", sample.Code),
		}
	}

	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return nil, &ValidationError{
			Constraint: ConstraintNotFinite,
			Field:      "value",
			Value:      sample.Value,
			Message:    "value must be finite",
		}
	}

	def, _ := LookupCode(code)
	if sample.Value < def.MinValue || sample.Value > def.MaxValue {
		return nil, &ValidationError{
			Constraint: ConstraintOutOfRange,
			Field:      "value",
			Value:      sample.Value,
			Message: fmt.Sprintf("value %g outside physical range [%g, %g] for code %q",
				sample.Value, def.MinValue, def.MaxValue, code),
		}
	}

	observedAt := sample.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	return &Observation{
		ID:            uuid.New(),
		PatientID:     patientID,
		DeviceID:      deviceID,
		Code:          code,
		Value:         sample.Value,
		Unit:          unit,
		EffectiveTime: observedAt,
		Status:        StatusFinal,
		RecordedAt:    time.Now().UTC(),
	}, nil
}
