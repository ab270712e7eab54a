package api

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"soundsense/core"

	"github.com/google/uuid"
)

// FHIR R4 Observation shaping. Observations cross the wire as FHIR resources
// so the dashboard and downstream consumers get a standard representation.

// FHIRCoding is one code within a CodeableConcept.
type FHIRCoding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// FHIRCodeableConcept wraps a list of codings.
type FHIRCodeableConcept struct {
	Coding []FHIRCoding `json:"coding"`
	Text   string       `json:"text,omitempty"`
}

// FHIRReference points at another resource, e.g. "Patient/<id>".
type FHIRReference struct {
	Reference string `json:"reference"`
}

// FHIRQuantity carries a measured value with its unit.
type FHIRQuantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// FHIRObservation is the wire representation of one observation.
type FHIRObservation struct {
	ResourceType      string              `json:"resourceType"`
	ID                string              `json:"id"`
	Status            string              `json:"status"`
	Code              FHIRCodeableConcept `json:"code"`
	Subject           FHIRReference       `json:"subject"`
	EffectiveDateTime string              `json:"effectiveDateTime"`
	Issued            string              `json:"issued,omitempty"`
	ValueQuantity     FHIRQuantity        `json:"valueQuantity"`
	Device            *FHIRReference      `json:"device,omitempty"`
}

// FHIRBundleEntry wraps one resource inside a bundle.
type FHIRBundleEntry struct {
	Resource FHIRObservation `json:"resource"`
}

// FHIRBundle is a searchset-style collection of observations.
type FHIRBundle struct {
	ResourceType string            `json:"resourceType"`
	Type         string            `json:"type"`
	Total        int               `json:"total"`
	Entry        []FHIRBundleEntry `json:"entry"`
}

// ToFHIR converts a domain observation to its FHIR representation.
func ToFHIR(obs core.Observation) FHIRObservation {
	def, _ := core.LookupCode(obs.Code)
	return FHIRObservation{
		ResourceType: "Observation",
		ID:           obs.ID.String(),
		Status:       string(obs.Status),
		Code: FHIRCodeableConcept{
			Coding: []FHIRCoding{{
				System:  def.System,
				Code:    obs.Code,
				Display: def.Display,
			}},
			Text: def.Display,
		},
		Subject:           FHIRReference{Reference: "Patient/" + obs.PatientID},
		EffectiveDateTime: obs.EffectiveTime.UTC().Format(time.RFC3339Nano),
		Issued:            obs.RecordedAt.UTC().Format(time.RFC3339Nano),
		ValueQuantity:     FHIRQuantity{Value: obs.Value, Unit: obs.Unit},
		Device:            &FHIRReference{Reference: "Device/" + obs.DeviceID},
	}
}

// NewFHIRBundle wraps observations in a collection bundle, preserving order.
func NewFHIRBundle(observations []core.Observation) FHIRBundle {
	entries := make([]FHIRBundleEntry, 0, len(observations))
	for _, obs := range observations {
		entries = append(entries, FHIRBundleEntry{Resource: ToFHIR(obs)})
	}
	return FHIRBundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Total:        len(entries),
		Entry:        entries,
	}
}

// fhirStatuses is the full FHIR R4 Observation.status value set. Outgoing
// resources only ever use the subset in core, but validation accepts the
// whole set so foreign resources round-trip.
var fhirStatuses = map[string]bool{
	"registered": true, "preliminary": true, "final": true, "amended": true,
	"corrected": true, "cancelled": true, "entered-in-error": true, "unknown": true,
}

// Validate checks the structural FHIR invariants as a second line of defense
// before a resource leaves or enters the system.
func (o *FHIRObservation) Validate() error {
	if o.ResourceType != "Observation" {
		return fmt.Errorf("resourceType must be \"Observation\", got %q", o.ResourceType)
	}
	if _, err := uuid.Parse(o.ID); err != nil {
		return fmt.Errorf("id must be a valid UUID: %w", err)
	}
	if !fhirStatuses[o.Status] {
		return fmt.Errorf("invalid observation status %q", o.Status)
	}
	if len(o.Code.Coding) == 0 {
		return fmt.Errorf("code must carry at least one coding")
	}
	for _, coding := range o.Code.Coding {
		u, err := url.Parse(coding.System)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("coding system must be an http(s) URI, got %q", coding.System)
		}
		if coding.Code == "" {
			return fmt.Errorf("coding code must not be empty")
		}
	}
	ref := o.Subject.Reference
	if !strings.HasPrefix(ref, "Patient/") || len(ref) <= len("Patient/") {
		return fmt.Errorf("subject reference must match Patient/<id>, got %q", ref)
	}
	if math.IsNaN(o.ValueQuantity.Value) || math.IsInf(o.ValueQuantity.Value, 0) {
		return fmt.Errorf("valueQuantity.value must be finite")
	}
	if strings.TrimSpace(o.ValueQuantity.Unit) == "" {
		return fmt.Errorf("valueQuantity.unit must not be empty")
	}
	return nil
}
