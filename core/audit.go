package core

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction is the kind of access or mutation an audit entry records.
// Values match the canonical wire/storage representation.
type AuditAction string

const (
	ActionCreate       AuditAction = "CREATE"
	ActionRead         AuditAction = "READ"
	ActionUpdate       AuditAction = "UPDATE"
	ActionDelete       AuditAction = "DELETE"
	ActionLogin        AuditAction = "LOGIN"
	ActionLogout       AuditAction = "LOGOUT"
	ActionAccessDenied AuditAction = "ACCESS_DENIED"
)

// ActorRole classifies who performed an audited action.
type ActorRole string

const (
	RoleAdmin  ActorRole = "admin"
	RoleUser   ActorRole = "user"
	RoleDevice ActorRole = "device"
	RoleSystem ActorRole = "system"
)

// Actor is the resolved identity attached to a request or ingest source.
// Entry points without a resolved identity use RoleDevice (HTTP device
// ingest) or RoleSystem (serial loop); absence of identity is never an error
// by itself.
type Actor struct {
	ID   string
	Role ActorRole
}

// RequestContext carries the transport-level facts of the request that
// triggered an audited action.
type RequestContext struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Path      string `json:"path,omitempty"`
}

// AuditEntry is one immutable record of who did what to which resource.
// Entries are append-only: they are never mutated or deleted within this
// system's lifecycle (retention policy is an external concern).
type AuditEntry struct {
	ID             uuid.UUID              `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	ActorID        string                 `json:"actor_id"`
	ActorRole      ActorRole              `json:"actor_role"`
	Action         AuditAction            `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	PatientID      string                 `json:"patient_id,omitempty"`
	RequestContext RequestContext         `json:"request_context"`
	StatusCode     int                    `json:"status_code,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NewAuditEntry creates an entry with a fresh id and timestamp for the given
// action and resource type. Callers fill the remaining fields before handing
// the entry to the recorder.
func NewAuditEntry(action AuditAction, resourceType string) *AuditEntry {
	return &AuditEntry{
		ID:           uuid.New(),
		Timestamp:    time.Now().UTC(),
		Action:       action,
		ResourceType: resourceType,
	}
}
