package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"soundsense/core"

	"github.com/google/uuid"
)

// SQLiteAuditStorage is the append-only audit log. Entries are never updated
// or deleted through this interface.
type SQLiteAuditStorage struct {
	db *SQLite
}

// NewSQLiteAuditStorage creates audit storage on top of an open SQLite handle.
func NewSQLiteAuditStorage(db *SQLite) *SQLiteAuditStorage {
	return &SQLiteAuditStorage{db: db}
}

// Record appends one audit entry.
func (s *SQLiteAuditStorage) Record(ctx context.Context, entry *core.AuditEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_log (id, timestamp, actor_id, actor_role, action, resource_type,
			resource_id, patient_id, ip, user_agent, path, status_code, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.WriteDB.ExecContext(ctx, query,
		entry.ID.String(),
		entry.Timestamp.UTC().Format(timeLayout),
		entry.ActorID,
		string(entry.ActorRole),
		string(entry.Action),
		entry.ResourceType,
		nullIfEmpty(entry.ResourceID),
		nullIfEmpty(entry.PatientID),
		nullIfEmpty(entry.RequestContext.IP),
		nullIfEmpty(entry.RequestContext.UserAgent),
		nullIfEmpty(entry.RequestContext.Path),
		entry.StatusCode,
		nullIfEmpty(entry.ErrorMessage),
		nullIfEmptyBytes(metadata),
	)
	if err != nil {
		return classifyWriteError(fmt.Errorf("failed to insert audit entry %s: %w", entry.ID, err))
	}
	return nil
}

// GetEntries returns audit entries matching the filter, newest first.
func (s *SQLiteAuditStorage) GetEntries(ctx context.Context, filter core.AuditFilter) ([]core.AuditEntry, error) {
	query := `
		SELECT id, timestamp, actor_id, actor_role, action, resource_type,
			resource_id, patient_id, ip, user_agent, path, status_code, error_message, metadata
		FROM audit_log WHERE 1=1`
	args := []interface{}{}

	if filter.PatientID != "" {
		query += " AND patient_id = ?"
		args = append(args, filter.PatientID)
	}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewUnavailableError(fmt.Errorf("failed to query audit log: %w", err))
	}
	defer func() { _ = rows.Close() }()

	entries := []core.AuditEntry{}
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewUnavailableError(fmt.Errorf("audit row iteration failed: %w", err))
	}
	return entries, nil
}

func scanAuditEntry(rows *sql.Rows) (core.AuditEntry, error) {
	var (
		entry        core.AuditEntry
		idStr        string
		timestamp    string
		role         string
		action       string
		resourceID   sql.NullString
		patientID    sql.NullString
		ip           sql.NullString
		userAgent    sql.NullString
		path         sql.NullString
		statusCode   sql.NullInt64
		errorMessage sql.NullString
		metadata     sql.NullString
	)
	err := rows.Scan(&idStr, &timestamp, &entry.ActorID, &role, &action, &entry.ResourceType,
		&resourceID, &patientID, &ip, &userAgent, &path, &statusCode, &errorMessage, &metadata)
	if err != nil {
		return core.AuditEntry{}, err
	}

	entry.ID, err = uuid.Parse(idStr)
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("invalid audit entry id %q: %w", idStr, err)
	}
	entry.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("invalid audit timestamp %q: %w", timestamp, err)
	}
	entry.ActorRole = core.ActorRole(role)
	entry.Action = core.AuditAction(action)
	entry.ResourceID = resourceID.String
	entry.PatientID = patientID.String
	entry.RequestContext = core.RequestContext{
		IP:        ip.String,
		UserAgent: userAgent.String,
		Path:      path.String,
	}
	entry.StatusCode = int(statusCode.Int64)
	entry.ErrorMessage = errorMessage.String

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
			return core.AuditEntry{}, fmt.Errorf("invalid audit metadata for %s: %w", idStr, err)
		}
	}
	return entry, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfEmptyBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
