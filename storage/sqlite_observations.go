package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"soundsense/core"

	"github.com/google/uuid"
)

// defaultListLimit caps unbounded List queries.
const defaultListLimit = 100

// maxListLimit is the hard ceiling a caller-supplied limit is clamped to.
const maxListLimit = 1000

// SQLiteObservationStorage persists validated observations.
type SQLiteObservationStorage struct {
	db *SQLite
}

// NewSQLiteObservationStorage creates observation storage on top of an open
// SQLite handle.
func NewSQLiteObservationStorage(db *SQLite) *SQLiteObservationStorage {
	return &SQLiteObservationStorage{db: db}
}

// Insert persists one observation. Duplicate ids and invariant-violating rows
// are rejected by the schema and reported as constraint errors; everything
// else is reported as storage-unavailable.
func (s *SQLiteObservationStorage) Insert(ctx context.Context, obs *core.Observation) error {
	query := `
		INSERT INTO observations (id, patient_id, device_id, code, value, unit, effective_time, status, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.WriteDB.ExecContext(ctx, query,
		obs.ID.String(),
		obs.PatientID,
		obs.DeviceID,
		obs.Code,
		obs.Value,
		obs.Unit,
		obs.EffectiveTime.UTC().Format(timeLayout),
		string(obs.Status),
		obs.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return classifyWriteError(fmt.Errorf("failed to insert observation %s: %w", obs.ID, err))
	}
	return nil
}

// List returns observations matching the filter, newest first by effective
// time. A zero filter returns the most recent defaultListLimit rows.
func (s *SQLiteObservationStorage) List(ctx context.Context, filter core.ObservationFilter) ([]core.Observation, error) {
	query := `
		SELECT id, patient_id, device_id, code, value, unit, effective_time, status, recorded_at
		FROM observations WHERE 1=1`
	args := []interface{}{}

	if filter.PatientID != "" {
		query += " AND patient_id = ?"
		args = append(args, filter.PatientID)
	}
	if filter.Code != "" {
		query += " AND code = ?"
		args = append(args, filter.Code)
	}
	if !filter.Since.IsZero() {
		query += " AND effective_time >= ?"
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query += " ORDER BY effective_time DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewUnavailableError(fmt.Errorf("failed to query observations: %w", err))
	}
	defer func() { _ = rows.Close() }()

	observations := []core.Observation{}
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation row: %w", err)
		}
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewUnavailableError(fmt.Errorf("observation row iteration failed: %w", err))
	}
	return observations, nil
}

// Count returns the total number of stored observations.
func (s *SQLiteObservationStorage) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.ReadDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM observations").Scan(&count)
	if err != nil {
		return 0, core.NewUnavailableError(fmt.Errorf("failed to count observations: %w", err))
	}
	return count, nil
}

// UpdateStatus moves an observation to a new lifecycle status, enforcing the
// allowed transitions inside a transaction so concurrent updates cannot
// interleave.
func (s *SQLiteObservationStorage) UpdateStatus(ctx context.Context, id uuid.UUID, status core.ObservationStatus) error {
	if !core.ValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", core.ErrIllegalTransition, status)
	}

	return s.db.WithTransaction(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM observations WHERE id = ?", id.String()).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return core.NewUnavailableError(fmt.Errorf("failed to read observation status: %w", err))
		}

		if !core.ValidStatusTransition(core.ObservationStatus(current), status) {
			return fmt.Errorf("%w: %s -> %s", core.ErrIllegalTransition, current, status)
		}

		_, err = tx.ExecContext(ctx, "UPDATE observations SET status = ? WHERE id = ?", string(status), id.String())
		if err != nil {
			return classifyWriteError(fmt.Errorf("failed to update observation status: %w", err))
		}
		return nil
	})
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanObservation(row scanner) (core.Observation, error) {
	var (
		obs           core.Observation
		idStr         string
		statusStr     string
		effectiveTime string
		recordedAt    string
	)
	err := row.Scan(&idStr, &obs.PatientID, &obs.DeviceID, &obs.Code, &obs.Value, &obs.Unit, &effectiveTime, &statusStr, &recordedAt)
	if err != nil {
		return core.Observation{}, err
	}

	obs.ID, err = uuid.Parse(idStr)
	if err != nil {
		return core.Observation{}, fmt.Errorf("invalid observation id %q: %w", idStr, err)
	}
	obs.Status = core.ObservationStatus(statusStr)

	obs.EffectiveTime, err = time.Parse(time.RFC3339Nano, effectiveTime)
	if err != nil {
		return core.Observation{}, fmt.Errorf("invalid effective_time %q: %w", effectiveTime, err)
	}
	obs.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return core.Observation{}, fmt.Errorf("invalid recorded_at %q: %w", recordedAt, err)
	}
	return obs, nil
}
