package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// timeLayout is the timestamp encoding for DATETIME columns. Fixed width:
// RFC3339Nano strips trailing fractional zeros, which breaks lexicographic
// ORDER BY and range comparisons (a whole second sorts after its own
// sub-second successors because 'Z' > '.'). Always UTC, full nanoseconds.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite holds the database connections backing observation and audit storage.
// PERFORMANCE: Separate read and write pools to leverage WAL mode's concurrent
// read capability: one writer, many readers.
type SQLite struct {
	WriteDB *sql.DB // single-connection pool, WAL allows exactly one writer
	ReadDB  *sql.DB // multi-connection pool for SELECT traffic
	Path    string
	Logger  *zap.SugaredLogger
}

// configurePool applies the standard connection settings: WAL journal,
// foreign keys on, and a busy timeout so concurrent access waits instead of
// failing with SQLITE_BUSY.
func configurePool(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite disables foreign keys by default; enable and verify.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got %d)", fkEnabled)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" journal mode, not "wal".
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %s)", journalMode)
	}

	return nil
}

// NewSQLite opens the database at dbPath, configures the read and write pools
// and creates the schema. Pass ":memory:" for an ephemeral database.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// In-memory databases need shared cache so both pools see the same data;
	// without it each sql.Open creates a separate empty database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configurePool(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write pool: %w", err)
	}
	// WAL mode requires exactly one writer at a time.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configurePool(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read pool: %w", err)
	}

	// SECURITY: read pool is query-only so a coding mistake cannot write
	// through it.
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only on read pool: %w", err)
	}

	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infow("SQLite database initialized", "path", dbPath)
	return s, nil
}

// WithTransaction executes fn inside a transaction on the write pool,
// rolling back on error or panic.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// createTables creates the schema. Observation invariants are duplicated as
// CHECK constraints so corrupt writes are rejected even if application-level
// validation is bypassed.
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL CHECK(length(patient_id) > 0),
		device_id TEXT NOT NULL CHECK(length(device_id) > 0),
		code TEXT NOT NULL CHECK(length(code) > 0),
		value REAL NOT NULL CHECK(value >= 0 AND value <= 1023),
		unit TEXT NOT NULL CHECK(length(unit) > 0),
		effective_time DATETIME NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('registered','preliminary','final','amended')),
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_observations_patient ON observations(patient_id);
	CREATE INDEX IF NOT EXISTS idx_observations_device ON observations(device_id);
	CREATE INDEX IF NOT EXISTS idx_observations_effective ON observations(effective_time DESC);
	CREATE INDEX IF NOT EXISTS idx_observations_patient_effective ON observations(patient_id, effective_time DESC);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL CHECK(action IN ('CREATE','READ','UPDATE','DELETE','LOGIN','LOGOUT','ACCESS_DENIED')),
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		patient_id TEXT,
		ip TEXT,
		user_agent TEXT,
		path TEXT,
		status_code INTEGER,
		error_message TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_patient ON audit_log(patient_id);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Ping verifies both pools are reachable.
func (s *SQLite) Ping() error {
	if err := s.WriteDB.Ping(); err != nil {
		return fmt.Errorf("write pool unreachable: %w", err)
	}
	if err := s.ReadDB.Ping(); err != nil {
		return fmt.Errorf("read pool unreachable: %w", err)
	}
	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
