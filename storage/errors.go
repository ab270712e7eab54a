package storage

import (
	"strings"

	"soundsense/core"
)

// classifyWriteError maps a driver error onto the pipeline's error taxonomy.
// modernc.org/sqlite surfaces constraint violations as plain errors whose
// message carries the SQLite error text, so classification is by message.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "unique") {
		return core.NewConstraintError(err)
	}
	return core.NewUnavailableError(err)
}
