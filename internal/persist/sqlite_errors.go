package persist

import "strings"

// isSQLiteConflict reports whether the error is a SQLITE_BUSY or "database
// is locked" error. Both are concurrency errors that warrant retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
