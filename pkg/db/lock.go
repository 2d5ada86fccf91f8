package db

import "gorm.io/gorm"

// ForUpdate returns the row lock clause for the connected dialect. SQLite serializes
// writers at the database level and rejects the clause.
func ForUpdate(tx *gorm.DB) string {
	if isSQLite(tx) {
		return ""
	}
	return " FOR UPDATE"
}

// ForUpdateSkipLocked is the work-claim variant used by background sweepers.
func ForUpdateSkipLocked(tx *gorm.DB) string {
	if isSQLite(tx) {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

func isSQLite(tx *gorm.DB) bool {
	if tx == nil || tx.Dialector == nil {
		return false
	}
	return tx.Dialector.Name() == "sqlite"
}
