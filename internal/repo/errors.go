package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("duplicate")
)

// isUniqueViolation recognizes unique constraint failures; glebarez/sqlite
// often reports them as plain text.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
