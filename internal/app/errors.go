package app

import "fmt"

// Error codes for the engine's failure taxonomy.
const (
	CodeInvalidSuggestion = "INVALID_SUGGESTION"
	CodeAmbiguousTarget   = "AMBIGUOUS_TARGET"
	CodeInvalidRange      = "INVALID_RANGE"
	CodeStaleRevision     = "STALE_REVISION"
	CodeBackupNotFound    = "BACKUP_NOT_FOUND"
	CodeCorruptBackup     = "CORRUPT_BACKUP"
	CodeApplyInProgress   = "APPLY_IN_PROGRESS"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
