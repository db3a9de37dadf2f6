package store

import (
	"errors"
	"time"
)

// ErrStaleRevision is returned when a compare-and-swap update finds the
// outline already moved past the revision the caller observed.
var ErrStaleRevision = errors.New("stale revision")

// OutlineRecord is the persisted form of a document's current tree plus the
// monotonically increasing revision stamp callers CAS against.
type OutlineRecord struct {
	DocumentID string
	Tree       []byte
	Revision   int64
	UpdatedAt  time.Time
}

// BackupRecord mirrors one committed snapshot: the durable pointer from the
// relational store into the per-document backup repository.
type BackupRecord struct {
	ID                   string    `json:"backupId"`
	DocumentID           string    `json:"documentId"`
	CommitHash           string    `json:"commitHash"`
	AppliedSuggestionIDs []string  `json:"appliedSuggestionIds"`
	CreatedAt            time.Time `json:"createdAt"`
}
