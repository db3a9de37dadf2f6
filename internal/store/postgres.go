package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bidsmart/api/internal/outline"
	"bidsmart/api/internal/suggest"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetOutline returns the current tree and revision for a document.
func (s *PostgresStore) GetOutline(ctx context.Context, documentID string) (*outline.Node, int64, error) {
	var payload []byte
	var revision int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tree, revision FROM outlines WHERE document_id=$1
	`, documentID).Scan(&payload, &revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("get outline: %w", err)
	}
	tree, err := outline.Unmarshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("decode outline %s: %w", documentID, err)
	}
	return tree, revision, nil
}

// PutOutline upserts a document's tree, bumping the revision when the row
// already exists.
func (s *PostgresStore) PutOutline(ctx context.Context, documentID string, tree *outline.Node) (int64, error) {
	payload, err := outline.Marshal(tree)
	if err != nil {
		return 0, err
	}
	var revision int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO outlines (document_id, tree, revision, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET tree=EXCLUDED.tree, revision=outlines.revision+1, updated_at=NOW()
		RETURNING revision
	`, documentID, payload).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("put outline: %w", err)
	}
	return revision, nil
}

// ReplaceSuggestions swaps the suggestion set for a document. Positions
// follow input order so matching stays deterministic.
func (s *PostgresStore) ReplaceSuggestions(ctx context.Context, documentID string, suggestions []suggest.Suggestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace suggestions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM suggestions WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear suggestions: %w", err)
	}
	for i, item := range suggestions {
		var placement []byte
		if item.Placement != nil {
			placement, err = json.Marshal(item.Placement)
			if err != nil {
				return fmt.Errorf("marshal placement %s: %w", item.ID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO suggestions
				(id, document_id, position, action, node_id, status, confidence, reason, current_title, suggested_title, placement)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, item.ID, documentID, i, string(item.Action), item.NodeID, string(item.Status),
			string(item.Confidence), item.Reason, item.CurrentTitle, item.SuggestedTitle, placement); err != nil {
			return fmt.Errorf("insert suggestion %s: %w", item.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace suggestions: %w", err)
	}
	return nil
}

const suggestionColumns = `id, action, node_id, status, confidence, reason, current_title, suggested_title, placement`

// ListSuggestions returns every suggestion for a document in input order.
func (s *PostgresStore) ListSuggestions(ctx context.Context, documentID string) ([]suggest.Suggestion, error) {
	return s.querySuggestions(ctx, `
		SELECT `+suggestionColumns+` FROM suggestions
		WHERE document_id=$1 ORDER BY position
	`, documentID)
}

// ListPendingSuggestions returns pending suggestions in input order. This is
// the read the matcher and classifier see, so resolved suggestions are
// filtered here, at call time.
func (s *PostgresStore) ListPendingSuggestions(ctx context.Context, documentID string) ([]suggest.Suggestion, error) {
	return s.querySuggestions(ctx, `
		SELECT `+suggestionColumns+` FROM suggestions
		WHERE document_id=$1 AND status='pending' ORDER BY position
	`, documentID)
}

// GetSuggestionsByID returns the named suggestions keyed by id.
func (s *PostgresStore) GetSuggestionsByID(ctx context.Context, documentID string, ids []string) (map[string]suggest.Suggestion, error) {
	if len(ids) == 0 {
		return map[string]suggest.Suggestion{}, nil
	}
	items, err := s.querySuggestions(ctx, `
		SELECT `+suggestionColumns+` FROM suggestions
		WHERE document_id=$1 AND id=ANY($2) ORDER BY position
	`, documentID, textArray(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]suggest.Suggestion, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	return byID, nil
}

// MarkAccepted transitions the named pending suggestions to accepted and
// returns the ids that actually moved. Acceptance is idempotent: ids that
// are no longer pending are skipped, not errors.
func (s *PostgresStore) MarkAccepted(ctx context.Context, documentID string, ids []string) ([]string, error) {
	return s.transition(ctx, documentID, ids, suggest.StatusPending, suggest.StatusAccepted)
}

// MarkRejected transitions the named pending suggestions to rejected.
func (s *PostgresStore) MarkRejected(ctx context.Context, documentID string, ids []string) ([]string, error) {
	return s.transition(ctx, documentID, ids, suggest.StatusPending, suggest.StatusRejected)
}

func (s *PostgresStore) transition(ctx context.Context, documentID string, ids []string, from, to suggest.Status) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE suggestions SET status=$1, updated_at=NOW()
		WHERE document_id=$2 AND id=ANY($3) AND status=$4
		RETURNING id
	`, string(to), documentID, textArray(ids), string(from))
	if err != nil {
		return nil, fmt.Errorf("transition suggestions to %s: %w", to, err)
	}
	defer rows.Close()

	updated := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan transitioned id: %w", err)
		}
		updated[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitioned ids: %w", err)
	}

	// Preserve the caller's selection order.
	ordered := make([]string, 0, len(updated))
	for _, id := range ids {
		if _, ok := updated[id]; ok {
			ordered = append(ordered, id)
		}
	}
	return ordered, nil
}

// CommitApply finalizes a batch apply in one transaction: CAS-replace the
// tree, mark the applied suggestions, and record the backup pointer. An
// expectedRevision mismatch yields ErrStaleRevision and nothing changes.
func (s *PostgresStore) CommitApply(ctx context.Context, documentID string, tree *outline.Node, expectedRevision int64, appliedIDs []string, backup BackupRecord) (int64, error) {
	payload, err := outline.Marshal(tree)
	if err != nil {
		return 0, err
	}
	appliedJSON, err := json.Marshal(backup.AppliedSuggestionIDs)
	if err != nil {
		return 0, fmt.Errorf("marshal applied ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	revision, err := casOutline(ctx, tx, documentID, payload, expectedRevision)
	if err != nil {
		return 0, err
	}
	if len(appliedIDs) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE suggestions SET status='applied', updated_at=NOW()
			WHERE document_id=$1 AND id=ANY($2) AND status='accepted'
		`, documentID, textArray(appliedIDs)); err != nil {
			return 0, fmt.Errorf("mark applied: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO backups (id, document_id, commit_hash, applied_suggestion_ids, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, backup.ID, documentID, backup.CommitHash, appliedJSON, backup.CreatedAt); err != nil {
		return 0, fmt.Errorf("record backup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit apply: %w", err)
	}
	return revision, nil
}

// RevertApplied restores a snapshot tree and flips the suggestions that the
// undone operation had applied back to pending, in one transaction.
func (s *PostgresStore) RevertApplied(ctx context.Context, documentID string, tree *outline.Node, expectedRevision int64, ids []string) (int64, error) {
	payload, err := outline.Marshal(tree)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin revert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	revision, err := casOutline(ctx, tx, documentID, payload, expectedRevision)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE suggestions SET status='pending', updated_at=NOW()
			WHERE document_id=$1 AND id=ANY($2) AND status='applied'
		`, documentID, textArray(ids)); err != nil {
			return 0, fmt.Errorf("revert applied suggestions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit revert: %w", err)
	}
	return revision, nil
}

// GetBackup returns one backup pointer.
func (s *PostgresStore) GetBackup(ctx context.Context, documentID, backupID string) (BackupRecord, error) {
	var record BackupRecord
	var appliedJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, commit_hash, applied_suggestion_ids, created_at
		FROM backups WHERE document_id=$1 AND id=$2
	`, documentID, backupID).Scan(&record.ID, &record.DocumentID, &record.CommitHash, &appliedJSON, &record.CreatedAt)
	if err != nil {
		return BackupRecord{}, err
	}
	if err := json.Unmarshal(appliedJSON, &record.AppliedSuggestionIDs); err != nil {
		return BackupRecord{}, fmt.Errorf("decode applied ids: %w", err)
	}
	return record, nil
}

// ListBackups lists backup pointers for a document, most recent first.
func (s *PostgresStore) ListBackups(ctx context.Context, documentID string) ([]BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, commit_hash, applied_suggestion_ids, created_at
		FROM backups WHERE document_id=$1 ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	items := make([]BackupRecord, 0)
	for rows.Next() {
		var record BackupRecord
		var appliedJSON []byte
		if err := rows.Scan(&record.ID, &record.DocumentID, &record.CommitHash, &appliedJSON, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		if err := json.Unmarshal(appliedJSON, &record.AppliedSuggestionIDs); err != nil {
			return nil, fmt.Errorf("decode applied ids: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) querySuggestions(ctx context.Context, query string, args ...any) ([]suggest.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]suggest.Suggestion, 0)
	for rows.Next() {
		item, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

func scanSuggestion(rows *sql.Rows) (suggest.Suggestion, error) {
	var item suggest.Suggestion
	var action, status, confidence string
	var placement []byte
	if err := rows.Scan(&item.ID, &action, &item.NodeID, &status, &confidence,
		&item.Reason, &item.CurrentTitle, &item.SuggestedTitle, &placement); err != nil {
		return suggest.Suggestion{}, fmt.Errorf("scan suggestion: %w", err)
	}
	item.Action = suggest.Action(action)
	item.Status = suggest.Status(status)
	item.Confidence = suggest.Confidence(confidence)
	if len(placement) > 0 {
		var p suggest.Placement
		if err := json.Unmarshal(placement, &p); err != nil {
			return suggest.Suggestion{}, fmt.Errorf("decode placement %s: %w", item.ID, err)
		}
		item.Placement = &p
	}
	return item, nil
}

func casOutline(ctx context.Context, tx *sql.Tx, documentID string, payload []byte, expectedRevision int64) (int64, error) {
	var revision int64
	err := tx.QueryRowContext(ctx, `
		UPDATE outlines SET tree=$1, revision=revision+1, updated_at=NOW()
		WHERE document_id=$2 AND revision=$3
		RETURNING revision
	`, payload, documentID, expectedRevision).Scan(&revision)
	if err == nil {
		return revision, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("cas outline: %w", err)
	}

	// Distinguish a missing document from a lost race.
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM outlines WHERE document_id=$1)`, documentID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check outline exists: %w", err)
	}
	if !exists {
		return 0, sql.ErrNoRows
	}
	return 0, fmt.Errorf("%w: document %s moved past revision %d", ErrStaleRevision, documentID, expectedRevision)
}

// textArray renders a []string as a Postgres text array literal, usable with
// =ANY($n) through the pgx stdlib driver.
func textArray(items []string) string {
	out := "{"
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += `"` + escapeArrayElem(item) + `"`
	}
	return out + "}"
}

func escapeArrayElem(s string) string {
	escaped := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, s[i])
	}
	return string(escaped)
}
