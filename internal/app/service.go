package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"bidsmart/api/internal/applylock"
	"bidsmart/api/internal/archive"
	"bidsmart/api/internal/config"
	"bidsmart/api/internal/mutate"
	"bidsmart/api/internal/outline"
	"bidsmart/api/internal/search"
	"bidsmart/api/internal/snapshot"
	"bidsmart/api/internal/store"
	"bidsmart/api/internal/suggest"
	"bidsmart/api/internal/util"
)

// MatchedView is the read path in one payload: the tree, per-node matches,
// descendant indicators and the batch classification, all computed from the
// same revision.
type MatchedView struct {
	DocumentID     string                          `json:"documentId"`
	Revision       int64                           `json:"revision"`
	Tree           *outline.Node                   `json:"tree"`
	Matches        map[string][]suggest.Suggestion `json:"matches"`
	Unmatched      []string                        `json:"unmatched"`
	Indicators     map[string]bool                 `json:"indicators"`
	Classification suggest.Classification          `json:"classification"`
	PendingCount   int                             `json:"pendingCount"`
}

// BatchSelector picks the suggestions a batch accept/reject applies to:
// explicit ids, or every pending suggestion in a confidence tier or of an
// action kind (re-read at call time).
type BatchSelector struct {
	IDs        []string           `json:"ids,omitempty"`
	Confidence suggest.Confidence `json:"confidence,omitempty"`
	Action     suggest.Action     `json:"action,omitempty"`
}

// BatchOutcome reports what a batch accept/reject actually transitioned.
type BatchOutcome struct {
	UpdatedCount int      `json:"updatedCount"`
	UpdatedIDs   []string `json:"updatedIds"`
}

// ApplyFailure names the first suggestion a batch apply could not execute.
type ApplyFailure struct {
	SuggestionID string `json:"suggestionId"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// ApplyResult distinguishes fully applied, partially applied, and rejected
// outright, so a reviewing UI can explain exactly what changed.
type ApplyResult struct {
	Status      string        `json:"status"` // "applied", "partial" or "rejected"
	DocumentID  string        `json:"documentId"`
	BackupID    string        `json:"backupId,omitempty"`
	Revision    int64         `json:"revision"`
	Tree        *outline.Node `json:"tree,omitempty"`
	AppliedIDs  []string      `json:"appliedIds"`
	ExpandIDs   []string      `json:"expandIds,omitempty"`
	Failed      *ApplyFailure `json:"failed,omitempty"`
	Interrupted bool          `json:"interrupted,omitempty"`
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	DocumentID  string        `json:"documentId"`
	BackupID    string        `json:"backupId"`
	Revision    int64         `json:"revision"`
	Tree        *outline.Node `json:"tree"`
	RevertedIDs []string      `json:"revertedSuggestionIds"`
}

type dataStore interface {
	GetOutline(context.Context, string) (*outline.Node, int64, error)
	PutOutline(context.Context, string, *outline.Node) (int64, error)
	ListSuggestions(context.Context, string) ([]suggest.Suggestion, error)
	ListPendingSuggestions(context.Context, string) ([]suggest.Suggestion, error)
	GetSuggestionsByID(context.Context, string, []string) (map[string]suggest.Suggestion, error)
	ReplaceSuggestions(context.Context, string, []suggest.Suggestion) error
	MarkAccepted(context.Context, string, []string) ([]string, error)
	MarkRejected(context.Context, string, []string) ([]string, error)
	CommitApply(ctx context.Context, documentID string, tree *outline.Node, expectedRevision int64, appliedIDs []string, backup store.BackupRecord) (int64, error)
	RevertApplied(ctx context.Context, documentID string, tree *outline.Node, expectedRevision int64, ids []string) (int64, error)
	GetBackup(ctx context.Context, documentID, backupID string) (store.BackupRecord, error)
	ListBackups(context.Context, string) ([]store.BackupRecord, error)
	Ping(ctx context.Context) error
}

type snapshotManager interface {
	Begin(documentID string, tree *outline.Node) (string, error)
	Commit(backupID string, appliedIDs []string) (snapshot.Record, error)
	Discard(backupID string)
	Load(documentID, backupID string) (snapshot.Snapshot, error)
}

type lockStore interface {
	Acquire(ctx context.Context, documentID, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, documentID, holder string) error
}

type archiver interface {
	StoreSnapshot(ctx context.Context, documentID, backupID string, payload []byte) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	snapshots snapshotManager
	locks     lockStore
	search    *search.Service
	archive   archiver
}

// New wires the service. locks, searchService and uploader may be nil when
// the corresponding backend is not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, snapshots *snapshot.Manager, locks *applylock.RedisStore, searchService *search.Service, uploader *archive.Uploader) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		snapshots: snapshots,
		search:    searchService,
	}
	if locks != nil {
		s.locks = locks
	}
	if uploader != nil {
		s.archive = uploader
	}
	return s
}

func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// IngestOutline replaces a document's tree with a validated new one.
func (s *Service) IngestOutline(ctx context.Context, documentID string, tree *outline.Node) (int64, error) {
	if err := outline.Validate(tree); err != nil {
		return 0, domainError(http.StatusUnprocessableEntity, CodeInvalidSuggestion, err.Error(), nil)
	}
	revision, err := s.store.PutOutline(ctx, documentID, tree)
	if err != nil {
		return 0, err
	}
	s.indexOutline(documentID, tree)
	return revision, nil
}

// GetOutline returns a document's current tree and revision.
func (s *Service) GetOutline(ctx context.Context, documentID string) (*outline.Node, int64, error) {
	return s.store.GetOutline(ctx, documentID)
}

// IngestSuggestions replaces the suggestion set the external producer pushed
// for a document.
func (s *Service) IngestSuggestions(ctx context.Context, documentID string, suggestions []suggest.Suggestion) (int, error) {
	for i := range suggestions {
		if err := suggest.Normalize(&suggestions[i]); err != nil {
			return 0, domainError(http.StatusUnprocessableEntity, CodeInvalidSuggestion, err.Error(), nil)
		}
	}
	if err := s.store.ReplaceSuggestions(ctx, documentID, suggestions); err != nil {
		return 0, err
	}
	s.indexSuggestions(ctx, documentID)
	return len(suggestions), nil
}

// ListSuggestions returns every suggestion for a document in producer order.
func (s *Service) ListSuggestions(ctx context.Context, documentID string) ([]suggest.Suggestion, error) {
	items, err := s.store.ListSuggestions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []suggest.Suggestion{}
	}
	return items, nil
}

// View computes the matched review view for a document.
func (s *Service) View(ctx context.Context, documentID string) (MatchedView, error) {
	tree, revision, err := s.store.GetOutline(ctx, documentID)
	if err != nil {
		return MatchedView{}, err
	}
	pending, err := s.store.ListPendingSuggestions(ctx, documentID)
	if err != nil {
		return MatchedView{}, err
	}
	matches, err := suggest.Match(tree, pending)
	if err != nil {
		return MatchedView{}, err
	}
	indicators, err := suggest.DescendantIndicators(tree, matches)
	if err != nil {
		return MatchedView{}, err
	}
	unmatched := matches.Unmatched
	if unmatched == nil {
		unmatched = []string{}
	}
	return MatchedView{
		DocumentID:     documentID,
		Revision:       revision,
		Tree:           tree,
		Matches:        matches.ByNode,
		Unmatched:      unmatched,
		Indicators:     indicators,
		Classification: suggest.Classify(pending),
		PendingCount:   len(pending),
	}, nil
}

// AcceptBatch transitions the selected pending suggestions to accepted.
// Acceptance is idempotent per id; an empty selection is a no-op reporting
// zero affected suggestions.
func (s *Service) AcceptBatch(ctx context.Context, documentID string, selector BatchSelector) (BatchOutcome, error) {
	return s.batchTransition(ctx, documentID, selector, s.store.MarkAccepted)
}

// RejectBatch transitions the selected pending suggestions to rejected.
func (s *Service) RejectBatch(ctx context.Context, documentID string, selector BatchSelector) (BatchOutcome, error) {
	return s.batchTransition(ctx, documentID, selector, s.store.MarkRejected)
}

func (s *Service) batchTransition(ctx context.Context, documentID string, selector BatchSelector, mark func(context.Context, string, []string) ([]string, error)) (BatchOutcome, error) {
	ids, err := s.resolveSelection(ctx, documentID, selector)
	if err != nil {
		return BatchOutcome{}, err
	}
	if len(ids) == 0 {
		return BatchOutcome{UpdatedIDs: []string{}}, nil
	}
	updated, err := mark(ctx, documentID, ids)
	if err != nil {
		return BatchOutcome{}, err
	}
	s.indexSuggestions(ctx, documentID)
	return BatchOutcome{UpdatedCount: len(updated), UpdatedIDs: updated}, nil
}

// resolveSelection expands a selector into concrete ids. Tier and action
// selections re-read the pending set so suggestions resolved by a concurrent
// operation are excluded.
func (s *Service) resolveSelection(ctx context.Context, documentID string, selector BatchSelector) ([]string, error) {
	if len(selector.IDs) > 0 {
		return selector.IDs, nil
	}
	if selector.Confidence == "" && selector.Action == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_SELECTOR", "selector needs ids, confidence or action", nil)
	}
	pending, err := s.store.ListPendingSuggestions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if selector.Confidence != "" {
		return suggest.SelectByConfidence(pending, selector.Confidence), nil
	}
	return suggest.SelectByAction(pending, selector.Action), nil
}

// ApplyAccepted executes accepted suggestions against the tree, in input
// order, inside a recoverable transaction: a backup snapshots the pre-batch
// tree, each suggestion mutates a fresh tree value, and the first failure
// stops the batch keeping the successful prefix. expectedRevision guards
// against concurrent writers; zero skips the check.
func (s *Service) ApplyAccepted(ctx context.Context, documentID string, ids []string, expectedRevision int64, actor string) (ApplyResult, error) {
	result := ApplyResult{Status: "rejected", DocumentID: documentID, AppliedIDs: []string{}}
	if len(ids) == 0 {
		return result, nil
	}

	release, err := s.acquireLock(ctx, documentID, actor)
	if err != nil {
		return ApplyResult{}, err
	}
	defer release()

	tree, revision, err := s.store.GetOutline(ctx, documentID)
	if err != nil {
		return ApplyResult{}, err
	}
	result.Revision = revision
	if expectedRevision != 0 && expectedRevision != revision {
		return ApplyResult{}, domainError(http.StatusConflict, CodeStaleRevision,
			fmt.Sprintf("document %s is at revision %d, caller expected %d", documentID, revision, expectedRevision), nil)
	}

	byID, err := s.store.GetSuggestionsByID(ctx, documentID, ids)
	if err != nil {
		return ApplyResult{}, err
	}

	backupID, err := s.snapshots.Begin(documentID, tree)
	if err != nil {
		return ApplyResult{}, err
	}

	// A non-accepted or unknown id truncates the batch at that position;
	// the valid prefix before it still applies.
	batch := make([]suggest.Suggestion, 0, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			result.Failed = &ApplyFailure{SuggestionID: id, Code: CodeInvalidSuggestion, Message: "unknown suggestion id"}
			break
		}
		if item.Status != suggest.StatusAccepted {
			result.Failed = &ApplyFailure{
				SuggestionID: id,
				Code:         CodeInvalidSuggestion,
				Message:      fmt.Sprintf("suggestion is %s, only accepted suggestions can be applied", item.Status),
			}
			break
		}
		batch = append(batch, item)
	}

	current, batchResult := mutate.ApplyBatch(ctx, tree, batch)
	result.AppliedIDs = batchResult.AppliedIDs
	result.ExpandIDs = batchResult.ExpandIDs
	result.Interrupted = batchResult.Interrupted
	if batchResult.Interrupted {
		// Cancellation stopped the batch before the truncation point.
		result.Failed = nil
	}
	if batchResult.Failed != nil {
		// A mutation failure sits earlier in the batch than any truncation
		// recorded above, so it is the one the caller sees.
		result.Failed = &ApplyFailure{
			SuggestionID: batchResult.Failed.SuggestionID,
			Code:         failureCode(batchResult.Failed.Err),
			Message:      batchResult.Failed.Err.Error(),
		}
	}

	if len(result.AppliedIDs) == 0 {
		// Nothing landed; there is no mutation to undo, so the pending
		// backup is dropped rather than committed empty.
		s.snapshots.Discard(backupID)
		return result, nil
	}

	record, err := s.snapshots.Commit(backupID, result.AppliedIDs)
	if err != nil {
		return ApplyResult{}, err
	}
	newRevision, err := s.store.CommitApply(ctx, documentID, current, revision, result.AppliedIDs, store.BackupRecord{
		ID:                   backupID,
		DocumentID:           documentID,
		CommitHash:           record.CommitHash,
		AppliedSuggestionIDs: result.AppliedIDs,
		CreatedAt:            record.CreatedAt,
	})
	if err != nil {
		// The snapshot commit stays in history; it is an orphaned backup of
		// a batch that never landed.
		return ApplyResult{}, err
	}

	result.BackupID = backupID
	result.Revision = newRevision
	result.Tree = current
	if result.Failed == nil && !result.Interrupted {
		result.Status = "applied"
	} else {
		result.Status = "partial"
	}

	s.archiveSnapshot(documentID, backupID, record, tree)
	s.indexSuggestions(ctx, documentID)
	s.indexOutline(documentID, current)
	return result, nil
}

// Restore rewinds a document to the snapshot recorded under backupID. The
// snapshot holds the pre-batch tree, so every suggestion applied by that
// backup's batch and by every later batch is undone by the rewind; all of
// them flip back to pending. Later backups remain in history; restoring an
// old backup is time travel, not rewrite.
func (s *Service) Restore(ctx context.Context, documentID, backupID string, expectedRevision int64, actor string) (RestoreResult, error) {
	release, err := s.acquireLock(ctx, documentID, actor)
	if err != nil {
		return RestoreResult{}, err
	}
	defer release()

	snap, err := s.snapshots.Load(documentID, backupID)
	if err != nil {
		return RestoreResult{}, err
	}

	_, revision, err := s.store.GetOutline(ctx, documentID)
	if err != nil {
		return RestoreResult{}, err
	}
	if expectedRevision != 0 && expectedRevision != revision {
		return RestoreResult{}, domainError(http.StatusConflict, CodeStaleRevision,
			fmt.Sprintf("document %s is at revision %d, caller expected %d", documentID, revision, expectedRevision), nil)
	}

	reverted, err := s.revertSet(ctx, documentID, backupID, snap.AppliedSuggestionIDs)
	if err != nil {
		return RestoreResult{}, err
	}

	newRevision, err := s.store.RevertApplied(ctx, documentID, snap.Tree, revision, reverted)
	if err != nil {
		return RestoreResult{}, err
	}

	s.indexSuggestions(ctx, documentID)
	s.indexOutline(documentID, snap.Tree)
	return RestoreResult{
		DocumentID:  documentID,
		BackupID:    backupID,
		Revision:    newRevision,
		Tree:        snap.Tree,
		RevertedIDs: reverted,
	}, nil
}

// revertSet collects the applied ids of the restored backup and every backup
// taken after it. ListBackups returns newest first, so the walk stops once it
// passes the restored backup. A missing metadata row falls back to the
// snapshot's own set.
func (s *Service) revertSet(ctx context.Context, documentID, backupID string, snapshotIDs []string) ([]string, error) {
	backups, err := s.store.ListBackups(ctx, documentID)
	if err != nil {
		return nil, err
	}

	reverted := make([]string, 0, len(snapshotIDs))
	seen := make(map[string]struct{})
	found := false
	for _, b := range backups {
		for _, id := range b.AppliedSuggestionIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			reverted = append(reverted, id)
		}
		if b.ID == backupID {
			found = true
			break
		}
	}
	if !found {
		return snapshotIDs, nil
	}
	return reverted, nil
}

// ListBackups lists the durable backup pointers for a document.
func (s *Service) ListBackups(ctx context.Context, documentID string) ([]store.BackupRecord, error) {
	return s.store.ListBackups(ctx, documentID)
}

// GetBackup returns one backup's metadata row.
func (s *Service) GetBackup(ctx context.Context, documentID, backupID string) (store.BackupRecord, error) {
	return s.store.GetBackup(ctx, documentID, backupID)
}

// Search serves reviewer lookups; empty results when search is not wired.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) acquireLock(ctx context.Context, documentID, actor string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	holder := util.NewID(actor)
	ok, err := s.locks.Acquire(ctx, documentID, holder, s.cfg.ApplyLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, CodeApplyInProgress,
			"another apply or restore is in progress for this document", nil)
	}
	return func() {
		if err := s.locks.Release(context.Background(), documentID, holder); err != nil {
			log.Printf("applylock: release %s: %v", documentID, err)
		}
	}, nil
}

func (s *Service) archiveSnapshot(documentID, backupID string, record snapshot.Record, tree *outline.Node) {
	if s.archive == nil {
		return
	}
	payload, err := json.Marshal(snapshot.Snapshot{
		BackupID:             backupID,
		DocumentID:           documentID,
		CreatedAt:            record.CreatedAt,
		Tree:                 tree,
		AppliedSuggestionIDs: record.AppliedSuggestionIDs,
	})
	if err != nil {
		log.Printf("archive: marshal snapshot %s: %v", backupID, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.archive.StoreSnapshot(ctx, documentID, backupID, payload); err != nil {
			log.Printf("archive: store snapshot %s: %v", backupID, err)
		}
	}()
}

func (s *Service) indexSuggestions(ctx context.Context, documentID string) {
	if s.search == nil {
		return
	}
	items, err := s.store.ListSuggestions(ctx, documentID)
	if err != nil {
		log.Printf("search: load suggestions for %s: %v", documentID, err)
		return
	}
	records := make([]search.SuggestionRecord, 0, len(items))
	for _, item := range items {
		records = append(records, search.SuggestionRecord{
			ID:             item.ID,
			DocumentID:     documentID,
			Action:         string(item.Action),
			Status:         string(item.Status),
			Confidence:     string(item.Confidence),
			Reason:         item.Reason,
			CurrentTitle:   item.CurrentTitle,
			SuggestedTitle: item.SuggestedTitle,
		})
	}
	s.search.IndexSuggestions(documentID, records)
}

func (s *Service) indexOutline(documentID string, tree *outline.Node) {
	if s.search == nil {
		return
	}
	records := make([]search.NodeRecord, 0)
	_ = outline.Walk(tree, func(n *outline.Node) error {
		records = append(records, search.NodeRecord{
			ID:           documentID + ":" + n.ID,
			DocumentID:   documentID,
			Title:        n.Title,
			DisplayTitle: n.DisplayTitle,
		})
		return nil
	})
	s.search.IndexOutline(documentID, records)
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, mutate.ErrAmbiguousTarget):
		return CodeAmbiguousTarget
	case errors.Is(err, mutate.ErrInvalidRange):
		return CodeInvalidRange
	default:
		return CodeInvalidSuggestion
	}
}
