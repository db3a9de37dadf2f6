// Package snapshot is the backup/restore transaction manager. Every mutating
// operation snapshots the outline before touching it; snapshots live as
// commits in a per-document git repository, one tag per backup id, so the
// history is append-only and restorable at any point.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"bidsmart/api/internal/outline"
	"bidsmart/api/internal/util"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "snapshot.json"

var (
	ErrBackupNotFound = errors.New("backup not found")
	ErrCorruptBackup  = errors.New("corrupt backup")
	ErrUnknownBackup  = errors.New("no pending backup with that id")
)

// Snapshot is the durable form of one backup: the full pre-mutation tree and
// the suggestions the associated operation went on to apply.
type Snapshot struct {
	BackupID             string        `json:"backupId"`
	DocumentID           string        `json:"documentId"`
	CreatedAt            time.Time     `json:"createdAt"`
	Tree                 *outline.Node `json:"tree"`
	AppliedSuggestionIDs []string      `json:"appliedSuggestionIds"`
}

// Record is the metadata of a committed backup.
type Record struct {
	BackupID             string    `json:"backupId"`
	DocumentID           string    `json:"documentId"`
	CommitHash           string    `json:"commitHash"`
	CreatedAt            time.Time `json:"createdAt"`
	AppliedSuggestionIDs []string  `json:"appliedSuggestionIds"`
}

type pendingBackup struct {
	documentID string
	tree       *outline.Node
	createdAt  time.Time
}

// Manager owns the backup history. Begin captures the tree in memory and
// hands out a backup id; Commit makes it durable once the operation knows
// what it applied; Discard drops a backup whose operation applied nothing.
type Manager struct {
	baseDir string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	pendMu  sync.Mutex
	pending map[string]pendingBackup
}

func New(baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		pending: make(map[string]pendingBackup),
	}
}

// Begin deep-copies the tree and registers a pending backup. The returned id
// is assigned before any mutation starts, so a failed operation can still
// name the snapshot it was working from.
func (m *Manager) Begin(documentID string, tree *outline.Node) (string, error) {
	if tree == nil {
		return "", fmt.Errorf("snapshot: nil tree for document %s", documentID)
	}
	backupID := util.NewID("bak")
	m.pendMu.Lock()
	m.pending[backupID] = pendingBackup{
		documentID: documentID,
		tree:       tree.Clone(),
		createdAt:  time.Now().UTC(),
	}
	m.pendMu.Unlock()
	return backupID, nil
}

// Commit finalizes a pending backup with the applied suggestion set and
// writes it as a tagged commit in the document's repository.
func (m *Manager) Commit(backupID string, appliedIDs []string) (Record, error) {
	m.pendMu.Lock()
	pend, ok := m.pending[backupID]
	if ok {
		delete(m.pending, backupID)
	}
	m.pendMu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownBackup, backupID)
	}

	if appliedIDs == nil {
		appliedIDs = []string{}
	}
	snap := Snapshot{
		BackupID:             backupID,
		DocumentID:           pend.documentID,
		CreatedAt:            pend.createdAt,
		Tree:                 pend.tree,
		AppliedSuggestionIDs: appliedIDs,
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	hash, err := m.commitSnapshot(pend.documentID, backupID, payload, len(appliedIDs))
	if err != nil {
		return Record{}, err
	}
	return Record{
		BackupID:             backupID,
		DocumentID:           pend.documentID,
		CommitHash:           hash,
		CreatedAt:            pend.createdAt,
		AppliedSuggestionIDs: appliedIDs,
	}, nil
}

// Discard drops a pending backup whose operation applied nothing.
func (m *Manager) Discard(backupID string) {
	m.pendMu.Lock()
	delete(m.pending, backupID)
	m.pendMu.Unlock()
}

// Load returns the snapshot recorded under backupID as a fresh deep copy.
func (m *Manager) Load(documentID, backupID string) (Snapshot, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(documentID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}

	ref, err := repo.Tag(backupID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, fmt.Errorf("read backup commit %s: %w", backupID, err)
	}

	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s has no snapshot payload", ErrCorruptBackup, backupID)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorruptBackup, backupID, err)
	}
	// A snapshot must never silently restore to an empty tree.
	if snap.Tree == nil {
		return Snapshot{}, fmt.Errorf("%w: %s has an empty tree", ErrCorruptBackup, backupID)
	}
	if err := outline.Validate(snap.Tree); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorruptBackup, backupID, err)
	}
	snap.Tree = snap.Tree.Clone()
	if snap.AppliedSuggestionIDs == nil {
		snap.AppliedSuggestionIDs = []string{}
	}
	return snap, nil
}

// History lists committed backups for a document, most recent first.
func (m *Manager) History(documentID string, limit int) ([]Record, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(documentID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("open backup repo: %w", err)
	}

	tags, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("read backup tags: %w", err)
	}
	records := make([]Record, 0)
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return nil
		}
		snap, err := readSnapshot(commitObj)
		if err != nil {
			return nil
		}
		records = append(records, Record{
			BackupID:             ref.Name().Short(),
			DocumentID:           documentID,
			CommitHash:           commitObj.Hash.String(),
			CreatedAt:            snap.CreatedAt,
			AppliedSuggestionIDs: snap.AppliedSuggestionIDs,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate backup tags: %w", err)
	}

	sortRecordsNewestFirst(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *Manager) repoPath(documentID string) string {
	return filepath.Join(m.baseDir, documentID)
}

func (m *Manager) documentLock(documentID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[documentID] = lock
	}
	return lock
}

// commitSnapshot writes the payload as snapshot.json, commits it and tags the
// commit with the backup id. The payload is trusted bytes from Commit; tests
// also feed it garbage to exercise the corrupt-backup path.
func (m *Manager) commitSnapshot(documentID, backupID string, payload []byte, appliedCount int) (string, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.ensureRepo(documentID)
	if err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	path := filepath.Join(m.repoPath(documentID), snapshotFile)
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot file: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return "", fmt.Errorf("git add snapshot: %w", err)
	}

	message := fmt.Sprintf("Backup %s (%d suggestions applied)", backupID, appliedCount)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(),
	})
	if err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}

	if _, err := repo.CreateTag(backupID, hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return "", fmt.Errorf("tag backup %s: %w", backupID, err)
	}
	return hash.String(), nil
}

func (m *Manager) ensureRepo(documentID string) (*git.Repository, error) {
	path := m.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open backup repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create backup repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init backup repo: %w", err)
	}
	return repo, nil
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, err
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, err
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func sortRecordsNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

func signature() *object.Signature {
	return &object.Signature{
		Name:  "BidSmart",
		Email: "backups@local.bidsmart.dev",
		When:  time.Now(),
	}
}
