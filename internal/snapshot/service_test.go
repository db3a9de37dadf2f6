package snapshot

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"bidsmart/api/internal/outline"
)

func intp(v int) *int { return &v }

func backupTree() *outline.Node {
	return &outline.Node{
		ID:    "root",
		Title: "Tender Document",
		Children: []*outline.Node{
			{ID: "n1", Title: "Intro", PageStart: intp(1), PageEnd: intp(4)},
			{ID: "n2", Title: "Body"},
		},
	}
}

func TestBeginCommitLoadRoundTrip(t *testing.T) {
	m := New(t.TempDir())
	tree := backupTree()

	backupID, err := m.Begin("doc-1", tree)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if backupID == "" {
		t.Fatal("expected a backup id")
	}

	// Mutations after Begin must not leak into the snapshot.
	tree.Children[0].Title = "Mutated"

	record, err := m.Commit(backupID, []string{"s1", "s2"})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if record.CommitHash == "" || record.BackupID != backupID {
		t.Fatalf("unexpected record: %+v", record)
	}

	snap, err := m.Load("doc-1", backupID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(snap.Tree, backupTree()) {
		t.Fatal("restored tree differs from the tree at Begin time")
	}
	if !reflect.DeepEqual(snap.AppliedSuggestionIDs, []string{"s1", "s2"}) {
		t.Fatalf("applied ids = %v", snap.AppliedSuggestionIDs)
	}
}

func TestLoadReturnsIndependentCopies(t *testing.T) {
	m := New(t.TempDir())
	backupID, _ := m.Begin("doc-1", backupTree())
	if _, err := m.Commit(backupID, nil); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	first, err := m.Load("doc-1", backupID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	first.Tree.Children[0].Title = "Scribbled"

	second, err := m.Load("doc-1", backupID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if second.Tree.Children[0].Title != "Intro" {
		t.Fatal("Load handed out a shared tree")
	}
}

func TestLoadUnknownBackup(t *testing.T) {
	m := New(t.TempDir())

	// No repository at all.
	if _, err := m.Load("doc-1", "bak_missing"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}

	// Repository exists but the tag does not.
	backupID, _ := m.Begin("doc-1", backupTree())
	if _, err := m.Commit(backupID, nil); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, err := m.Load("doc-1", "bak_missing"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestLoadCorruptSnapshot(t *testing.T) {
	m := New(t.TempDir())

	if _, err := m.commitSnapshot("doc-1", "bak_garbage", []byte("not json"), 0); err != nil {
		t.Fatalf("commitSnapshot() error = %v", err)
	}
	if _, err := m.Load("doc-1", "bak_garbage"); !errors.Is(err, ErrCorruptBackup) {
		t.Fatalf("expected ErrCorruptBackup, got %v", err)
	}

	if _, err := m.commitSnapshot("doc-1", "bak_empty", []byte(`{"backupId":"bak_empty"}`), 0); err != nil {
		t.Fatalf("commitSnapshot() error = %v", err)
	}
	if _, err := m.Load("doc-1", "bak_empty"); !errors.Is(err, ErrCorruptBackup) {
		t.Fatalf("expected ErrCorruptBackup for empty tree, got %v", err)
	}
}

func TestCommitUnknownPendingBackup(t *testing.T) {
	m := New(t.TempDir())
	if _, err := m.Commit("bak_never_begun", nil); !errors.Is(err, ErrUnknownBackup) {
		t.Fatalf("expected ErrUnknownBackup, got %v", err)
	}
}

func TestDiscardDropsPendingBackup(t *testing.T) {
	m := New(t.TempDir())
	backupID, _ := m.Begin("doc-1", backupTree())
	m.Discard(backupID)
	if _, err := m.Commit(backupID, nil); !errors.Is(err, ErrUnknownBackup) {
		t.Fatalf("expected ErrUnknownBackup after discard, got %v", err)
	}
}

func TestHistoryNewestFirstAndAppendOnly(t *testing.T) {
	m := New(t.TempDir())

	var ids []string
	for i := 0; i < 3; i++ {
		backupID, _ := m.Begin("doc-1", backupTree())
		if _, err := m.Commit(backupID, []string{"s"}); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		ids = append(ids, backupID)
		time.Sleep(5 * time.Millisecond)
	}

	records, err := m.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 backups, got %d", len(records))
	}
	if records[0].BackupID != ids[2] {
		t.Errorf("expected newest first, got %s", records[0].BackupID)
	}

	// Restoring an old backup must not delete intervening history.
	if _, err := m.Load("doc-1", ids[0]); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	records, err = m.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("history shrank to %d after restore", len(records))
	}

	limited, err := m.History("doc-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}
}

func TestHistoryEmptyForUnknownDocument(t *testing.T) {
	m := New(t.TempDir())
	records, err := m.History("doc-unknown", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty history, got %d", len(records))
	}
}
