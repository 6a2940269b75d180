package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/storage"
	"github.com/migadu/mailspool/storage/storagetest"
)

func TestDiskRepository(t *testing.T) {
	repo, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	storagetest.Run(t, repo)
}

func TestNew_EmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestNew_CleansInterruptedWrites(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{".tmp-123", "orphan.msg", "kept.json", "kept.msg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	repo, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, name := range []string{".tmp-123", "orphan.msg"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", name)
		}
	}
	keys, _ := repo.Keys(context.Background())
	if len(keys) != 1 || keys[0] != "kept" {
		t.Errorf("expected only the kept key, got %v", keys)
	}
}

func TestMissingPayloadIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	repo, _ := New(dir)
	ctx := context.Background()

	item := mail.NewItem("a@x", []string{"b@x"}, "root", []byte("Subject: x\r\n\r\nbody"))
	if err := repo.Put(ctx, storage.NewRecord(item)); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(dir, item.ID+payloadExt))

	rec, err := repo.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get should still return the metadata: %v", err)
	}
	if _, err := rec.Item(); !errors.Is(err, consts.ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestUnreadableMetadataIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	repo, _ := New(dir)

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(context.Background(), "broken"); !errors.Is(err, consts.ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestRejectsPathKeys(t *testing.T) {
	repo, _ := New(t.TempDir())
	for _, key := range []string{"", "../escape", "a/b", ".."} {
		rec := &storage.Record{Key: key, State: "root"}
		if err := repo.Put(context.Background(), rec); !errors.Is(err, consts.ErrInvalidItem) {
			t.Errorf("key %q: expected ErrInvalidItem, got %v", key, err)
		}
	}
}
