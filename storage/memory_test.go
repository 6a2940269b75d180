package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/storage"
	"github.com/migadu/mailspool/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, storage.NewMemory())
}

func TestRecordDetectsTampering(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemory()

	item := mail.NewItem("a@x", []string{"b@x"}, "root", []byte("Subject: x\r\n\r\nbody"))
	if err := repo.Put(ctx, storage.NewRecord(item)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	repo.Tamper(item.ID, []byte("Subject: y\r\n\r\nbody"))

	rec, err := repo.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := rec.Item(); !errors.Is(err, consts.ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}

	repo.Tamper(item.ID, nil)
	rec, _ = repo.Get(ctx, item.ID)
	if _, err := rec.Item(); !errors.Is(err, consts.ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord for a missing payload, got %v", err)
	}
}

func TestRecordIsolation(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemory()

	item := mail.NewItem("a@x", []string{"b@x"}, "root", []byte("x"))
	rec := storage.NewRecord(item)
	if err := repo.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Recipients[0] = "mutated@x"

	got, _ := repo.Get(ctx, item.ID)
	if got.Recipients[0] != "b@x" {
		t.Errorf("repository shares recipient slice with caller: %v", got.Recipients)
	}
}
