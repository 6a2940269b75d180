// Package storagetest holds the conformance tests every storage.Repository
// backend runs from its own _test.go file.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = "From: a@x\r\nTo: b@x\r\nSubject: suite\r\n\r\nhello\r\n"

// Run exercises repo. The repository must be empty and is closed afterwards.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	defer repo.Close()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		item := mail.NewItem("a@x", []string{"b@x", "c@x"}, "root", []byte(payload))
		item.SetAttribute("tag", "blue")
		item.ErrorMessage = "previous"
		rec := storage.NewRecord(item)

		require.NoError(t, repo.Put(ctx, rec))

		got, err := repo.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, got.Key)
		assert.Equal(t, "a@x", got.Sender)
		assert.Equal(t, []string{"b@x", "c@x"}, got.Recipients)
		assert.Equal(t, "root", got.State)
		assert.Equal(t, "previous", got.ErrorMessage)
		assert.Equal(t, "blue", got.Attributes["tag"])
		assert.Equal(t, rec.Digest, got.Digest)
		assert.Equal(t, []byte(payload), got.Payload)
		assert.WithinDuration(t, item.LastUpdated, got.LastUpdated, time.Millisecond)

		back, err := got.Item()
		require.NoError(t, err)
		assert.Equal(t, item.Recipients, back.Recipients)
	})

	t.Run("MetaHasNoPayload", func(t *testing.T) {
		item := mail.NewItem("a@x", []string{"b@x"}, "error", []byte(payload))
		require.NoError(t, repo.Put(ctx, storage.NewRecord(item)))

		meta, err := repo.Meta(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "error", meta.State)
		assert.Nil(t, meta.Payload)
		assert.Equal(t, int64(len(payload)), meta.Size)
	})

	t.Run("Overwrite", func(t *testing.T) {
		item := mail.NewItem("a@x", []string{"b@x"}, "root", []byte(payload))
		require.NoError(t, repo.Put(ctx, storage.NewRecord(item)))

		item.SetState("transport")
		item.SetRecipients([]string{"z@x"})
		require.NoError(t, repo.Put(ctx, storage.NewRecord(item)))

		got, err := repo.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "transport", got.State)
		assert.Equal(t, []string{"z@x"}, got.Recipients)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing-key")
		assert.True(t, errors.Is(err, consts.ErrNotFound), "got %v", err)
		_, err = repo.Meta(ctx, "missing-key")
		assert.True(t, errors.Is(err, consts.ErrNotFound), "got %v", err)
		assert.NoError(t, repo.Delete(ctx, "missing-key"))
	})

	t.Run("KeysAndDelete", func(t *testing.T) {
		before, err := repo.Keys(ctx)
		require.NoError(t, err)
		for _, k := range before {
			require.NoError(t, repo.Delete(ctx, k))
		}

		var want []string
		for i := 0; i < 3; i++ {
			item := mail.NewItem("a@x", []string{"b@x"}, "root", []byte(payload))
			require.NoError(t, repo.Put(ctx, storage.NewRecord(item)))
			want = append(want, item.ID)
		}

		keys, err := repo.Keys(ctx)
		require.NoError(t, err)
		sort.Strings(keys)
		sort.Strings(want)
		assert.Equal(t, want, keys)

		require.NoError(t, repo.Delete(ctx, want[0]))
		keys, err = repo.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 2)
		assert.NotContains(t, keys, want[0])
	})

	t.Run("DerivedKey", func(t *testing.T) {
		parent := mail.NewItem("a@x", []string{"b@x", "c@x"}, "root", []byte(payload))
		clone := parent.Clone(mail.DerivedID(parent.ID))
		require.NoError(t, repo.Put(ctx, storage.NewRecord(clone)))

		got, err := repo.Get(ctx, clone.ID)
		require.NoError(t, err)
		assert.Equal(t, clone.ID, got.Key)
	})
}
