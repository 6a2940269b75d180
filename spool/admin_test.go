package spool

import (
	"context"
	"testing"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	item := newItem("error")
	item.SetAttribute("reason", "mailbox full")
	item.SetAttribute("attempts", 3)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", Filter{}, true},
		{"state match", Filter{State: "error"}, true},
		{"state mismatch", Filter{State: "root"}, false},
		{"attribute present", Filter{Attribute: "reason"}, true},
		{"attribute absent", Filter{Attribute: "missing"}, false},
		{"glob match", Filter{Attribute: "reason", Pattern: "mailbox*"}, true},
		{"glob mismatch", Filter{Attribute: "reason", Pattern: "quota*"}, false},
		{"non-string value", Filter{Attribute: "attempts", Pattern: "3"}, true},
		{"state and glob", Filter{State: "error", Attribute: "reason", Pattern: "*full"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(item))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Filter{}.Validate())
	assert.NoError(t, Filter{Attribute: "a", Pattern: "x*"}.Validate())
	assert.Error(t, Filter{Pattern: "x*"}.Validate())
	assert.Error(t, Filter{Attribute: "a", Pattern: "[x"}.Validate())
}

func TestAdminListAndRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	admin := NewAdmin(s, nil)

	keep := newItem("root")
	drop1 := newItem("root")
	drop1.Fail("boom")
	drop2 := newItem("root")
	drop2.Fail("boom")
	busy := newItem("root")
	busy.Fail("boom")
	for _, it := range []*mail.Item{keep, drop1, drop2, busy} {
		require.NoError(t, s.Store(ctx, it))
	}
	require.True(t, s.Lock(busy.ID))

	list, err := admin.List(ctx, Filter{State: mail.StateError})
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for _, sum := range list {
		assert.Equal(t, "boom", sum.ErrorMessage)
		assert.Equal(t, sum.Key == busy.ID, sum.Locked)
	}

	res, err := admin.Remove(ctx, Filter{State: mail.StateError}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{drop1.ID, drop2.ID}, res.Removed)
	assert.Equal(t, []string{busy.ID}, res.Skipped)
	assert.ElementsMatch(t, []string{keep.ID, busy.ID}, s.List())

	res, err = admin.Remove(ctx, Filter{State: mail.StateError}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{busy.ID}, res.Removed)
	assert.Equal(t, []string{keep.ID}, s.List())
	assert.False(t, s.IsLocked(keep.ID))
}

func TestAdminRemoveKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	admin := NewAdmin(s, nil)

	item := newItem("root")
	require.NoError(t, s.Store(ctx, item))

	require.True(t, s.Lock(item.ID))
	assert.ErrorIs(t, admin.RemoveKey(ctx, item.ID, false), consts.ErrKeyLocked)
	s.Unlock(item.ID)

	require.NoError(t, admin.RemoveKey(ctx, item.ID, false))
	assert.ErrorIs(t, admin.RemoveKey(ctx, item.ID, false), consts.ErrNotFound)

	_, _, err := admin.Show(ctx, item.ID)
	assert.ErrorIs(t, err, consts.ErrNotFound)
}

func TestAdminListRepository(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	archive := storage.NewMemory()
	failed := newItem("error")
	failed.SetAttribute("reason", "quota")
	require.NoError(t, archive.Put(ctx, storage.NewRecord(failed)))

	admin := NewAdmin(s, map[string]storage.Repository{"errors": archive})
	assert.Equal(t, []string{"errors"}, admin.Repositories())

	list, err := admin.ListRepository(ctx, "errors", Filter{Attribute: "reason", Pattern: "quota"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, failed.ID, list[0].Key)

	_, err = admin.ListRepository(ctx, "nope", Filter{})
	assert.ErrorIs(t, err, consts.ErrNotFound)
}
