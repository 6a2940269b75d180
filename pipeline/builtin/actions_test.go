package builtin

import (
	"context"
	"testing"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAction(t *testing.T, deps Deps, name string, params map[string]string, item *mail.Item) {
	t.Helper()
	action, err := NewRegistry(deps).NewAction(name, params)
	require.NoError(t, err)
	require.NoError(t, action.Run(context.Background(), item))
}

func TestStateActions(t *testing.T) {
	item := testItem("a@example.com", "b@example.com")
	runAction(t, Deps{}, "to_pipeline", map[string]string{"pipeline": "local"}, item)
	assert.Equal(t, "local", item.State)

	runAction(t, Deps{}, "set_error", map[string]string{"message": "over quota"}, item)
	assert.Equal(t, mail.StateError, item.State)
	assert.Equal(t, "over quota", item.ErrorMessage)

	runAction(t, Deps{}, "ghost", nil, item)
	assert.Equal(t, mail.StateGhost, item.State)
}

func TestAttributeActions(t *testing.T) {
	item := testItem("a@example.com", "b@example.com")
	runAction(t, Deps{}, "set_attribute", map[string]string{"name": "route", "value": "mx1"}, item)
	assert.Equal(t, "mx1", item.AttributeString("route"))

	runAction(t, Deps{}, "remove_attribute", map[string]string{"name": "route"}, item)
	_, ok := item.Attribute("route")
	assert.False(t, ok)
}

func TestAddHeader(t *testing.T) {
	item := testItem("a@example.com", "b@example.com")
	runAction(t, Deps{}, "add_header", map[string]string{"name": "X-Routed-By", "value": "mailspool"}, item)

	h, err := item.Header()
	require.NoError(t, err)
	assert.Equal(t, "mailspool", h.Get("X-Routed-By"))
	assert.Equal(t, "YES", h.Get("X-Spam-Flag"), "existing fields are kept")

	body, err := item.Body()
	require.NoError(t, err)
	assert.Equal(t, "Please find the invoice attached.\r\n", string(body))
}

func TestLogAction(t *testing.T) {
	item := testItem("", "b@example.com")
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		runAction(t, Deps{}, "log", map[string]string{"level": level, "message": "checkpoint"}, item)
	}
	assert.Equal(t, "root", item.State)
}

func TestToRepository(t *testing.T) {
	ctx := context.Background()
	archive := storage.NewMemory()
	deps := Deps{Repositories: map[string]storage.Repository{"archive": archive}}

	item := testItem("a@example.com", "b@example.com")
	runAction(t, deps, "to_repository", map[string]string{"repository": "archive"}, item)
	assert.Equal(t, "root", item.State)

	rec, err := archive.Get(ctx, item.ID)
	require.NoError(t, err)
	copied, err := rec.Item()
	require.NoError(t, err)
	assert.Equal(t, item.Recipients, copied.Recipients)
	assert.Equal(t, item.Payload, copied.Payload)

	other := testItem("a@example.com", "c@example.com")
	runAction(t, deps, "to_repository", map[string]string{"repository": "archive", "ghost": "true"}, other)
	assert.Equal(t, mail.StateGhost, other.State)

	keys, err := archive.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestActionParameterErrors(t *testing.T) {
	reg := NewRegistry(Deps{Repositories: map[string]storage.Repository{"archive": storage.NewMemory()}})
	tests := []struct {
		action string
		params map[string]string
	}{
		{"to_pipeline", nil},
		{"to_pipeline", map[string]string{"pipeline": "Ghost"}},
		{"set_attribute", map[string]string{"value": "x"}},
		{"remove_attribute", nil},
		{"add_header", map[string]string{"name": "Bad Name", "value": "x"}},
		{"add_header", map[string]string{"name": "X-Ok", "value": "two\r\nlines"}},
		{"log", map[string]string{"level": "loud"}},
		{"to_repository", nil},
		{"to_repository", map[string]string{"repository": "missing"}},
		{"to_repository", map[string]string{"repository": "archive", "ghost": "maybe"}},
	}
	for _, tt := range tests {
		_, err := reg.NewAction(tt.action, tt.params)
		assert.Error(t, err, "%s %v", tt.action, tt.params)
	}

	_, err := reg.NewAction("to_pipeline", map[string]string{"pipeline": "ghost"})
	assert.ErrorIs(t, err, consts.ErrReservedName)
}
