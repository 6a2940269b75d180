package backends

import (
	"context"
	"testing"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/storage"
	"github.com/migadu/mailspool/storage/disk"
	"github.com/migadu/mailspool/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mem, err := Open(ctx, config.StorageConfig{Backend: config.BackendMemory}, "spool")
	require.NoError(t, err)
	assert.IsType(t, &storage.Memory{}, mem)

	d, err := Open(ctx, config.StorageConfig{Backend: config.BackendDisk, Disk: config.DiskConfig{Path: dir + "/disk"}}, "spool")
	require.NoError(t, err)
	assert.IsType(t, &disk.Repository{}, d)

	sq, err := OpenSpool(ctx, config.SpoolConfig{StorageConfig: config.StorageConfig{
		Backend: config.BackendSQLite,
		SQLite:  config.SQLiteConfig{Path: dir + "/spool.db"},
	}})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Repository{}, sq)
	sq.Close()

	_, err = Open(ctx, config.StorageConfig{Backend: "tape"}, "spool")
	assert.Error(t, err)

	_, err = Open(ctx, config.StorageConfig{Backend: config.BackendSQLite, SQLite: config.SQLiteConfig{Path: dir + "/x.db", BusyTimeout: "soon"}}, "spool")
	assert.Error(t, err)
}
