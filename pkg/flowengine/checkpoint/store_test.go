package checkpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowengine/pkg/flowengine/checkpoint"
)

// storeFactory creates an empty store instance for testing.
type storeFactory func(t *testing.T) checkpoint.Store

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Save_and_Load", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		data := []byte(`{"flow_id": "flow-1"}`)
		require.NoError(t, store.Save(ctx, "flow-1", data))

		loaded, err := store.Load(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, data, loaded)
	})

	t.Run(name+"/Load_NotFound", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Load(ctx, "flow-nonexistent")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Save_Overwrite", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "flow-1", []byte("first")))
		require.NoError(t, store.Save(ctx, "flow-1", []byte("second")))

		loaded, err := store.Load(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), loaded)

		infos, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, 2, infos[0].Revision)
	})

	t.Run(name+"/List_Empty", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		infos, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run(name+"/List_Ordered", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "flow-c", []byte("ccc")))
		require.NoError(t, store.Save(ctx, "flow-a", []byte("a")))
		require.NoError(t, store.Save(ctx, "flow-b", []byte("bb")))

		infos, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 3)

		assert.Equal(t, "flow-a", infos[0].FlowID)
		assert.Equal(t, "flow-b", infos[1].FlowID)
		assert.Equal(t, "flow-c", infos[2].FlowID)

		assert.Equal(t, int64(1), infos[0].Size)
		assert.Equal(t, int64(2), infos[1].Size)
		assert.Equal(t, int64(3), infos[2].Size)
		assert.Equal(t, 1, infos[0].Revision)
		assert.False(t, infos[0].UpdatedAt.IsZero())
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "flow-1", []byte("data")))
		require.NoError(t, store.Save(ctx, "flow-2", []byte("other")))
		require.NoError(t, store.Delete(ctx, "flow-1"))

		_, err := store.Load(ctx, "flow-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		infos, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "flow-2", infos[0].FlowID)
	})

	t.Run(name+"/Delete_Nonexistent", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		assert.NoError(t, store.Delete(ctx, "flow-nonexistent"))
	})

	t.Run(name+"/DataCopy", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		original := []byte("original data")
		require.NoError(t, store.Save(ctx, "flow-1", original))

		// Modify original slice after save
		original[0] = 'X'

		loaded, err := store.Load(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("original data"), loaded)
	})

	t.Run(name+"/Checkpoint_RoundTrip", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		cp := sampleCheckpoint()
		require.NoError(t, checkpoint.Save(ctx, store, cp))

		loaded, err := checkpoint.Load(ctx, store, cp.FlowID)
		require.NoError(t, err)
		assert.Equal(t, cp, loaded)

		missing, err := checkpoint.Load(ctx, store, "flow-missing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run(name+"/Close_ThenError", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())

		err := store.Save(ctx, "flow-1", []byte("data"))
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)

		_, err = store.Load(ctx, "flow-1")
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)

		_, err = store.List(ctx)
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)

		err = store.Delete(ctx, "flow-1")
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)

		// Closing twice is fine
		assert.NoError(t, store.Close())
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "MemoryStore", func(t *testing.T) checkpoint.Store {
		return checkpoint.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, "SQLiteStore", func(t *testing.T) checkpoint.Store {
		store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "flows.db"))
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteStore_Memory(t *testing.T) {
	storeContractTest(t, "SQLiteStore_Memory", func(t *testing.T) checkpoint.Store {
		store, err := checkpoint.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flows.db")

	store, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "flow-1", []byte("survives restart")))
	require.NoError(t, store.Close())

	reopened, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Load(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives restart"), data)
}

// TestPostgresStore runs against FLOWENGINE_TEST_POSTGRES_DSN when set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FLOWENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FLOWENGINE_TEST_POSTGRES_DSN not set")
	}
	storeContractTest(t, "PostgresStore", func(t *testing.T) checkpoint.Store {
		store, err := checkpoint.NewPostgresStore(context.Background(), dsn)
		require.NoError(t, err)
		truncate(t, store)
		return store
	})
}

// TestRedisStore runs against FLOWENGINE_TEST_REDIS_ADDR when set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("FLOWENGINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLOWENGINE_TEST_REDIS_ADDR not set")
	}
	storeContractTest(t, "RedisStore", func(t *testing.T) checkpoint.Store {
		store, err := checkpoint.NewRedisStore(context.Background(), checkpoint.RedisOptions{
			Addr:      addr,
			KeyPrefix: "flowengine-test",
		})
		require.NoError(t, err)
		truncate(t, store)
		return store
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := checkpoint.Open(ctx, "memory", "")
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.MemoryStore{}, store)

	store, err = checkpoint.Open(ctx, "sqlite", "")
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = checkpoint.Open(ctx, "cassandra", "")
	assert.ErrorIs(t, err, checkpoint.ErrUnknownDriver)
}

// truncate empties a shared store so contract tests start clean.
func truncate(t *testing.T, store checkpoint.Store) {
	t.Helper()
	ctx := context.Background()
	infos, err := store.List(ctx)
	require.NoError(t, err)
	for _, info := range infos {
		require.NoError(t, store.Delete(ctx, info.FlowID))
	}
}
