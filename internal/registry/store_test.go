package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cups-browsed-go/internal/model"
)

func TestStoreSaveAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	entries := []model.Entry{
		{
			ID:        model.EntryID("entry-1"),
			QueueName: "office-laser",
			Status:    model.StatusConfirmed,
			Instances: []model.DiscoveryInstance{{Host: "office-laser.local", Port: 631, DiscoveredAt: time.Now().UTC()}},
			PersistedOptions: map[string]string{
				"printer-is-shared": "false",
			},
			LastPrinter: 2,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		},
	}

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, entries))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "office-laser", loaded[0].QueueName)
	require.Equal(t, model.StatusConfirmed, loaded[0].Status)
	require.Len(t, loaded[0].Instances, 1)
	require.Equal(t, "office-laser.local", loaded[0].Instances[0].Host)
	require.Equal(t, "false", loaded[0].PersistedOptions["printer-is-shared"])
	require.Equal(t, 2, loaded[0].LastPrinter)
}

func TestStoreSaveReplacesPreviousContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, []model.Entry{{ID: "a", QueueName: "a", CreatedAt: time.Now(), UpdatedAt: time.Now()}}))
	require.NoError(t, store.Save(ctx, []model.Entry{{ID: "b", QueueName: "b", CreatedAt: time.Now(), UpdatedAt: time.Now()}}))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "b", loaded[0].QueueName)
}
