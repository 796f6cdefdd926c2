package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type widgetState struct {
	Count int
	Name  string
}

func TestSaveThenLoadYieldsIdenticalContentHash(t *testing.T) {
	store := NewInMemoryStore[widgetState](nil)
	ctx := context.Background()

	v, err := store.Save(ctx, "widget-1", widgetState{Count: 3, Name: "first"})
	require.NoError(t, err)
	require.Equal(t, 1, v)

	loaded, err := store.Load(ctx, "widget-1", nil)
	require.NoError(t, err)
	require.Equal(t, widgetState{Count: 3, Name: "first"}, loaded.State)

	reloaded, err := store.Load(ctx, "widget-1", &v)
	require.NoError(t, err)
	require.Equal(t, loaded.Hash, reloaded.Hash, "loading the same version twice must yield identical content hashes")
}

func TestLoadLatestReturnsMostRecentVersion(t *testing.T) {
	store := NewInMemoryStore[widgetState](nil)
	ctx := context.Background()

	_, err := store.Save(ctx, "widget-1", widgetState{Count: 1})
	require.NoError(t, err)
	_, err = store.Save(ctx, "widget-1", widgetState{Count: 2})
	require.NoError(t, err)

	latest, err := store.Load(ctx, "widget-1", nil)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
	require.Equal(t, 2, latest.State.Count)
}

func TestLoadUnknownKeyReturnsNotFound(t *testing.T) {
	store := NewInMemoryStore[widgetState](nil)
	_, err := store.Load(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesAllVersions(t *testing.T) {
	store := NewInMemoryStore[widgetState](nil)
	ctx := context.Background()
	_, err := store.Save(ctx, "widget-1", widgetState{Count: 1})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "widget-1"))
	_, err = store.Load(ctx, "widget-1", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunMigrationTransformsAndPersistsInNewStore(t *testing.T) {
	type oldShape struct{ Total int }
	type newShape struct {
		Total int
		Tag   string
	}

	oldStore := NewInMemoryStore[oldShape](nil)
	newStore := NewInMemoryStore[newShape](nil)
	ctx := context.Background()

	v, err := oldStore.Save(ctx, "k", oldShape{Total: 5})
	require.NoError(t, err)

	migration := Migration[oldShape, newShape]{
		FromVersion: v,
		ToVersion:   1,
		Apply: func(o oldShape) (newShape, error) {
			return newShape{Total: o.Total, Tag: "migrated"}, nil
		},
	}

	migrated, err := RunMigration(ctx, oldStore, newStore, "k", migration)
	require.NoError(t, err)
	require.Equal(t, 5, migrated.State.Total)
	require.Equal(t, "migrated", migrated.State.Tag)
}
