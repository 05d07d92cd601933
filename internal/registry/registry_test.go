package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltaruntime/overlayrt/internal/errs"
)

func TestCreateListGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := New(filepath.Join(dir, "profiles.lock"), filepath.Join(dir, "profiles.json"))

	_, err := r.Create(ctx, "survival", "main world")
	require.NoError(t, err)
	_, err = r.Create(ctx, "creative", "")
	require.NoError(t, err)

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "creative", entries[0].Name)
	require.Equal(t, "survival", entries[1].Name)

	got, err := r.Get(ctx, "survival")
	require.NoError(t, err)
	require.Equal(t, "main world", got.Description)
}

func TestCreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := New(filepath.Join(dir, "profiles.lock"), filepath.Join(dir, "profiles.json"))

	_, err := r.Create(ctx, "survival", "")
	require.NoError(t, err)
	_, err = r.Create(ctx, "survival", "")
	require.Error(t, err)
}

func TestCreateInvalidNameFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := New(filepath.Join(dir, "profiles.lock"), filepath.Join(dir, "profiles.json"))

	_, err := r.Create(ctx, "bad/name", "")
	require.ErrorIs(t, err, errs.ErrInvalidName)
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := New(filepath.Join(dir, "profiles.lock"), filepath.Join(dir, "profiles.json"))

	created, err := r.Create(ctx, "survival", "")
	require.NoError(t, err)
	require.NoError(t, r.Touch(ctx, "survival"))

	got, err := r.Get(ctx, "survival")
	require.NoError(t, err)
	require.True(t, !got.LastUsedAt.Before(created.LastUsedAt))
}

func TestRemoveThenGetFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := New(filepath.Join(dir, "profiles.lock"), filepath.Join(dir, "profiles.json"))

	_, err := r.Create(ctx, "survival", "")
	require.NoError(t, err)
	require.NoError(t, r.Remove(ctx, "survival"))
	_, err = r.Get(ctx, "survival")
	require.ErrorIs(t, err, errs.ErrProfileNotFound)
}
