package sqlitestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"lanchat/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v1")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	// last writer wins
	require.NoError(t, s.Set(ctx, "k", []byte("v2")))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// append creates the entry if absent
	require.NoError(t, s.Append(ctx, "log", []byte("a")))
	require.NoError(t, s.Append(ctx, "log", []byte("b")))
	require.NoError(t, s.Append(ctx, "log", []byte("c")))

	got, err := s.Get(ctx, "log")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, errs.ErrNotFound)

	// deleting a missing key is fine
	require.NoError(t, s.Delete(ctx, "k"))
}
