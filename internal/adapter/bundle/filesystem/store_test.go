package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitMakesBundleVisible(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	w, err := s.Create(ctx, "repro-j1-1.zip")
	require.NoError(t, err)
	_, err = w.Write([]byte("PK archive"))
	require.NoError(t, err)

	// nothing under the final name before commit
	_, err = s.Open(ctx, "repro-j1-1.zip")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	handle, err := w.Commit()
	require.NoError(t, err)
	assert.Equal(t, "repro-j1-1.zip", handle.Name)
	assert.Equal(t, filepath.Join(root, "repro-j1-1.zip"), handle.Location)
	assert.EqualValues(t, 10, handle.Size)

	rc, err := s.Open(ctx, "repro-j1-1.zip")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "PK archive", string(got))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAbortLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root)
	require.NoError(t, err)

	w, err := s.Create(context.Background(), "repro-j2-1.zip")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = w.Commit()
	assert.Error(t, err)
}

func TestRejectsPathNames(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"../escape.zip", "a/b.zip", ".pending-x", ""} {
		_, err := s.Create(context.Background(), name)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, name)
	}
}
