package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArchive(name, project string, data string) *Archive {
	return &Archive{
		Name: name,
		Info: ArchiveInfo{
			Name:        name,
			ProjectName: project,
			Size:        int64(len(data)),
			CreatedAt:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			Containers:  1,
		},
		DataReader: strings.NewReader(data),
	}
}

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()

	newBackend := func(t *testing.T) *LocalStorage {
		backend, err := NewLocalStorage(&LocalConfig{BasePath: t.TempDir()})
		require.NoError(t, err)
		return backend
	}

	t.Run("store then retrieve round trip", func(t *testing.T) {
		backend := newBackend(t)
		require.NoError(t, backend.Store(ctx, testArchive("backup_20260830_120000_web1.tar.gz", "web1", "archive-bytes")))

		got, err := backend.Retrieve(ctx, "backup_20260830_120000_web1.tar.gz")
		require.NoError(t, err)
		assert.Equal(t, "web1", got.Info.ProjectName)

		var buf bytes.Buffer
		_, err = io.Copy(&buf, got.DataReader)
		require.NoError(t, err)
		if closer, ok := got.DataReader.(io.Closer); ok {
			require.NoError(t, closer.Close())
		}
		assert.Equal(t, "archive-bytes", buf.String())
	})

	t.Run("retrieve unknown archive fails", func(t *testing.T) {
		backend := newBackend(t)
		_, err := backend.Retrieve(ctx, "no-such-archive.tar.gz")
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("list returns stored metadata", func(t *testing.T) {
		backend := newBackend(t)
		require.NoError(t, backend.Store(ctx, testArchive("a.tar.gz", "web1", "x")))
		require.NoError(t, backend.Store(ctx, testArchive("b.tar.gz", "shop", "y")))

		archives, err := backend.List(ctx)
		require.NoError(t, err)
		require.Len(t, archives, 2)

		projects := []string{archives[0].ProjectName, archives[1].ProjectName}
		assert.ElementsMatch(t, []string{"web1", "shop"}, projects)
	})

	t.Run("exists and delete", func(t *testing.T) {
		backend := newBackend(t)
		require.NoError(t, backend.Store(ctx, testArchive("a.tar.gz", "web1", "x")))

		exists, err := backend.Exists(ctx, "a.tar.gz")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, backend.Delete(ctx, "a.tar.gz"))

		exists, err = backend.Exists(ctx, "a.tar.gz")
		require.NoError(t, err)
		assert.False(t, exists)

		// deleting again is a no-op
		require.NoError(t, backend.Delete(ctx, "a.tar.gz"))
	})

	t.Run("drain archive closes the reader", func(t *testing.T) {
		backend := newBackend(t)
		require.NoError(t, backend.Store(ctx, testArchive("a.tar.gz", "web1", "payload")))

		got, err := backend.Retrieve(ctx, "a.tar.gz")
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, DrainArchive(got, &buf))
		assert.Equal(t, "payload", buf.String())
	})
}
