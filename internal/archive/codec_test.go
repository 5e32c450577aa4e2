package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	require.NoError(t, filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	}))
	return out
}

func TestPackDirUnpackRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"index.html":        "<html></html>",
		"assets/app.css":    "body {}",
		"assets/js/main.js": "console.log(1)",
	}
	writeTree(t, src, files)

	payload := filepath.Join(t.TempDir(), "data.payload")
	require.NoError(t, PackDir(src, payload))

	t.Run("strip one component restores original layout", func(t *testing.T) {
		dest := t.TempDir()
		require.NoError(t, Unpack(payload, dest, true))
		assert.Equal(t, files, readTree(t, dest))
	})

	t.Run("without strip content lands under data root", func(t *testing.T) {
		dest := t.TempDir()
		require.NoError(t, Unpack(payload, dest, false))
		got := readTree(t, dest)
		assert.Equal(t, "<html></html>", got[filepath.Join("data", "index.html")])
	})

	t.Run("unpack into same destination is idempotent", func(t *testing.T) {
		dest := t.TempDir()
		require.NoError(t, Unpack(payload, dest, true))
		require.NoError(t, Unpack(payload, dest, true))
		assert.Equal(t, files, readTree(t, dest))
	})
}

func TestPackDirEmptyDirectory(t *testing.T) {
	payload := filepath.Join(t.TempDir(), "empty.payload")
	require.NoError(t, PackDir(t.TempDir(), payload))

	dest := t.TempDir()
	require.NoError(t, Unpack(payload, dest, true))
	assert.Empty(t, readTree(t, dest))
}

func TestPackFilesAndExtractFile(t *testing.T) {
	work := t.TempDir()
	writeTree(t, work, map[string]string{
		"manifest":     `{"project_name":"web1"}`,
		"compose-file": "services: {}",
	})

	bundle := filepath.Join(t.TempDir(), "bundle.tar.gz")
	require.NoError(t, PackFiles([]string{
		filepath.Join(work, "manifest"),
		filepath.Join(work, "compose-file"),
	}, bundle))

	t.Run("entries keep base names", func(t *testing.T) {
		dest := t.TempDir()
		require.NoError(t, Unpack(bundle, dest, false))
		got := readTree(t, dest)
		assert.Equal(t, `{"project_name":"web1"}`, got["manifest"])
		assert.Equal(t, "services: {}", got["compose-file"])
	})

	t.Run("single entry extraction", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "m")
		require.NoError(t, ExtractFile(bundle, "manifest", out))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, `{"project_name":"web1"}`, string(data))
	})

	t.Run("missing entry reports not exist", func(t *testing.T) {
		err := ExtractFile(bundle, "no-such-entry", filepath.Join(t.TempDir(), "x"))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestUnpackRejectsPathTraversal(t *testing.T) {
	malicious := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(malicious)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape.txt",
		Mode: 0o600,
		Size: 4,
	}))
	_, err = tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(t.TempDir(), "dest")
	err = Unpack(malicious, dest, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
}
