package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("creates the log file under the backup root", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "backups")

		logger, err := New(root, false)
		require.NoError(t, err)
		logger.Info("backup finished")
		_ = logger.Sync()

		data, err := os.ReadFile(filepath.Join(root, LogFileName))
		require.NoError(t, err)
		assert.Contains(t, string(data), "backup finished")
	})

	t.Run("file sink records debug even without verbose", func(t *testing.T) {
		root := t.TempDir()

		logger, err := New(root, false)
		require.NoError(t, err)
		logger.Debug("capture detail")
		_ = logger.Sync()

		data, err := os.ReadFile(filepath.Join(root, LogFileName))
		require.NoError(t, err)
		assert.Contains(t, string(data), "capture detail")
	})

	t.Run("appends across sessions", func(t *testing.T) {
		root := t.TempDir()

		for _, msg := range []string{"first run", "second run"} {
			logger, err := New(root, false)
			require.NoError(t, err)
			logger.Info(msg)
			_ = logger.Sync()
		}

		data, err := os.ReadFile(filepath.Join(root, LogFileName))
		require.NoError(t, err)
		assert.Contains(t, string(data), "first run")
		assert.Contains(t, string(data), "second run")
	})
}
