package crypto

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptFileRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty file", 0},
		{"small file", 100},
		{"exactly one chunk", 64 * 1024},
		{"chunk boundary plus one", 64*1024 + 1},
		{"multiple chunks", 3*64*1024 + 777},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext := make([]byte, tt.size)
			_, err := io.ReadFull(rand.Reader, plaintext)
			require.NoError(t, err)

			dir := t.TempDir()
			src := filepath.Join(dir, "plain")
			enc := filepath.Join(dir, "enc")
			dec := filepath.Join(dir, "dec")
			require.NoError(t, os.WriteFile(src, plaintext, 0o600))

			require.NoError(t, EncryptFile(src, enc, "correct horse"))
			require.NoError(t, DecryptFile(enc, dec, "correct horse"))

			got, err := os.ReadFile(dec)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plaintext, got))
		})
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain")
	enc := filepath.Join(dir, "enc")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))
	require.NoError(t, EncryptFile(src, enc, "right"))

	err := DecryptFile(enc, filepath.Join(dir, "dec"), "wrong")
	assert.Error(t, err)
}

func TestIsEncryptedFile(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("just a tarball"), 0o600))
	assert.False(t, IsEncryptedFile(plain))

	enc := filepath.Join(dir, "enc")
	require.NoError(t, EncryptFile(plain, enc, "pw"))
	assert.True(t, IsEncryptedFile(enc))

	assert.False(t, IsEncryptedFile(filepath.Join(dir, "missing")))
}

func TestEncryptionChangesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain")
	content := []byte("the same plaintext")
	require.NoError(t, os.WriteFile(src, content, 0o600))

	encA := filepath.Join(dir, "a")
	encB := filepath.Join(dir, "b")
	require.NoError(t, EncryptFile(src, encA, "pw"))
	require.NoError(t, EncryptFile(src, encB, "pw"))

	a, err := os.ReadFile(encA)
	require.NoError(t, err)
	b, err := os.ReadFile(encB)
	require.NoError(t, err)

	assert.NotContains(t, string(a), string(content))
	// fresh salt and nonce per run
	assert.False(t, bytes.Equal(a, b))
}
