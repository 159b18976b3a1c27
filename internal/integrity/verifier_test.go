package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestCalculateHashSHA256(t *testing.T) {
	path := writeTempFile(t, "hello world")
	hash, err := CalculateHash(path, "sha256")
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", hash)
}

func TestCalculateHashMD5(t *testing.T) {
	path := writeTempFile(t, "hello world")
	hash, err := CalculateHash(path, "md5")
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", hash)
}

func TestCalculateHashUnsupportedAlgorithm(t *testing.T) {
	path := writeTempFile(t, "data")
	_, err := CalculateHash(path, "sha1")
	assert.Error(t, err)
}

func TestCalculateHashMissingFile(t *testing.T) {
	_, err := CalculateHash(filepath.Join(t.TempDir(), "missing.bin"), "sha256")
	assert.Error(t, err)
}

func TestVerifyMatchingHashSucceeds(t *testing.T) {
	path := writeTempFile(t, "hello world")
	v := NewFileVerifier()
	err := v.Verify(path, "sha256", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")
	assert.NoError(t, err)
}

func TestVerifyMismatchedHashFails(t *testing.T) {
	path := writeTempFile(t, "hello world")
	v := NewFileVerifier()
	err := v.Verify(path, "sha256", "0000000000000000000000000000000000000000000000000000000000000")
	assert.Error(t, err)
}
