package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFileStore_WriteAtomicAndRead(t *testing.T) {
	store, err := New(t.TempDir(), 4, nil)
	require.NoError(t, err)

	data := []byte("bundle contents")
	hash := hashOf(data)

	require.NoError(t, store.WriteAtomic("bundle.js", hash, data))

	assert.True(t, store.Exists("bundle.js", hash))

	got, err := store.Read("bundle.js")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileStore_WriteAtomicRejectsDigestMismatch(t *testing.T) {
	store, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)

	err = store.WriteAtomic("bad.js", "not-the-real-hash", []byte("payload"))
	require.Error(t, err)
	var mismatch *ErrDigestMismatch
	assert.ErrorAs(t, err, &mismatch)
	assert.False(t, store.Exists("bad.js", "not-the-real-hash"))
}

func TestFileStore_WriteAtomicLeavesNoTempFilesBehind(t *testing.T) {
	root := t.TempDir()
	store, err := New(root, 0, nil)
	require.NoError(t, err)

	data := []byte("asset bytes")
	require.NoError(t, store.WriteAtomic("asset.bin", hashOf(data), data))

	entries, err := os.ReadDir(filepath.Join(root, internalDirName))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "asset.bin", entries[0].Name())
}

func TestFileStore_ExistsFalseForMissingOrCorrupt(t *testing.T) {
	store, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)

	assert.False(t, store.Exists("missing", "whatever"))

	data := []byte("original")
	require.NoError(t, store.WriteAtomic("corruptible", hashOf(data), data))

	corruptPath := store.Path("corruptible")
	require.NoError(t, os.WriteFile(corruptPath, []byte("tampered"), 0600))
	assert.False(t, store.Exists("corruptible", hashOf(data)))
}

func TestFileStore_ReadNotFound(t *testing.T) {
	store, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)

	_, err = store.Read("nope")
	require.Error(t, err)
	var notFound *ErrAssetNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestFileStore_ReadServesFromL1CacheWithoutDisk(t *testing.T) {
	store, err := New(t.TempDir(), 4, nil)
	require.NoError(t, err)

	data := []byte("cached bytes")
	require.NoError(t, store.WriteAtomic("cached", hashOf(data), data))

	require.NoError(t, os.Remove(store.Path("cached")))

	got, err := store.Read("cached")
	require.NoError(t, err, "L1 cache should still serve the bytes after the disk copy is gone")
	assert.Equal(t, data, got)
}

func TestFileStore_Delete(t *testing.T) {
	store, err := New(t.TempDir(), 4, nil)
	require.NoError(t, err)

	data := []byte("to be deleted")
	require.NoError(t, store.WriteAtomic("gone", hashOf(data), data))

	require.NoError(t, store.Delete("gone"))
	assert.False(t, store.Exists("gone", hashOf(data)))

	// Deleting an already-absent key is not an error.
	assert.NoError(t, store.Delete("gone"))
}
