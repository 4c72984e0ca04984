// Package filestore implements content-addressed asset storage on the
// local filesystem, under <updatesDir>/.expo-internal/<assetHash>. It
// is a two-tier store: an in-memory L1 LRU of hot asset bytes in front
// of the L2 disk-backed content store, with the filesystem as the
// canonical (durable) tier.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

const internalDirName = ".expo-internal"

// FileStore is the content-addressed asset store rooted at <updatesDir>.
type FileStore struct {
	root   string
	l1     *lru.Cache[string, []byte]
	logger *slog.Logger
}

// New creates a FileStore rooted at updatesDir, creating the internal
// asset directory if needed. l1Capacity bounds the number of hot asset
// blobs kept in memory (0 disables the L1 cache).
func New(updatesDir string, l1Capacity int, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root := filepath.Join(updatesDir, internalDirName)
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, &ErrDirectoryUnavailable{Path: root, Cause: err}
	}

	var cache *lru.Cache[string, []byte]
	if l1Capacity > 0 {
		c, err := lru.New[string, []byte](l1Capacity)
		if err != nil {
			return nil, fmt.Errorf("filestore: failed to create L1 cache: %w", err)
		}
		cache = c
	}

	return &FileStore{root: root, l1: cache, logger: logger.With("component", "filestore")}, nil
}

// Path returns the on-disk path an asset with the given content key
// would live at, regardless of whether it currently exists.
func (fs *FileStore) Path(key string) string {
	return filepath.Join(fs.root, key)
}

// Exists reports whether an asset with the given key is present on
// disk and its SHA-256 matches expectedHash.
func (fs *FileStore) Exists(key, expectedHash string) bool {
	path := fs.Path(key)
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == expectedHash
}

// Read returns the asset's bytes, preferring the L1 cache.
func (fs *FileStore) Read(key string) ([]byte, error) {
	if fs.l1 != nil {
		if b, ok := fs.l1.Get(key); ok {
			return b, nil
		}
	}
	b, err := os.ReadFile(fs.Path(key))
	if err != nil {
		return nil, &ErrAssetNotFound{Key: key, Cause: err}
	}
	if fs.l1 != nil {
		fs.l1.Add(key, b)
	}
	return b, nil
}

// WriteAtomic verifies data against expectedHash, then atomically
// installs it at the content-addressed path: write to a temp file in
// the same directory, then rename. Partially downloaded assets from a
// prior failed attempt are safe to leave in place or overwrite, since
// the path is content-addressed.
func (fs *FileStore) WriteAtomic(key, expectedHash string, data []byte) error {
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != expectedHash {
		return &ErrDigestMismatch{Key: key, Expected: expectedHash, Actual: actual}
	}

	tmp, err := os.CreateTemp(fs.root, key+".tmp-*")
	if err != nil {
		return &ErrDirectoryUnavailable{Path: fs.root, Cause: err}
	}
	tmpPath := tmp.Name()
	removed := false
	defer func() {
		if !removed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &ErrAssetCorrupt{Key: key, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &ErrAssetCorrupt{Key: key, Cause: err}
	}

	finalPath := fs.Path(key)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return &ErrAssetCorrupt{Key: key, Cause: err}
	}
	removed = true // renamed away; nothing left to clean up

	if fs.l1 != nil {
		fs.l1.Add(key, data)
	}
	return nil
}

// Delete removes an asset from disk and evicts it from the L1 cache
// (used by the Reaper).
func (fs *FileStore) Delete(key string) error {
	if fs.l1 != nil {
		fs.l1.Remove(key)
	}
	if err := os.Remove(fs.Path(key)); err != nil && !os.IsNotExist(err) {
		return &ErrAssetCorrupt{Key: key, Cause: err}
	}
	return nil
}
