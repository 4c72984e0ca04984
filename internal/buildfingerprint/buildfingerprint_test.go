package buildfingerprint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "expo-updates.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func TestFingerprint_IsDeterministicAndFieldSensitive(t *testing.T) {
	a := Data{RuntimeVersion: "1.0.0", ScopeKey: "scope", UpdateURL: "https://example.com"}
	b := a

	h1, err := Fingerprint(a)
	require.NoError(t, err)
	h2, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	b.RuntimeVersion = "2.0.0"
	h3, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestChecker_EnsureConsistent_FirstRunPersistsFingerprint(t *testing.T) {
	cat := openTestCatalog(t)
	checker := New(cat, nil)
	ctx := context.Background()

	current := Data{RuntimeVersion: "1.0.0", ScopeKey: "scope", UpdateURL: "https://example.com"}
	require.NoError(t, checker.EnsureConsistent(ctx, current))

	stored, err := cat.GetBuildFingerprint(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)

	wantHash, err := Fingerprint(current)
	require.NoError(t, err)
	assert.Equal(t, wantHash, stored.Hash)
}

func TestChecker_EnsureConsistent_MatchingFingerprintKeepsCatalog(t *testing.T) {
	cat := openTestCatalog(t)
	checker := New(cat, nil)
	ctx := context.Background()
	current := Data{RuntimeVersion: "1.0.0", ScopeKey: "scope", UpdateURL: "https://example.com"}

	require.NoError(t, checker.EnsureConsistent(ctx, current))

	ue := &catalog.UpdateEntity{
		ID:             "kept",
		CommitTime:     time.Now(),
		RuntimeVersion: current.RuntimeVersion,
		ScopeKey:       current.ScopeKey,
		Manifest:       []byte(`{}`),
	}
	require.NoError(t, cat.CommitLoadedUpdate(ctx, ue, nil, nil))

	require.NoError(t, checker.EnsureConsistent(ctx, current))

	_, err := cat.GetUpdate(ctx, "kept")
	assert.NoError(t, err, "matching fingerprint must not drop the catalog")
}

func TestChecker_EnsureConsistent_MismatchDropsStoredUpdates(t *testing.T) {
	cat := openTestCatalog(t)
	checker := New(cat, nil)
	ctx := context.Background()
	original := Data{RuntimeVersion: "1.0.0", ScopeKey: "scope", UpdateURL: "https://example.com"}

	require.NoError(t, checker.EnsureConsistent(ctx, original))

	ue := &catalog.UpdateEntity{
		ID:             "dropped",
		CommitTime:     time.Now(),
		RuntimeVersion: original.RuntimeVersion,
		ScopeKey:       original.ScopeKey,
		Manifest:       []byte(`{}`),
	}
	require.NoError(t, cat.CommitLoadedUpdate(ctx, ue, nil, nil))

	changed := original
	changed.RuntimeVersion = "2.0.0"
	require.NoError(t, checker.EnsureConsistent(ctx, changed))

	_, err := cat.GetUpdate(ctx, "dropped")
	require.Error(t, err, "a build fingerprint mismatch must drop previously stored updates")

	stored, err := cat.GetBuildFingerprint(ctx)
	require.NoError(t, err)
	wantHash, err := Fingerprint(changed)
	require.NoError(t, err)
	assert.Equal(t, wantHash, stored.Hash)
}
