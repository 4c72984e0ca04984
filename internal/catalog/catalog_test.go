package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	ctx := context.Background()
	cat, err := Open(ctx, filepath.Join(t.TempDir(), "expo-updates.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func sampleUpdate(id string, commitTime time.Time) *UpdateEntity {
	return &UpdateEntity{
		ID:             id,
		CommitTime:     commitTime,
		RuntimeVersion: "1.0.0",
		ScopeKey:       "my-app",
		Manifest:       []byte(`{"id":"` + id + `"}`),
		ManifestFilters: map[string]string{
			"branch": "stable",
		},
	}
}

func TestCatalog_OpenRejectsInvalidPaths(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, "", nil)
	require.Error(t, err)
	var invalid *ErrInvalidPath
	assert.ErrorAs(t, err, &invalid)

	_, err = Open(ctx, t.TempDir()+string(filepath.Separator)+".."+string(filepath.Separator)+"escape.db", nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &invalid)
}

func TestCatalog_CommitLoadedUpdateAndGet(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	ue := sampleUpdate("update-1", time.Now())
	assets := []*AssetEntity{
		{Key: "asset-a", Type: "application/javascript", URL: "https://example.com/a.js", ExpectedHash: "hash-a", DownloadedAt: time.Now()},
	}
	links := []UpdateAsset{{UpdateID: ue.ID, AssetKey: "asset-a", IsLaunchAsset: true}}

	require.NoError(t, cat.CommitLoadedUpdate(ctx, ue, assets, links))

	got, err := cat.GetUpdate(ctx, "update-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, "1.0.0", got.RuntimeVersion)
	assert.Equal(t, map[string]string{"branch": "stable"}, got.ManifestFilters)

	storedAssets, launchKey, err := cat.ListAssetsForUpdate(ctx, "update-1")
	require.NoError(t, err)
	require.Len(t, storedAssets, 1)
	assert.Equal(t, "asset-a", launchKey)
}

func TestCatalog_GetUpdateNotFound(t *testing.T) {
	cat := openTestCatalog(t)
	_, err := cat.GetUpdate(context.Background(), "missing")
	require.Error(t, err)
	var notFound *ErrUpdateNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestCatalog_MarkLaunchableOnlyFromReady(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	ue := sampleUpdate("update-2", time.Now())
	require.NoError(t, cat.CommitLoadedUpdate(ctx, ue, nil, nil))

	require.NoError(t, cat.MarkLaunchable(ctx, "update-2"))
	got, err := cat.GetUpdate(ctx, "update-2")
	require.NoError(t, err)
	assert.Equal(t, StatusLaunchable, got.Status)
}

func TestCatalog_FailedAndSuccessfulLaunchCounters(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	ue := sampleUpdate("update-3", time.Now())
	require.NoError(t, cat.CommitLoadedUpdate(ctx, ue, nil, nil))

	require.NoError(t, cat.MarkFailedLaunch(ctx, "update-3"))
	require.NoError(t, cat.MarkFailedLaunch(ctx, "update-3"))
	require.NoError(t, cat.MarkSuccessfulLaunch(ctx, "update-3"))

	got, err := cat.GetUpdate(ctx, "update-3")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailedLaunchCount)
	assert.Equal(t, 1, got.SuccessfulLaunchCount)
	assert.False(t, got.LastAccessedAt.IsZero())
}

func TestCatalog_ListUpdatesFiltersByScopeKey(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	a := sampleUpdate("a", time.Now())
	a.ScopeKey = "scope-a"
	b := sampleUpdate("b", time.Now())
	b.ScopeKey = "scope-b"
	require.NoError(t, cat.CommitLoadedUpdate(ctx, a, nil, nil))
	require.NoError(t, cat.CommitLoadedUpdate(ctx, b, nil, nil))

	got, err := cat.ListUpdates(ctx, "scope-a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestCatalog_DeleteUpdateRemovesOrphanAssetsOnly(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	shared := &AssetEntity{Key: "shared", Type: "asset", ExpectedHash: "h", DownloadedAt: time.Now()}
	u1 := sampleUpdate("u1", time.Now())
	u2 := sampleUpdate("u2", time.Now())
	require.NoError(t, cat.CommitLoadedUpdate(ctx, u1, []*AssetEntity{shared}, []UpdateAsset{{UpdateID: "u1", AssetKey: "shared"}}))
	require.NoError(t, cat.CommitLoadedUpdate(ctx, u2, []*AssetEntity{shared}, []UpdateAsset{{UpdateID: "u2", AssetKey: "shared"}}))

	require.NoError(t, cat.DeleteUpdate(ctx, "u1"))

	assets, _, err := cat.ListAssetsForUpdate(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, assets, 1, "asset referenced by the remaining update must survive")

	_, err = cat.GetUpdate(ctx, "u1")
	require.Error(t, err)
}

func TestCatalog_ExtraParams(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	_, found, err := cat.GetExtraParam(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cat.SetExtraParam(ctx, "k1", "v1"))
	value, found, err := cat.GetExtraParam(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", value)

	all, err := cat.GetExtraParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1"}, all)

	require.NoError(t, cat.SetExtraParam(ctx, "k1", ""))
	_, found, err = cat.GetExtraParam(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found, "setting an empty value deletes the key")
}

func TestCatalog_BuildFingerprintRoundTrip(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	got, err := cat.GetBuildFingerprint(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	bf := &BuildFingerprint{RuntimeVersion: "1.0.0", ScopeKey: "scope", UpdateURL: "https://example.com", Hash: "abc123"}
	require.NoError(t, cat.SetBuildFingerprint(ctx, bf))

	got, err = cat.GetBuildFingerprint(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *bf, *got)

	bf.Hash = "def456"
	require.NoError(t, cat.SetBuildFingerprint(ctx, bf))
	got, err = cat.GetBuildFingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "def456", got.Hash)
}

func TestCatalog_DropAllUpdatesKeepsEmbedded(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	remote := sampleUpdate("remote", time.Now())
	require.NoError(t, cat.CommitLoadedUpdate(ctx, remote, nil, nil))

	embedded := sampleUpdate("embedded", time.Now())
	require.NoError(t, cat.CommitLoadedUpdate(ctx, embedded, nil, nil))
	_, err := cat.db.ExecContext(ctx, `UPDATE updates SET status = 'Embedded' WHERE id = ?`, "embedded")
	require.NoError(t, err)

	require.NoError(t, cat.DropAllUpdates(ctx))

	_, err = cat.GetUpdate(ctx, "remote")
	require.Error(t, err)

	got, err := cat.GetUpdate(ctx, "embedded")
	require.NoError(t, err)
	assert.Equal(t, StatusEmbedded, got.Status)
}

func TestCatalog_HealthAndClose(t *testing.T) {
	cat := openTestCatalog(t)
	require.NoError(t, cat.Health(context.Background()))

	require.NoError(t, cat.Close())
	assert.Error(t, cat.Health(context.Background()))
	// Close is idempotent.
	assert.NoError(t, cat.Close())
}
