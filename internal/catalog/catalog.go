package catalog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog is the persistent inventory of stored updates and assets.
// It is guarded by a Lease: every read acquires the shared lease,
// every write acquires the exclusive lease, and both release it on
// every exit path via defer.
type Catalog struct {
	db     *sql.DB
	lease  *Lease
	logger *slog.Logger
	path   string
}

// Open opens (creating if necessary) the catalog database at path and
// brings its schema up to date via embedded goose migrations.
//
// WAL mode, foreign keys on, secure file permissions, and rejection
// of directory-traversal paths.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, &ErrInvalidPath{Path: path, Reason: "path cannot be empty"}
	}
	if strings.Contains(path, "..") {
		return nil, &ErrInvalidPath{Path: path, Reason: "contains '..'"}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &ErrStorageInitFailed{Path: path, Cause: err}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &ErrStorageInitFailed{Path: path, Cause: err}
	}
	db.SetMaxOpenConns(1) // sqlite writer serialization; WAL allows concurrent readers internally
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ErrStorageInitFailed{Path: path, Cause: err}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, &ErrStorageInitFailed{Path: path, Cause: err}
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("failed to set catalog file permissions to 0600", "path", path, "error", err)
	}

	c := &Catalog{db: db, lease: &Lease{}, logger: logger.With("component", "catalog"), path: path}
	c.logger.Info("catalog opened", "path", path)
	return c, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close closes the underlying database connection. Idempotent.
func (c *Catalog) Close() error {
	return c.lease.WithWrite(func() error {
		if c.db == nil {
			return nil
		}
		err := c.db.Close()
		c.db = nil
		return err
	})
}

// Health checks catalog connection liveness.
func (c *Catalog) Health(ctx context.Context) error {
	var err error
	_ = c.lease.WithRead(func() error {
		if c.db == nil {
			err = fmt.Errorf("catalog is closed")
			return nil
		}
		err = c.db.PingContext(ctx)
		return nil
	})
	return err
}

// CommitLoadedUpdate persists a fully downloaded update atomically:
// within a single transaction, insert the UpdateEntity as Pending,
// insert any new AssetEntity rows, link them via UpdateAsset (exactly
// one launch asset), and flip the update to Ready.
func (c *Catalog) CommitLoadedUpdate(ctx context.Context, ue *UpdateEntity, assets []*AssetEntity, links []UpdateAsset) error {
	start := time.Now()
	err := c.lease.WithWrite(func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return &ErrTransactionFailed{Op: "commit_loaded_update", Cause: err}
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		filtersJSON, err := json.Marshal(ue.ManifestFilters)
		if err != nil {
			return &ErrTransactionFailed{Op: "marshal_filters", Cause: err}
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO updates (id, commit_time, runtime_version, scope_key, manifest, status, failed_launch_count, successful_launch_count, last_accessed_at, manifest_filters)
VALUES (?, ?, ?, ?, ?, 'Pending', 0, 0, 0, ?)
ON CONFLICT(id) DO UPDATE SET manifest = excluded.manifest, manifest_filters = excluded.manifest_filters`,
			ue.ID, ue.CommitTime.UnixMilli(), ue.RuntimeVersion, ue.ScopeKey, ue.Manifest, string(filtersJSON))
		if err != nil {
			return &ErrTransactionFailed{Op: "insert_update", Cause: err}
		}

		for _, a := range assets {
			_, err = tx.ExecContext(ctx, `
INSERT INTO assets (key, type, url, expected_hash, downloaded_at, embedded_asset_filename, marked_for_deletion)
VALUES (?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(key) DO UPDATE SET downloaded_at = excluded.downloaded_at`,
				a.Key, a.Type, a.URL, a.ExpectedHash, a.DownloadedAt.UnixMilli(), nullableString(a.EmbeddedAssetFilename))
			if err != nil {
				return &ErrTransactionFailed{Op: "insert_asset", Cause: err}
			}
		}

		for _, l := range links {
			_, err = tx.ExecContext(ctx, `
INSERT INTO update_assets (update_id, asset_key, is_launch_asset) VALUES (?, ?, ?)
ON CONFLICT(update_id, asset_key) DO UPDATE SET is_launch_asset = excluded.is_launch_asset`,
				l.UpdateID, l.AssetKey, boolToInt(l.IsLaunchAsset))
			if err != nil {
				return &ErrTransactionFailed{Op: "link_asset", Cause: err}
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE updates SET status = 'Ready' WHERE id = ?`, ue.ID)
		if err != nil {
			return &ErrTransactionFailed{Op: "mark_ready", Cause: err}
		}

		if err := tx.Commit(); err != nil {
			return &ErrTransactionFailed{Op: "commit", Cause: err}
		}
		committed = true
		return nil
	})
	RecordOperationDuration("commit_loaded_update", time.Since(start).Seconds())
	if err != nil {
		RecordOperation("commit_loaded_update", "error")
	} else {
		RecordOperation("commit_loaded_update", "success")
	}
	return err
}

// MarkLaunchable transitions an already-Ready update to Launchable once
// a selection policy has admitted it.
func (c *Catalog) MarkLaunchable(ctx context.Context, id string) error {
	return c.lease.WithWrite(func() error {
		_, err := c.db.ExecContext(ctx, `UPDATE updates SET status = 'Launchable' WHERE id = ? AND status IN ('Ready','Launchable')`, id)
		if err != nil {
			return &ErrTransactionFailed{Op: "mark_launchable", Cause: err}
		}
		return nil
	})
}

// MarkFailedLaunch increments failedLaunchCount for the given update.
func (c *Catalog) MarkFailedLaunch(ctx context.Context, id string) error {
	return c.lease.WithWrite(func() error {
		_, err := c.db.ExecContext(ctx, `UPDATE updates SET failed_launch_count = failed_launch_count + 1 WHERE id = ?`, id)
		if err != nil {
			return &ErrTransactionFailed{Op: "mark_failed_launch", Cause: err}
		}
		return nil
	})
}

// MarkSuccessfulLaunch increments successfulLaunchCount for the given
// update and stamps lastAccessedAt.
func (c *Catalog) MarkSuccessfulLaunch(ctx context.Context, id string) error {
	return c.lease.WithWrite(func() error {
		_, err := c.db.ExecContext(ctx, `UPDATE updates SET successful_launch_count = successful_launch_count + 1, last_accessed_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
		if err != nil {
			return &ErrTransactionFailed{Op: "mark_successful_launch", Cause: err}
		}
		return nil
	})
}

// TouchLastAccessed updates lastAccessedAt on launch.
func (c *Catalog) TouchLastAccessed(ctx context.Context, id string) error {
	return c.lease.WithWrite(func() error {
		_, err := c.db.ExecContext(ctx, `UPDATE updates SET last_accessed_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
		if err != nil {
			return &ErrTransactionFailed{Op: "touch_last_accessed", Cause: err}
		}
		return nil
	})
}

// GetUpdate fetches one update by id.
func (c *Catalog) GetUpdate(ctx context.Context, id string) (*UpdateEntity, error) {
	var ue *UpdateEntity
	err := c.lease.WithRead(func() error {
		row := c.db.QueryRowContext(ctx, selectUpdateColumns+` WHERE id = ?`, id)
		var e error
		ue, e = scanUpdate(row)
		return e
	})
	if err != nil {
		return nil, err
	}
	return ue, nil
}

// ListUpdates returns all updates (any status) for a given scope key.
// Callers that want only Ready/Launchable/Embedded candidates should
// filter via selection.
func (c *Catalog) ListUpdates(ctx context.Context, scopeKey string) ([]*UpdateEntity, error) {
	var out []*UpdateEntity
	err := c.lease.WithRead(func() error {
		rows, err := c.db.QueryContext(ctx, selectUpdateColumns+` WHERE scope_key = ? ORDER BY commit_time DESC`, scopeKey)
		if err != nil {
			return &ErrTransactionFailed{Op: "list_updates", Cause: err}
		}
		defer rows.Close()
		for rows.Next() {
			ue, err := scanUpdate(rows)
			if err != nil {
				return err
			}
			out = append(out, ue)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAssetsForUpdate returns the assets linked to an update, along
// with the key of its launch asset ("" if none is marked).
func (c *Catalog) ListAssetsForUpdate(ctx context.Context, updateID string) ([]*AssetEntity, string, error) {
	var out []*AssetEntity
	var launchAssetKey string
	err := c.lease.WithRead(func() error {
		rows, err := c.db.QueryContext(ctx, `
SELECT a.key, a.type, a.url, a.expected_hash, a.downloaded_at, a.embedded_asset_filename, a.marked_for_deletion, ua.is_launch_asset
FROM assets a JOIN update_assets ua ON ua.asset_key = a.key
WHERE ua.update_id = ?`, updateID)
		if err != nil {
			return &ErrTransactionFailed{Op: "list_assets", Cause: err}
		}
		defer rows.Close()
		for rows.Next() {
			var a AssetEntity
			var downloadedAt int64
			var embedded sql.NullString
			var markedInt, isLaunch int
			if err := rows.Scan(&a.Key, &a.Type, &a.URL, &a.ExpectedHash, &downloadedAt, &embedded, &markedInt, &isLaunch); err != nil {
				return &ErrTransactionFailed{Op: "scan_asset", Cause: err}
			}
			a.DownloadedAt = time.UnixMilli(downloadedAt)
			a.MarkedForDeletion = markedInt != 0
			if embedded.Valid {
				a.EmbeddedAssetFilename = embedded.String
			}
			if isLaunch != 0 {
				launchAssetKey = a.Key
			}
			out = append(out, &a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}
	return out, launchAssetKey, nil
}

// DeleteUpdate removes an update row and its asset links (reaper).
// Asset rows themselves are deleted only when no other update
// references them, preserving invariant 1 (content-addressed reuse).
func (c *Catalog) DeleteUpdate(ctx context.Context, id string) error {
	return c.lease.WithWrite(func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return &ErrTransactionFailed{Op: "delete_update", Cause: err}
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE id = ?`, id); err != nil {
			return &ErrTransactionFailed{Op: "delete_update_row", Cause: err}
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM assets WHERE key NOT IN (SELECT asset_key FROM update_assets)`); err != nil {
			return &ErrTransactionFailed{Op: "delete_orphan_assets", Cause: err}
		}
		if err := tx.Commit(); err != nil {
			return &ErrTransactionFailed{Op: "commit_delete", Cause: err}
		}
		committed = true
		return nil
	})
}

// GetExtraParam / SetExtraParam back a transactional key-value table
// of caller-supplied extra parameters.
func (c *Catalog) GetExtraParam(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := c.lease.WithRead(func() error {
		row := c.db.QueryRowContext(ctx, `SELECT value FROM extra_params WHERE key = ?`, key)
		err := row.Scan(&value)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return &ErrTransactionFailed{Op: "get_extra_param", Cause: err}
		}
		found = true
		return nil
	})
	return value, found, err
}

func (c *Catalog) GetExtraParams(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := c.lease.WithRead(func() error {
		rows, err := c.db.QueryContext(ctx, `SELECT key, value FROM extra_params`)
		if err != nil {
			return &ErrTransactionFailed{Op: "get_extra_params", Cause: err}
		}
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return &ErrTransactionFailed{Op: "scan_extra_param", Cause: err}
			}
			out[k] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) SetExtraParam(ctx context.Context, key, value string) error {
	return c.lease.WithWrite(func() error {
		if value == "" {
			_, err := c.db.ExecContext(ctx, `DELETE FROM extra_params WHERE key = ?`, key)
			if err != nil {
				return &ErrTransactionFailed{Op: "delete_extra_param", Cause: err}
			}
			return nil
		}
		_, err := c.db.ExecContext(ctx, `
INSERT INTO extra_params (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		if err != nil {
			return &ErrTransactionFailed{Op: "set_extra_param", Cause: err}
		}
		return nil
	})
}

// BuildFingerprint is the persisted fingerprint compared against the
// current configuration on Start ("BuildData consistency").
type BuildFingerprint struct {
	RuntimeVersion string
	ScopeKey       string
	UpdateURL      string
	Hash           string
}

// GetBuildFingerprint returns the persisted fingerprint, or nil if none
// has ever been recorded.
func (c *Catalog) GetBuildFingerprint(ctx context.Context) (*BuildFingerprint, error) {
	var bf BuildFingerprint
	var found bool
	err := c.lease.WithRead(func() error {
		row := c.db.QueryRowContext(ctx, `SELECT runtime_version, scope_key, update_url, hash FROM build_fingerprint WHERE id = 1`)
		err := row.Scan(&bf.RuntimeVersion, &bf.ScopeKey, &bf.UpdateURL, &bf.Hash)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return &ErrTransactionFailed{Op: "get_build_fingerprint", Cause: err}
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &bf, nil
}

func (c *Catalog) SetBuildFingerprint(ctx context.Context, bf *BuildFingerprint) error {
	return c.lease.WithWrite(func() error {
		_, err := c.db.ExecContext(ctx, `
INSERT INTO build_fingerprint (id, runtime_version, scope_key, update_url, hash) VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET runtime_version = excluded.runtime_version, scope_key = excluded.scope_key, update_url = excluded.update_url, hash = excluded.hash`,
			bf.RuntimeVersion, bf.ScopeKey, bf.UpdateURL, bf.Hash)
		if err != nil {
			return &ErrTransactionFailed{Op: "set_build_fingerprint", Cause: err}
		}
		return nil
	})
}

// DropAllUpdates removes every non-Embedded update, its asset links,
// and any asset rows no longer linked to a remaining update; the
// Embedded update and its assets are kept. On-disk asset files are left
// untouched (they are content-addressed and safe
// to re-reference). Invoked when BuildData consistency check fails.
func (c *Catalog) DropAllUpdates(ctx context.Context) error {
	return c.lease.WithWrite(func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return &ErrTransactionFailed{Op: "drop_all_updates", Cause: err}
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()
		for _, stmt := range []string{
			`DELETE FROM update_assets WHERE update_id IN (SELECT id FROM updates WHERE status != 'Embedded')`,
			`DELETE FROM updates WHERE status != 'Embedded'`,
			`DELETE FROM assets WHERE key NOT IN (SELECT asset_key FROM update_assets)`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return &ErrTransactionFailed{Op: "drop_all_updates", Cause: err}
			}
		}
		if err := tx.Commit(); err != nil {
			return &ErrTransactionFailed{Op: "commit_drop_all", Cause: err}
		}
		committed = true
		return nil
	})
}

const selectUpdateColumns = `
SELECT id, commit_time, runtime_version, scope_key, manifest, status, failed_launch_count, successful_launch_count, last_accessed_at, manifest_filters
FROM updates`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpdate(row rowScanner) (*UpdateEntity, error) {
	var ue UpdateEntity
	var commitTime, lastAccessed int64
	var status string
	var filtersJSON string
	if err := row.Scan(&ue.ID, &commitTime, &ue.RuntimeVersion, &ue.ScopeKey, &ue.Manifest, &status, &ue.FailedLaunchCount, &ue.SuccessfulLaunchCount, &lastAccessed, &filtersJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrUpdateNotFound{}
		}
		return nil, &ErrTransactionFailed{Op: "scan_update", Cause: err}
	}
	ue.CommitTime = time.UnixMilli(commitTime)
	ue.LastAccessedAt = time.UnixMilli(lastAccessed)
	ue.Status = UpdateStatus(status)
	if err := json.Unmarshal([]byte(filtersJSON), &ue.ManifestFilters); err != nil {
		ue.ManifestFilters = map[string]string{}
	}
	return &ue, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
