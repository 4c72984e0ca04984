package loader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
	"github.com/tomekzaw/expo-updates-engine/internal/filestore"
)

// Callback is invoked synchronously and serially by a single Loader
// run.
type Callback struct {
	// OnUpdateResponseLoaded lets the caller veto asset download.
	// Returning false causes the Loader to stop after step 3.
	OnUpdateResponseLoaded func(resp *ServerResponse) (shouldDownload bool)

	// OnAssetLoaded reports per-asset download progress.
	OnAssetLoaded func(asset *catalog.AssetEntity, successful, failed, total int)

	// OnSuccess is invoked once a loaded update's catalog row has been
	// committed, or once a rollback directive has been recorded.
	OnSuccess func(result *Result)

	// OnFailure is invoked for any terminal error in this invocation.
	OnFailure func(err error)
}

// Result is what a successful Loader run produces.
type Result struct {
	Update    *catalog.UpdateEntity // nil if this was a rollback directive
	Directive *Directive            // nil if a manifest was loaded
}

// RequestHeaderSource supplies the headers composed for the outbound
// check: runtime version, scope key, prior launched update id, and
// any persisted manifestMetadata.
type RequestHeaderSource struct {
	RuntimeVersion      string
	ScopeKey            string
	LaunchedUpdateID    string
	ExtraRequestHeaders map[string]string
}

// Loader is the update-server protocol client.
type Loader struct {
	httpClient *http.Client
	catalog    *catalog.Catalog
	store      *filestore.FileStore
	updateURL  string
	limiter    *rate.Limiter
	workers    int
	logger     *slog.Logger
}

// Config configures a Loader.
type Config struct {
	UpdateURL          string
	RequestTimeout     time.Duration // default 60s
	DownloadWorkers    int           // default 4
	DownloadRatePerSec float64       // 0 disables throttling
}

// New constructs a Loader against the given catalog and file store.
func New(cfg Config, cat *catalog.Catalog, store *filestore.FileStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	workers := cfg.DownloadWorkers
	if workers <= 0 {
		workers = 4
	}

	var limiter *rate.Limiter
	if cfg.DownloadRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DownloadRatePerSec), workers)
	}

	return &Loader{
		httpClient: &http.Client{Timeout: timeout},
		catalog:    cat,
		store:      store,
		updateURL:  cfg.UpdateURL,
		limiter:    limiter,
		workers:    workers,
		logger:     logger.With("component", "loader"),
	}
}

// Run executes one Loader invocation end-to-end: build the request,
// fetch and parse the server response, let the caller veto download,
// download and verify any missing assets, then commit the result.
func (l *Loader) Run(ctx context.Context, headers RequestHeaderSource, cb Callback) {
	correlationID := uuid.NewString()
	logger := l.logger.With("correlation_id", correlationID)

	req, err := l.buildRequest(ctx, headers)
	if err != nil {
		logger.Error("failed to build update request", "error", err)
		if cb.OnFailure != nil {
			cb.OnFailure(err)
		}
		return
	}

	start := time.Now()
	resp, err := l.httpClient.Do(req)
	if err != nil {
		logger.Warn("update request failed", "error", err)
		if cb.OnFailure != nil {
			cb.OnFailure(&ErrNetwork{Cause: err})
		}
		return
	}
	logger.Debug("update response received", "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		err := &ErrNetwork{Cause: fmt.Errorf("server returned status %d", resp.StatusCode)}
		if cb.OnFailure != nil {
			cb.OnFailure(err)
		}
		return
	}

	parsed, err := ParseResponse(resp)
	if err != nil {
		logger.Warn("failed to parse update response", "error", err)
		if cb.OnFailure != nil {
			cb.OnFailure(err)
		}
		return
	}

	shouldDownload := true
	if cb.OnUpdateResponseLoaded != nil {
		shouldDownload = cb.OnUpdateResponseLoaded(parsed)
	}

	// Step 4: a RollBackToEmbedded directive skips asset fetch entirely.
	if parsed.Directive != nil && parsed.Directive.Type == DirectiveRollBackToEmbedded {
		logger.Info("received rollback-to-embedded directive", "commit_time", parsed.Directive.CommitTime)
		if cb.OnSuccess != nil {
			cb.OnSuccess(&Result{Directive: parsed.Directive})
		}
		return
	}

	if parsed.Manifest == nil || !shouldDownload {
		logger.Debug("no update available or download vetoed by caller")
		if cb.OnSuccess != nil {
			cb.OnSuccess(&Result{Directive: &Directive{Type: DirectiveNoUpdateAvailable}})
		}
		return
	}

	ue, assets, links, err := l.downloadAndVerify(ctx, parsed.Manifest, parsed.ManifestFilters, cb, logger)
	if err != nil {
		logger.Warn("asset download/verification failed", "error", err)
		if cb.OnFailure != nil {
			cb.OnFailure(err)
		}
		return
	}
	ue.ScopeKey = headers.ScopeKey

	if err := l.catalog.CommitLoadedUpdate(ctx, ue, assets, links); err != nil {
		logger.Error("failed to commit loaded update", "error", err)
		if cb.OnFailure != nil {
			cb.OnFailure(err)
		}
		return
	}

	logger.Info("loaded new update", "update_id", ue.ID, "commit_time", ue.CommitTime)
	if cb.OnSuccess != nil {
		cb.OnSuccess(&Result{Update: ue})
	}
}

func (l *Loader) buildRequest(ctx context.Context, h RequestHeaderSource) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.updateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("expo-runtime-version", h.RuntimeVersion)
	req.Header.Set("expo-scope-key", h.ScopeKey)
	req.Header.Set("expo-protocol-version", "1")
	req.Header.Set("accept", "multipart/mixed")
	if h.LaunchedUpdateID != "" {
		req.Header.Set("expo-current-update-id", h.LaunchedUpdateID)
	}
	for k, v := range h.ExtraRequestHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// downloadAndVerify downloads every asset listed by the manifest that
// is missing or hash-mismatched locally: download to a temp path,
// verify, and atomically rename into place. Downloads run on a bounded
// worker pool, optionally rate-limited.
func (l *Loader) downloadAndVerify(ctx context.Context, m *Manifest, filters map[string]string, cb Callback, logger *slog.Logger) (*catalog.UpdateEntity, []*catalog.AssetEntity, []catalog.UpdateAsset, error) {
	total := len(m.Assets)
	var successful, failed int32
	var mu sync.Mutex
	var firstErr error

	assets := make([]*catalog.AssetEntity, total)
	links := make([]catalog.UpdateAsset, total)

	sem := make(chan struct{}, l.workers)
	var wg sync.WaitGroup

	for i, ma := range m.Assets {
		i, ma := i, ma
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ae, err := l.fetchOneAsset(ctx, ma)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
			} else {
				successful++
				assets[i] = ae
				links[i] = catalog.UpdateAsset{UpdateID: m.ID, AssetKey: ma.Key, IsLaunchAsset: ma.IsLaunchAsset}
			}
			if cb.OnAssetLoaded != nil {
				var reportAsset *catalog.AssetEntity
				if ae != nil {
					reportAsset = ae
				} else {
					reportAsset = &catalog.AssetEntity{Key: ma.Key}
				}
				cb.OnAssetLoaded(reportAsset, int(successful), int(failed), total)
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, nil, firstErr
	}

	ue := &catalog.UpdateEntity{
		ID:              m.ID,
		CommitTime:      time.UnixMilli(m.CommitTime),
		RuntimeVersion:  m.RuntimeVersion,
		Manifest:        m.Raw,
		Status:          catalog.StatusPending,
		ManifestFilters: filters,
	}
	return ue, assets, links, nil
}

func (l *Loader) fetchOneAsset(ctx context.Context, ma ManifestAsset) (*catalog.AssetEntity, error) {
	if l.store.Exists(ma.Key, ma.ExpectedHash) {
		return &catalog.AssetEntity{
			Key: ma.Key, Type: ma.Type, URL: ma.URL, ExpectedHash: ma.ExpectedHash,
			DownloadedAt: time.Now(),
		}, nil
	}

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, &ErrAssetDownload{AssetKey: ma.Key, Cause: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ma.URL, nil)
	if err != nil {
		return nil, &ErrAssetDownload{AssetKey: ma.Key, Cause: err}
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, &ErrAssetDownload{AssetKey: ma.Key, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &ErrAssetDownload{AssetKey: ma.Key, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrAssetDownload{AssetKey: ma.Key, Cause: err}
	}

	if err := l.store.WriteAtomic(ma.Key, ma.ExpectedHash, data); err != nil {
		if _, ok := err.(*filestore.ErrDigestMismatch); ok {
			return nil, &ErrDigestMismatch{AssetKey: ma.Key}
		}
		return nil, &ErrAssetDownload{AssetKey: ma.Key, Cause: err}
	}

	return &catalog.AssetEntity{
		Key: ma.Key, Type: ma.Type, URL: ma.URL, ExpectedHash: ma.ExpectedHash,
		DownloadedAt: time.Now(),
	}, nil
}
