// Package updatesengine implements an over-the-air update runtime for
// mobile app binaries: it selects, fetches, verifies, and stages
// updates in a content-addressed local store, and exposes a
// blocking-at-cold-start launch decision to the host application.
package updatesengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomekzaw/expo-updates-engine/internal/buildfingerprint"
	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
	"github.com/tomekzaw/expo-updates-engine/internal/errorrecovery"
	"github.com/tomekzaw/expo-updates-engine/internal/filestore"
	"github.com/tomekzaw/expo-updates-engine/internal/loader"
	"github.com/tomekzaw/expo-updates-engine/internal/loadertask"
	"github.com/tomekzaw/expo-updates-engine/internal/selection"
	"github.com/tomekzaw/expo-updates-engine/internal/statemachine"
)

// HostReloader is the narrow capability the engine needs from the
// host application: swap the JS bundle path and restart JS execution.
// A real host implementation may have to negotiate this against a
// bundle loader that lacks a public setter; failures here are
// non-fatal to the engine.
type HostReloader interface {
	SetJSBundleFile(path string) error
	Restart() error
}

// CheckResult is the outcome of a one-shot checkForUpdate call.
type CheckResult struct {
	Kind      CheckResultKind
	Update    *catalog.UpdateEntity
	Directive *loader.Directive
	Err       error
}

// CheckResultKind enumerates checkForUpdate outcomes.
type CheckResultKind string

const (
	CheckNoUpdateAvailable  CheckResultKind = "NoUpdateAvailable"
	CheckUpdateAvailable    CheckResultKind = "UpdateAvailable"
	CheckRollBackToEmbedded CheckResultKind = "RollBackToEmbedded"
	CheckResultError        CheckResultKind = "Error"
)

// FetchResult is the outcome of a one-shot fetchUpdate call.
type FetchResult struct {
	Kind      FetchResultKind
	Update    *catalog.UpdateEntity
	Directive *loader.Directive
	Err       error
}

// FetchResultKind enumerates fetchUpdate outcomes.
type FetchResultKind string

const (
	FetchSuccess         FetchResultKind = "Success"
	FetchFailure         FetchResultKind = "Failure"
	FetchRollBack        FetchResultKind = "RollBackToEmbedded"
	FetchResultErrorKind FetchResultKind = "Error"
)

// Engine is the process-wide façade wiring the catalog, file store,
// selection policy, state machine, loader, loader task, and error
// recovery watchdog together. Construct one with NewEngine, call Start
// exactly once, then use its public operations.
type Engine struct {
	cfg *Configuration

	cat     *catalog.Catalog
	store   *filestore.FileStore
	machine *statemachine.Machine
	ld      *loader.Loader
	policy  *selection.OneShotPolicy
	watchdog *errorrecovery.Watchdog
	host    HostReloader
	logger  *slog.Logger

	launchOnce sync.Once
	launchCh   chan launchResult

	startOnce sync.Once
	cancel    context.CancelFunc
}

type launchResult struct {
	path string
	ok   bool
}

// NewEngine records the configuration and host reloader but does not
// yet open or wire any subsystem, touch the filesystem or use the
// network; Start does that, so callers that need two-phase
// initialization call NewEngine followed later by Start.
func NewEngine(cfg *Configuration, host HostReloader, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		host:     host,
		logger:   logger.With("component", "engine"),
		launchCh: make(chan launchResult, 1),
	}, nil
}

// Start is idempotent: it initializes directories, opens the catalog
// and file store, runs the BuildData consistency check, spawns the
// cold-start LoaderTask, and signals readiness via launchAssetFile's
// completion channel. Call exactly once at process start.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	var startErr error
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel

		cat, err := catalog.Open(runCtx, e.cfg.UpdatesDir+"/expo-updates.db", e.logger)
		if err != nil {
			startErr = fmt.Errorf("engine start: %w", err)
			return
		}
		e.cat = cat

		store, err := filestore.New(e.cfg.UpdatesDir, e.cfg.L1CacheCapacity, e.logger)
		if err != nil {
			e.logger.Error("file store unavailable, entering emergency launch mode", "error", err)
			e.finishLaunch("", false)
			return
		}
		e.store = store

		checker := buildfingerprint.New(e.cat, e.logger)
		if err := checker.EnsureConsistent(runCtx, buildfingerprint.Data{
			RuntimeVersion: e.cfg.RuntimeVersion,
			ScopeKey:       e.cfg.ScopeKey,
			UpdateURL:      e.cfg.UpdateURL,
		}); err != nil {
			e.logger.Error("build fingerprint check failed", "error", err)
		}

		e.machine = statemachine.New(e.logger)
		go e.machine.Run(runCtx)

		e.policy = selection.NewOneShotPolicy(selection.DefaultPolicy{})

		e.ld = loader.New(loader.Config{
			UpdateURL:          e.cfg.UpdateURL,
			RequestTimeout:     e.cfg.RequestTimeout,
			DownloadWorkers:    e.cfg.DownloadWorkers,
			DownloadRatePerSec: e.cfg.DownloadRatePerSec,
		}, e.cat, e.store, e.logger)

		e.watchdog = errorrecovery.New(e.cat, e, e.cfg.SuccessTimeout, e.logger)

		if !e.cfg.IsEnabled {
			e.logger.Info("updates disabled by configuration, forcing embedded launch")
			e.finishLaunch("", false)
			return
		}

		task := loadertask.New(e.cat, e.ld, e.policy, time.Duration(e.cfg.LaunchWaitMs)*time.Millisecond, e.logger)
		go e.runColdStart(runCtx, task)
	})
	return startErr
}

func (e *Engine) runColdStart(ctx context.Context, task *loadertask.Task) {
	e.machine.Send(statemachine.Event{Type: statemachine.EventCheckForUpdateStart})

	task.Run(ctx, e.cfg.ScopeKey, e.cfg.RuntimeVersion, selection.Filters{}, e.headerSource(), loadertask.Callback{
		OnRemoteUpdateLoadStarted: func() {
			e.machine.Send(statemachine.Event{Type: statemachine.EventDownloadStart})
		},
		OnRemoteUpdateFinished: func(res *loader.Result) {
			if res == nil {
				e.machine.Send(statemachine.Event{Type: statemachine.EventDownloadError, Error: "loader invocation failed"})
				return
			}
			if res.Update != nil {
				e.machine.Send(statemachine.Event{Type: statemachine.EventDownloadComplete})
			} else if res.Directive != nil && res.Directive.Type == loader.DirectiveRollBackToEmbedded {
				e.machine.Send(statemachine.Event{Type: statemachine.EventDownloadComplete, IsRollback: true})
			}
		},
		OnSuccess: func(ue *catalog.UpdateEntity, fromCache bool) {
			e.machine.Send(statemachine.Event{Type: statemachine.EventCheckForUpdateComplete})
			assetPath := ""
			if ue != nil {
				if err := e.cat.MarkLaunchable(ctx, ue.ID); err != nil {
					e.logger.Error("failed to mark update launchable", "update_id", ue.ID, "error", err)
				}
				_, launchAssetKey, err := e.cat.ListAssetsForUpdate(ctx, ue.ID)
				if err == nil && launchAssetKey != "" {
					assetPath = e.store.Path(launchAssetKey)
				}
				e.watchdog.StartWatching(ctx, ue.ID)
			}
			e.finishLaunch(assetPath, assetPath != "")
		},
		OnFailure: func(err error) {
			e.logger.Error("cold start failed to produce a launchable update", "error", err)
			e.machine.Send(statemachine.Event{Type: statemachine.EventCheckForUpdateComplete, Error: err.Error()})
			e.finishLaunch("", false)
		},
	})
}

func (e *Engine) headerSource() loader.RequestHeaderSource {
	return loader.RequestHeaderSource{
		RuntimeVersion:      e.cfg.RuntimeVersion,
		ScopeKey:            e.cfg.ScopeKey,
		ExtraRequestHeaders: e.cfg.RequestHeaders,
	}
}

func (e *Engine) finishLaunch(path string, ok bool) {
	e.launchOnce.Do(func() {
		e.launchCh <- launchResult{path: path, ok: ok}
		close(e.launchCh)
	})
}

// LaunchAssetFile blocks until the engine has chosen a launcher (a
// cached update, a freshly loaded update, or an emergency fallback to
// the embedded bundle), then returns the absolute path of the JS
// launch asset, or "", false if the host should fall back to its
// embedded bundle via BundleAssetName.
func (e *Engine) LaunchAssetFile(ctx context.Context) (string, bool) {
	select {
	case r, ok := <-e.launchCh:
		if !ok {
			return "", false
		}
		return r.path, r.ok
	case <-ctx.Done():
		return "", false
	}
}

// BundleAssetName returns the embedded asset name, valid only when
// LaunchAssetFile returned ("", false).
func (e *Engine) BundleAssetName() (string, bool) {
	if !e.cfg.HasEmbeddedUpdate {
		return "", false
	}
	return "index.android.bundle", true
}

// CheckForUpdate runs a one-shot remote check (no asset download
// commitment) and reports the outcome through the state machine.
func (e *Engine) CheckForUpdate(ctx context.Context) CheckResult {
	e.machine.Send(statemachine.Event{Type: statemachine.EventCheckForUpdateStart})

	var result CheckResult
	done := make(chan struct{})

	e.ld.Run(ctx, e.headerSource(), loader.Callback{
		OnUpdateResponseLoaded: func(resp *loader.ServerResponse) bool {
			switch {
			case resp.Directive != nil && resp.Directive.Type == loader.DirectiveRollBackToEmbedded:
				result = CheckResult{Kind: CheckRollBackToEmbedded, Directive: resp.Directive}
			case resp.Manifest != nil:
				result = CheckResult{Kind: CheckUpdateAvailable}
			default:
				result = CheckResult{Kind: CheckNoUpdateAvailable}
			}
			return false // checkForUpdate never downloads assets
		},
		OnSuccess: func(res *loader.Result) {
			e.machine.Send(statemachine.Event{Type: statemachine.EventCheckForUpdateComplete})
			close(done)
		},
		OnFailure: func(err error) {
			result = CheckResult{Kind: CheckResultError, Err: err}
			// Always send a terminal event on every path, including
			// failure, so the state machine never stalls in Checking.
			e.machine.Send(statemachine.Event{Type: statemachine.EventCheckForUpdateComplete, Error: err.Error()})
			close(done)
		},
	})

	<-done
	return result
}

// FetchUpdate runs a one-shot Loader to completion, including asset
// download and catalog commit, and reports the outcome.
func (e *Engine) FetchUpdate(ctx context.Context) FetchResult {
	e.machine.Send(statemachine.Event{Type: statemachine.EventDownloadStart})

	var result FetchResult
	done := make(chan struct{})

	e.ld.Run(ctx, e.headerSource(), loader.Callback{
		OnSuccess: func(res *loader.Result) {
			if res.Directive != nil && res.Directive.Type == loader.DirectiveRollBackToEmbedded {
				result = FetchResult{Kind: FetchRollBack, Directive: res.Directive}
				e.machine.Send(statemachine.Event{Type: statemachine.EventDownloadComplete, IsRollback: true})
			} else {
				result = FetchResult{Kind: FetchSuccess, Update: res.Update}
				e.machine.Send(statemachine.Event{Type: statemachine.EventDownloadComplete})
			}
			close(done)
		},
		OnFailure: func(err error) {
			result = FetchResult{Kind: FetchResultErrorKind, Err: err}
			e.machine.Send(statemachine.Event{Type: statemachine.EventDownloadError, Error: err.Error()})
			close(done)
		},
	})

	<-done
	return result
}

// Reload rebuilds a launcher against the current catalog state,
// installs it as the active launcher, asks the host to restart JS
// with the new bundle path, and kicks off the reaper asynchronously.
func (e *Engine) Reload(ctx context.Context) error {
	candidates, err := e.cat.ListUpdates(ctx, e.cfg.ScopeKey)
	if err != nil {
		return err
	}

	chosen := e.policy.ChooseLauncherUpdate(candidates, e.cfg.RuntimeVersion, selection.Filters{})
	if chosen == nil {
		return fmt.Errorf("reload: no launchable update available")
	}

	_, launchAssetKey, err := e.cat.ListAssetsForUpdate(ctx, chosen.ID)
	if err != nil {
		return err
	}
	if launchAssetKey == "" {
		return fmt.Errorf("reload: update %s has no launch asset", chosen.ID)
	}

	assetPath := e.store.Path(launchAssetKey)
	if err := e.host.SetJSBundleFile(assetPath); err != nil {
		e.logger.Warn("host reflection to set JS bundle path failed, reload will still report success", "error", err)
	}
	if err := e.host.Restart(); err != nil {
		return fmt.Errorf("reload: host restart failed: %w", err)
	}

	e.machine.Send(statemachine.Event{Type: statemachine.EventRestart})
	e.watchdog.StartWatching(ctx, chosen.ID)

	go e.runReaper(context.Background(), chosen.ID)
	return nil
}

func (e *Engine) runReaper(ctx context.Context, launchedID string) {
	all, err := e.cat.ListUpdates(ctx, e.cfg.ScopeKey)
	if err != nil {
		e.logger.Warn("reaper: failed to list updates", "error", err)
		return
	}
	newest := selection.DefaultPolicy{}.ChooseLauncherUpdate(all, e.cfg.RuntimeVersion, selection.Filters{})
	newestID := ""
	if newest != nil {
		newestID = newest.ID
	}
	reapable := selection.DefaultPolicy{}.Reapable(all, launchedID, newestID)
	for _, u := range reapable {
		if err := e.cat.DeleteUpdate(ctx, u.ID); err != nil {
			e.logger.Warn("reaper: failed to delete update", "update_id", u.ID, "error", err)
		}
	}
}

// GetExtraParams returns the engine's persisted key-value metadata.
func (e *Engine) GetExtraParams(ctx context.Context) (map[string]string, error) {
	return e.cat.GetExtraParams(ctx)
}

// SetExtraParam sets (or, with value "", clears) a persisted key.
func (e *Engine) SetExtraParam(ctx context.Context, key, value string) error {
	return e.cat.SetExtraParam(ctx, key, value)
}

// StateMachine exposes the engine's state machine for subscription by
// devbridge/telemetry observers.
func (e *Engine) StateMachine() *statemachine.Machine { return e.machine }

// Catalog exposes the engine's catalog handle for host introspection
// (status CLIs, health checks).
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// ReportFatalError is the host's error-stream subscription point: call
// this the moment the host app observes a fatal JS error. If it
// arrives within the currently launched update's success timeout, the
// watchdog records the failed launch immediately and attempts recovery
// (rollback to embedded, then relaunch, then a fatal exception) rather
// than waiting for the timeout to decide the outcome on its own.
func (e *Engine) ReportFatalError(ctx context.Context, reason string) {
	if e.watchdog == nil {
		return
	}
	e.watchdog.ReportFatalError(ctx, reason)
}

// errorrecovery.Actions implementation: the engine is its own recovery
// action surface, since Reload/embedded-rollback/fatal-exit all need
// the same subsystems the façade already owns.

// Relaunch satisfies errorrecovery.Actions.
func (e *Engine) Relaunch(ctx context.Context) error {
	return e.Reload(ctx)
}

// RollBackToEmbedded satisfies errorrecovery.Actions.
func (e *Engine) RollBackToEmbedded(ctx context.Context) error {
	if !e.cfg.HasEmbeddedUpdate {
		return fmt.Errorf("rollback to embedded: no embedded update present")
	}
	if err := e.host.SetJSBundleFile(""); err != nil {
		e.logger.Warn("host reflection to clear JS bundle path failed", "error", err)
	}
	return e.host.Restart()
}

// ThrowException satisfies errorrecovery.Actions: it is the one path
// by which a post-launch failure is allowed to crash the host process.
func (e *Engine) ThrowException(reason string) {
	e.logger.Error("unrecoverable post-launch failure", "reason", reason)
	panic(reason)
}

// Close releases the engine's catalog handle and stops its background
// goroutines.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.machine != nil {
		e.machine.Stop()
	}
	if e.cat != nil {
		return e.cat.Close()
	}
	return nil
}
