package errorrecovery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
)

type fakeActions struct {
	mu               sync.Mutex
	relaunchCalls    int
	rollbackCalls    int
	rollbackErr      error
	thrownExceptions []string
}

func (f *fakeActions) Relaunch(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relaunchCalls++
	return nil
}

func (f *fakeActions) RollBackToEmbedded(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbackCalls++
	return f.rollbackErr
}

func (f *fakeActions) ThrowException(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thrownExceptions = append(f.thrownExceptions, reason)
}

func (f *fakeActions) snapshot() (relaunch, rollback int, thrown []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relaunchCalls, f.rollbackCalls, append([]string(nil), f.thrownExceptions...)
}

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "expo-updates.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func TestWatchdog_SuccessfulLaunchStopsTimerBeforeTimeout(t *testing.T) {
	cat := openTestCatalog(t)
	actions := &fakeActions{}
	w := New(cat, actions, 30*time.Millisecond, nil)

	w.StartWatching(context.Background(), "update-1")
	require.NoError(t, w.MarkSuccessfulLaunchForLaunchedUpdate(context.Background()))

	time.Sleep(60 * time.Millisecond)

	relaunch, rollback, thrown := actions.snapshot()
	assert.Zero(t, relaunch)
	assert.Zero(t, rollback)
	assert.Empty(t, thrown)
}

func TestWatchdog_TimeoutWithoutFatalErrorMarksSuccessInsteadOfRollingBack(t *testing.T) {
	cat := openTestCatalog(t)
	actions := &fakeActions{}
	w := New(cat, actions, 20*time.Millisecond, nil)

	w.StartWatching(context.Background(), "update-2")
	time.Sleep(80 * time.Millisecond)

	relaunch, rollback, thrown := actions.snapshot()
	assert.Zero(t, relaunch, "no fatal error was reported, so the timeout must not trigger recovery")
	assert.Zero(t, rollback, "no fatal error was reported, so the timeout must not trigger recovery")
	assert.Empty(t, thrown)
}

func TestWatchdog_TimeoutDefersWhileRemoteUpdateIsLoading(t *testing.T) {
	cat := openTestCatalog(t)
	actions := &fakeActions{}
	w := New(cat, actions, 20*time.Millisecond, nil)

	w.SetRemoteLoadStatus(RemoteLoadLoading)
	w.StartWatching(context.Background(), "update-3")
	time.Sleep(80 * time.Millisecond)

	relaunch, rollback, thrown := actions.snapshot()
	assert.Zero(t, relaunch)
	assert.Zero(t, rollback)
	assert.Empty(t, thrown)
}

func TestWatchdog_ReportFatalErrorMarksFailedAndRollsBack(t *testing.T) {
	cat := openTestCatalog(t)
	actions := &fakeActions{}
	w := New(cat, actions, time.Hour, nil)

	w.StartWatching(context.Background(), "update-4")
	w.ReportFatalError(context.Background(), "segfault in native module")

	_, rollback, _ := actions.snapshot()
	assert.Equal(t, 1, rollback)

	// The success timer was stopped by the fatal error report, so it
	// must not fire a second, conflicting resolution afterwards.
	time.Sleep(20 * time.Millisecond)
	relaunch, rollbackAfter, _ := actions.snapshot()
	assert.Zero(t, relaunch)
	assert.Equal(t, 1, rollbackAfter)
}

func TestWatchdog_ReportFatalErrorRollbackFailureFallsBackToRelaunch(t *testing.T) {
	cat := openTestCatalog(t)
	actions := &fakeActions{rollbackErr: assert.AnError}
	w := New(cat, actions, time.Hour, nil)

	w.StartWatching(context.Background(), "update-5")
	w.ReportFatalError(context.Background(), "fatal JS exception")

	relaunch, rollback, _ := actions.snapshot()
	assert.Equal(t, 1, rollback)
	assert.Equal(t, 1, relaunch)
}

func TestWatchdog_MarkFailedLaunchIsImmediateAndDoesNotTriggerRecovery(t *testing.T) {
	cat := openTestCatalog(t)
	actions := &fakeActions{}
	w := New(cat, actions, time.Hour, nil)

	w.StartWatching(context.Background(), "update-6")
	require.NoError(t, w.MarkFailedLaunchForLaunchedUpdate(context.Background()))

	// MarkFailedLaunchForLaunchedUpdate only records the outcome; unlike
	// ReportFatalError, it does not itself drive rollback/relaunch.
	time.Sleep(20 * time.Millisecond)
	relaunch, rollback, _ := actions.snapshot()
	assert.Zero(t, relaunch)
	assert.Zero(t, rollback)
}

func TestWatchdog_ResolvedOutcomeCannotBeOverridden(t *testing.T) {
	cat := openTestCatalog(t)
	actions := &fakeActions{}
	w := New(cat, actions, time.Hour, nil)

	w.StartWatching(context.Background(), "update-7")
	require.NoError(t, w.MarkSuccessfulLaunchForLaunchedUpdate(context.Background()))

	w.ReportFatalError(context.Background(), "late error after success was already recorded")

	_, rollback, _ := actions.snapshot()
	assert.Zero(t, rollback, "an outcome already resolved must not be re-decided")
}
