// Package selection implements the three pure, side-effect-free
// decision functions that pick which stored update to run:
// chooseLauncherUpdate, shouldLoadNewUpdate, shouldLoadRollbackDirective,
// plus the reaper predicate and its development variant. Each axis is
// a swappable strategy object so a host can override one without
// affecting the others.
package selection

import (
	"sort"

	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
)

// Filters is the server-driven manifestFilters predicate set evaluated
// against an UpdateEntity's own ManifestFilters.
type Filters map[string]string

// Satisfies reports whether candidate filters satisfy f: every key
// present in f must be present and equal in candidate.
func (f Filters) Satisfies(candidate map[string]string) bool {
	for k, v := range f {
		if candidate[k] != v {
			return false
		}
	}
	return true
}

// LauncherPolicy picks the best stored update to launch.
type LauncherPolicy interface {
	ChooseLauncherUpdate(candidates []*catalog.UpdateEntity, runtimeVersion string, filters Filters) *catalog.UpdateEntity
}

// LoaderPolicy decides whether a freshly-fetched manifest or directive
// is worth loading over what is currently launched.
type LoaderPolicy interface {
	ShouldLoadNewUpdate(candidate, currentlyLaunched *catalog.UpdateEntity, filters Filters) bool
	ShouldLoadRollbackDirective(directiveCommitTime int64, embedded, currentlyLaunched *catalog.UpdateEntity, filters Filters) bool
}

// ReaperPolicy decides which stored updates are eligible for deletion.
type ReaperPolicy interface {
	Reapable(all []*catalog.UpdateEntity, currentlyLaunchedID string, newestLaunchableID string) []*catalog.UpdateEntity
}

// DefaultPolicy implements the default selection behavior.
type DefaultPolicy struct{}

// ChooseLauncherUpdate picks, among candidates whose runtimeVersion
// matches the binary and whose ManifestFilters are satisfied by
// filters, the one with the largest CommitTime, breaking ties by id
// lexicographically. An update with FailedLaunchCount >= 1 and
// SuccessfulLaunchCount == 0 is excluded.
func (DefaultPolicy) ChooseLauncherUpdate(candidates []*catalog.UpdateEntity, runtimeVersion string, filters Filters) *catalog.UpdateEntity {
	eligible := make([]*catalog.UpdateEntity, 0, len(candidates))
	for _, c := range candidates {
		if c.RuntimeVersion != runtimeVersion && !c.IsEmbedded() {
			continue
		}
		if !filters.Satisfies(c.ManifestFilters) {
			continue
		}
		if c.FailedLaunchCount >= 1 && c.SuccessfulLaunchCount == 0 {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CommitTime.Equal(eligible[j].CommitTime) {
			return eligible[i].CommitTime.After(eligible[j].CommitTime)
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0]
}

// ShouldLoadNewUpdate is true iff candidate.CommitTime is strictly
// newer than currentlyLaunched.CommitTime under the filters.
func (DefaultPolicy) ShouldLoadNewUpdate(candidate, currentlyLaunched *catalog.UpdateEntity, filters Filters) bool {
	if candidate == nil {
		return false
	}
	if !filters.Satisfies(candidate.ManifestFilters) {
		return false
	}
	if currentlyLaunched == nil {
		return true
	}
	return candidate.CommitTime.After(currentlyLaunched.CommitTime)
}

// ShouldLoadRollbackDirective is true iff the directive's commit time
// is strictly newer than currentlyLaunched's and the embedded update
// satisfies filters.
func (DefaultPolicy) ShouldLoadRollbackDirective(directiveCommitTimeMs int64, embedded, currentlyLaunched *catalog.UpdateEntity, filters Filters) bool {
	if embedded == nil || !filters.Satisfies(embedded.ManifestFilters) {
		return false
	}
	if currentlyLaunched == nil {
		return true
	}
	return directiveCommitTimeMs > currentlyLaunched.CommitTime.UnixMilli()
}

// Reapable keeps the currently-launched update, the newest launchable
// update, and the embedded update; everything else older than the
// newest launchable is eligible for deletion.
func (DefaultPolicy) Reapable(all []*catalog.UpdateEntity, currentlyLaunchedID, newestLaunchableID string) []*catalog.UpdateEntity {
	var newest *catalog.UpdateEntity
	for _, u := range all {
		if u.ID == newestLaunchableID {
			newest = u
		}
	}

	var out []*catalog.UpdateEntity
	for _, u := range all {
		if u.ID == currentlyLaunchedID || u.ID == newestLaunchableID || u.IsEmbedded() {
			continue
		}
		if newest != nil && !u.CommitTime.Before(newest.CommitTime) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// DevReaperPolicy keeps all updates except the currently-launched one,
// for use by a development client that wants every downloaded update
// retained for manual switching.
type DevReaperPolicy struct{}

func (DevReaperPolicy) Reapable(all []*catalog.UpdateEntity, currentlyLaunchedID, _ string) []*catalog.UpdateEntity {
	var out []*catalog.UpdateEntity
	for _, u := range all {
		if u.ID == currentlyLaunchedID || u.IsEmbedded() {
			continue
		}
		out = append(out, u)
	}
	return out
}
