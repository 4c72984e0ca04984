package selection

import (
	"sync"

	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
)

// OneShotPolicy wraps a LauncherPolicy so that a replacement policy set
// via SetNext is used for exactly one ChooseLauncherUpdate call, then
// the wrapper reverts to the previous (default) policy: "next reload
// uses this policy once, then reverts".
type OneShotPolicy struct {
	mu      sync.Mutex
	def     LauncherPolicy
	pending LauncherPolicy
}

// NewOneShotPolicy wraps def as the policy used whenever no one-shot
// override is pending.
func NewOneShotPolicy(def LauncherPolicy) *OneShotPolicy {
	return &OneShotPolicy{def: def}
}

// SetNext arms a one-shot override: the next ChooseLauncherUpdate call
// uses next, then the wrapper reverts to the default policy.
func (o *OneShotPolicy) SetNext(next LauncherPolicy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = next
}

// ResetToDefault clears any pending one-shot override without consuming it.
func (o *OneShotPolicy) ResetToDefault() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
}

// ChooseLauncherUpdate implements LauncherPolicy, consuming any pending
// one-shot override.
func (o *OneShotPolicy) ChooseLauncherUpdate(candidates []*catalog.UpdateEntity, runtimeVersion string, filters Filters) *catalog.UpdateEntity {
	o.mu.Lock()
	policy := o.def
	if o.pending != nil {
		policy = o.pending
		o.pending = nil
	}
	o.mu.Unlock()
	return policy.ChooseLauncherUpdate(candidates, runtimeVersion, filters)
}
