// Package catalog implements the persistent inventory of stored updates
// and assets: UpdateEntity and AssetEntity rows, the UpdateAsset
// many-to-many relation, failed/successful launch counters, and the
// build-fingerprint and extra-params metadata tables.
package catalog

import "time"

// UpdateStatus is the lifecycle state of an UpdateEntity.
type UpdateStatus string

const (
	StatusPending    UpdateStatus = "Pending"
	StatusReady      UpdateStatus = "Ready"
	StatusLaunchable UpdateStatus = "Launchable"
	StatusEmbedded   UpdateStatus = "Embedded"
)

// UpdateEntity identifies one remotely published payload.
type UpdateEntity struct {
	ID                    string
	CommitTime            time.Time
	RuntimeVersion        string
	ScopeKey              string
	Manifest              []byte // opaque JSON document
	Status                UpdateStatus
	FailedLaunchCount     int
	SuccessfulLaunchCount int
	LastAccessedAt        time.Time
	ManifestFilters       map[string]string
}

// IsEmbedded reports whether this row represents the binary-bundled
// fallback update, which is always selectable and never reaped.
func (u *UpdateEntity) IsEmbedded() bool {
	return u.Status == StatusEmbedded
}

// AssetType distinguishes the JS launch bundle from other assets.
type AssetType string

const (
	AssetTypeLaunchAsset AssetType = "launchAsset"
	AssetTypeOther       AssetType = "asset"
)

// AssetEntity is one file referenced by zero or more updates.
type AssetEntity struct {
	Key                   string // content hash, primary lookup
	Type                  string
	URL                   string
	ExpectedHash          string
	DownloadedAt          time.Time
	EmbeddedAssetFilename string // set if shipped in the app binary
	MarkedForDeletion     bool
}

// UpdateAsset is the many-to-many relation between updates and assets.
// Exactly one asset per update has IsLaunchAsset = true.
type UpdateAsset struct {
	UpdateID      string
	AssetKey      string
	IsLaunchAsset bool
}
