// Package buildfingerprint guards against stale catalog state surviving
// a native binary upgrade: if the persisted fingerprint of build-time
// configuration no longer matches the running binary's, the stored
// update catalog is dropped so the engine falls back to the freshly
// embedded update rather than launching an update built for a
// different binary.
package buildfingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
)

// Data is the subset of build-time configuration whose drift should
// invalidate the stored catalog.
type Data struct {
	RuntimeVersion string `json:"runtimeVersion"`
	ScopeKey       string `json:"scopeKey"`
	UpdateURL      string `json:"updateUrl"`
}

// Fingerprint hashes Data deterministically.
func Fingerprint(d Data) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Checker compares the running binary's Data against what was
// persisted the last time the catalog was populated.
type Checker struct {
	cat    *catalog.Catalog
	logger *slog.Logger
}

// New constructs a Checker.
func New(cat *catalog.Catalog, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{cat: cat, logger: logger.With("component", "buildfingerprint")}
}

// EnsureConsistent compares the current Data's fingerprint against the
// one persisted in the catalog. On mismatch it drops all stored
// updates (preserving the embedded update and on-disk asset files) and
// persists the new fingerprint. On first run (no prior fingerprint) it
// simply persists the current one.
func (c *Checker) EnsureConsistent(ctx context.Context, current Data) error {
	currentHash, err := Fingerprint(current)
	if err != nil {
		return err
	}

	stored, err := c.cat.GetBuildFingerprint(ctx)
	if err != nil {
		return err
	}

	if stored == nil {
		c.logger.Info("no prior build fingerprint found, recording current", "hash", currentHash)
		return c.cat.SetBuildFingerprint(ctx, &catalog.BuildFingerprint{
			RuntimeVersion: current.RuntimeVersion,
			ScopeKey:       current.ScopeKey,
			UpdateURL:      current.UpdateURL,
			Hash:           currentHash,
		})
	}

	if stored.Hash == currentHash {
		return nil
	}

	c.logger.Warn("build fingerprint changed, dropping stored updates",
		"previous_hash", stored.Hash, "current_hash", currentHash)

	if err := c.cat.DropAllUpdates(ctx); err != nil {
		return err
	}

	return c.cat.SetBuildFingerprint(ctx, &catalog.BuildFingerprint{
		RuntimeVersion: current.RuntimeVersion,
		ScopeKey:       current.ScopeKey,
		UpdateURL:      current.UpdateURL,
		Hash:           currentHash,
	})
}
