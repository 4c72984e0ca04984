package cmd

import (
	"context"
	"fmt"

	updatesengine "github.com/tomekzaw/expo-updates-engine"
	"github.com/tomekzaw/expo-updates-engine/internal/logging"
)

// cliHostReloader is a no-op HostReloader for operator-driven CLI use,
// where there is no running JS host to hand a bundle path to.
type cliHostReloader struct{}

func (cliHostReloader) SetJSBundleFile(path string) error {
	fmt.Println("would set JS bundle file:", path)
	return nil
}

func (cliHostReloader) Restart() error {
	fmt.Println("would restart host JS runtime")
	return nil
}

func buildEngine(ctx context.Context, configPath string) (*updatesengine.Engine, error) {
	cfg, err := updatesengine.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	engine, err := updatesengine.NewEngine(cfg, cliHostReloader{}, logger)
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}
