// Package cli wires the engram commands.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/logging"
	"github.com/engramlabs/engram/internal/manager"
	"github.com/sirupsen/logrus"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Tiered memory store with biologically-inspired retention",
	Long: "Engram stores memories across short-, middle-, and long-term tiers.\n" +
		"Memories strengthen with access, decay with neglect, and consolidate\n" +
		"upward during background maintenance cycles.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./engram.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// setup loads config, builds the logger, and initializes a manager. Every
// command goes through it; the caller must Shutdown.
func setup(ctx context.Context) (*manager.Manager, *config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	mgr, err := manager.New(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := mgr.Initialize(ctx); err != nil {
		return nil, nil, nil, err
	}
	return mgr, cfg, log, nil
}
