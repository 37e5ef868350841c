// Package main provides the entry point for the wave CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/wave/internal/config"
	"github.com/metalagman/wave/internal/project"
	"github.com/metalagman/wave/internal/store"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the current directory as a wave project",
		Long:  "Initialize a wave project by creating the .wave directory, installing a default config and registering the project in the global registry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}

			waveDir := filepath.Join(root, store.WaveDir)
			log.Info().Str("dir", waveDir).Msg("creating wave directory")
			if err := os.MkdirAll(filepath.Join(waveDir, "tasks"), 0o755); err != nil {
				return fmt.Errorf("create tasks dir: %w", err)
			}

			configPath := filepath.Join(waveDir, "config.json")
			if _, err := os.Stat(configPath); err == nil {
				log.Info().Msg("config.json already exists, skipping")
			} else {
				log.Info().Str("path", configPath).Msg("installing default config")
				data, err := json.MarshalIndent(config.Default(), "", "  ")
				if err != nil {
					return fmt.Errorf("encode default config: %w", err)
				}
				if err := os.WriteFile(configPath, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
			}

			registry, err := newRegistry()
			if err != nil {
				return err
			}
			p, err := registry.Resolve(project.Query{Root: root}, time.Now())
			if err != nil {
				return err
			}
			log.Info().Str("root", p.Root).Str("slug", p.Slug).Msg("project registered")
			return nil
		},
	}
}
