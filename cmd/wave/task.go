package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/wave/internal/config"
	"github.com/metalagman/wave/internal/index"
	"github.com/metalagman/wave/internal/logging"
	"github.com/metalagman/wave/internal/store"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect wave tasks",
	}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	return cmd
}

var (
	styleID        = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleTitle     = lipgloss.NewStyle().Bold(true)
	styleDone      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	styleInFlight  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleDimmedRow = lipgloss.NewStyle().Faint(true)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return styleDone
	case "blocked":
		return styleBlocked
	case "in_progress":
		return styleInFlight
	default:
		return styleDimmedRow
	}
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks from the archive index",
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, closeFn, err := openArchive()
			if err != nil {
				return err
			}
			defer closeFn()

			var records []index.Record
			if status != "" {
				records, err = archive.ByStatus(cmd.Context(), status, limit)
			} else {
				records, err = archive.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if len(records) == 0 {
				log.Info().Msg("no tasks")
				return nil
			}
			for _, r := range records {
				line := fmt.Sprintf("%s  %s  %s",
					styleID.Render(r.TaskID),
					statusStyle(r.Status).Render(fmt.Sprintf("%-11s", r.Status)),
					styleTitle.Render(r.Title))
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (to_do|in_progress|completed|blocked)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active task's panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			logger := logging.New(debug, os.Stderr)
			locks := store.NewLockManager(cfg.LockRetry(), cfg.LockTimeout(), logger)
			st := store.New(root, locks, logger)

			raw, _, err := st.ReadPanel(cmd.Context())
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				log.Info().Msg("active task has no panel yet")
				return nil
			}
			if plain {
				fmt.Print(string(raw))
				return nil
			}
			renderer, err := glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(100),
			)
			if err != nil {
				return fmt.Errorf("build renderer: %w", err)
			}
			out, err := renderer.Render(string(raw))
			if err != nil {
				return fmt.Errorf("render panel: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print raw Markdown without styling")
	return cmd
}

func openArchive() (*index.Store, func(), error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, func() {}, err
	}
	dbPath := filepath.Join(root, store.WaveDir, "index.db")
	db, err := index.Open(dbPath, log.Logger)
	if err != nil {
		return nil, func() {}, err
	}
	st := index.NewStore(db)
	return st, func() { _ = st.Close() }, nil
}
