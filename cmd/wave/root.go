package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/metalagman/wave/internal/logging"
)

var (
	debug   bool
	rootCmd = &cobra.Command{
		Use:   "wave",
		Short: "wave is a task panel server for AI-assisted work",
	}
)

// Execute runs the root command.
func Execute() error {
	_ = godotenv.Load(".env")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Init(debug)
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	return rootCmd.Execute()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}
