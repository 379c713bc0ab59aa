package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmendes/pomosync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "pomosync",
	Short: "Pomosync - local-first pomodoro and task tracker",
	Long: `Pomosync tracks projects, tasks and pomodoro sessions in a local store and
keeps them synchronized with a remote server. Every change lands locally
first; the sync engine pushes it to the server in the background and queues
it while offline.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	serverURL  string
	dbPath     string
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.pomosync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Sync server URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync engine activity to stderr")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(syncCmd)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromHome()
	}
	if err != nil {
		return nil, err
	}

	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
