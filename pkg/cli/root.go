// Package cli implements the tablewatch command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/tablewatch/pkg/config"
)

const (
	// Version is the current version of tablewatch
	Version = "0.3.0"

	// ConfigDirEnv overrides --config-dir.
	ConfigDirEnv = "TABLEWATCH_CONFIG_DIR"
)

// Config holds the global state of one CLI invocation.
type Config struct {
	ConfigDir string
	Debug     bool

	// Settings is loaded from config.yaml in ConfigDir.
	Settings *config.Config
	Logger   *slog.Logger
}

// GlobalConfig is the shared configuration instance
var GlobalConfig = &Config{}

// NewRootCommand creates the root cobra command for tablewatch
func NewRootCommand() *cobra.Command {
	GlobalConfig = &Config{}

	cmd := &cobra.Command{
		Use:   "tablewatch",
		Short: "tablewatch - change-driven update scheduling for tabular data",
		Long: `tablewatch fingerprints a table after every mutation, works out which
columns changed and schedules debounced updates for the subscribers that
depend on them.

The CLI replays scripted scenarios against the scheduler on a simulated
clock, validates scenario files and inspects the event journal.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			GlobalConfig.Logger = newLogger(GlobalConfig.Debug, cmd.ErrOrStderr())
			return nil
		},
	}

	// Persistent flags (available to all subcommands)
	cmd.PersistentFlags().BoolVar(&GlobalConfig.Debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&GlobalConfig.ConfigDir, "config-dir", "", "Configuration directory (default: ~/.tablewatch)")

	cmd.AddCommand(NewSimulateCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewJournalCommand())

	return cmd
}

// newLogger returns a debug text logger on w, or a logger that only reports
// errors when debug is off.
func newLogger(debug bool, w io.Writer) *slog.Logger {
	if !debug {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}))
}

// initConfig resolves the config directory and loads config.yaml from it,
// creating both on first use.
func initConfig() error {
	GlobalConfig.ConfigDir = GetConfigDir()
	settings, err := config.LoadDir(GlobalConfig.ConfigDir)
	if err != nil {
		return err
	}
	GlobalConfig.Settings = settings
	return nil
}

// GetConfigDir returns the configuration directory path
// Priority order: 1) TABLEWATCH_CONFIG_DIR env var, 2) --config-dir, 3) ~/.tablewatch
func GetConfigDir() string {
	if envDir := os.Getenv(ConfigDirEnv); envDir != "" {
		return envDir
	}
	if GlobalConfig.ConfigDir != "" {
		return GlobalConfig.ConfigDir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir cannot be determined
		return ".tablewatch"
	}
	return filepath.Join(homeDir, ".tablewatch")
}

// defaultJournalPath is used when neither a flag nor config.yaml names one.
func defaultJournalPath() string {
	if GlobalConfig.Settings != nil && GlobalConfig.Settings.JournalPath != "" {
		return GlobalConfig.Settings.JournalPath
	}
	return filepath.Join(GetConfigDir(), "journal.db")
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}
