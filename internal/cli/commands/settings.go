package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"branchorigin/internal/config"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show global settings",
	Long: `Shows the config directory, the store file of the selected project, and the
global settings in effect.`,
	Args: cobra.NoArgs,
	RunE: runSettings,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a global setting",
	Long: `Changes one global setting and saves it to the settings file.

Keys:
  log_level     trace, debug, info, warn, off
  busy_timeout  SQLite busy timeout in milliseconds (0 = default)
  pool_size     concurrent origin lookups`,
	Args: cobra.ExactArgs(2),
	RunE: runSettingsSet,
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func runSettings(cmd *cobra.Command, args []string) error {
	storePath, err := config.StorePath(projectPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config dir:   %s\n", config.ConfigDir())
	fmt.Fprintf(out, "Store:        %s\n", storePath)
	fmt.Fprintf(out, "log_level:    %s\n", settings.LogLevel)
	fmt.Fprintf(out, "busy_timeout: %d\n", settings.BusyTimeout)
	fmt.Fprintf(out, "pool_size:    %d\n", settings.PoolSize)
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	updated := *settings

	switch key {
	case "log_level":
		switch strings.ToLower(value) {
		case "trace", "debug", "info", "warn", "off":
			updated.LogLevel = strings.ToLower(value)
		default:
			return fmt.Errorf("invalid log level %q", value)
		}
	case "busy_timeout", "pool_size":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s %q: must be a non-negative integer", key, value)
		}
		if key == "busy_timeout" {
			updated.BusyTimeout = n
		} else {
			updated.PoolSize = n
		}
	default:
		return fmt.Errorf("unknown setting %q", key)
	}

	updated.ApplyDefaults()
	if err := config.SaveSettings(&updated); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	settings = &updated
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", key)
	return nil
}
