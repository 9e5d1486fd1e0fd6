// Tuyalan is a LAN control utility for Tuya-protocol IoT devices.
//
// It discovers devices via their UDP presence broadcasts, speaks the local
// TCP protocol (versions 3.1 through 3.5) and exposes the device data
// points for scripting and live watching. Device credentials are kept in a
// small YAML registry so the local key is entered once.
//
// Usage:
//
//	tuyalan [command] [flags]
//
// See 'tuyalan --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quendro/tuyalan/internal/logging"
	"github.com/quendro/tuyalan/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tuyalan",
	Short: "Tuya LAN device control utility",
	Long: `Control Tuya-protocol IoT devices over the local network.

Discovers devices from their UDP broadcasts, reads and writes data points
over the local TCP protocol, and keeps device credentials in a registry so
the 16-byte local key only has to be entered once.`,
	Version: version.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Silent unless TUYALAN_LOG_LEVEL is set
		return logging.InitializeFromEnv()
	},
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tuyalan %s (commit: %s)\n", version.Version, version.Commit)
	},
}
