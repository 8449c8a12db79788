// Package cmd provides the CLI commands for warden.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matrix-warden/warden/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - policy-synchronization moderation daemon for Matrix",
	Long: `warden subscribes to policy rooms whose state events encode ban and
allow rules, and projects those rules onto a set of protected rooms by
issuing member bans, server ACL updates, and message redactions.
Operators drive it through a management room.

Quick start:
  1. Create a config file: warden.yaml
  2. Run: warden start

Configuration:
  Config is loaded from warden.yaml in the current directory,
  $HOME/.warden/, or /etc/warden/.

  Environment variables override config values with the WARDEN_ prefix.
  Example: WARDEN_HOMESERVER_ACCESS_TOKEN=...

Commands:
  start       Start the daemon
  config      Print the effective configuration
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./warden.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
