package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matrix-warden/warden/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration the daemon would start with, after config
file, environment overrides, and defaults are applied. The access token is
masked.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if cfg.Homeserver.AccessToken != "" {
			cfg.Homeserver.AccessToken = "<redacted>"
		}
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return encoder.Close()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
