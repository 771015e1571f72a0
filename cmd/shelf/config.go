package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/docshelf/internal/config"
	"github.com/mschirtzinger/docshelf/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file and SHELF_*
environment variables. Secrets are masked unless --show-secrets is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		secrets, _ := cmd.Flags().GetBool("show-secrets")

		c := cfg
		if !secrets {
			c = cfg.Redacted()
		}
		data, err := c.Encode(format)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show which config file is used and where files are searched",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if cfg.Source != "" {
			fmt.Fprintf(out, "%s Using %s\n", ui.RenderPass("✓"), cfg.Source)
		} else {
			fmt.Fprintf(out, "%s No config file found, using defaults\n", ui.RenderWarn("⚠"))
		}
		fmt.Fprintf(out, "\nSearched for %s.{yaml,toml,json} in:\n", config.FileName)
		for _, dir := range config.SearchPaths() {
			fmt.Fprintf(out, "  %s\n", dir)
		}
		fmt.Fprintf(out, "\nKeys (override with %s_<KEY>, dots as underscores):\n", config.EnvVarPrefix)
		for _, k := range config.Keys() {
			fmt.Fprintf(out, "  %s\n", k)
		}
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "yaml", "output format (yaml or toml)")
	configShowCmd.Flags().Bool("show-secrets", false, "print secret values")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
