package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "stagegate - programmable reverse proxy",
	Long: `stagegate is a reverse proxy whose per-route behavior is a pipeline of
stages: access control, rate limiting, response caching, load balancing and
dispatch to HTTP, file or TCP origins.

Running without a subcommand is the same as "gateway run".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "path to YAML config")
}
