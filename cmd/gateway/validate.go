package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/gateway"
	"github.com/fabian4/stagegate/internal/stage"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file",
	Long: `Load the configuration and build every route pipeline without opening
any listener. Exits non-zero on the first error.

Examples:
  gateway validate -c config.yaml`,
	Args: cobra.NoArgs,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	inst, err := gateway.Build(cfg, nil, stage.NewRegistry())
	if err != nil {
		return err
	}
	defer inst.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d entrypoints, %d host groups, %d routes\n",
		len(cfg.Entrypoints), len(cfg.Hosts), len(cfg.Routes))
	return nil
}
