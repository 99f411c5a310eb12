package cmd

import (
	"github.com/spf13/cobra"

	"github.com/riftline/oprelay/relay"
)

var (
	runRelayCmd = &cobra.Command{
		Use:   "relay",
		Short: "Run relay",
		Long: `Initialize and run the operation relay.

Use --config=path-to-your-config-file. default is=./config/relay.yaml `,
		Run: func(cmd *cobra.Command, args []string) {
			relay.RunWithConfig(config)
		},
	}
)

func init() {
	runRelayCmd.Flags().StringVar(&config, "config", "./config/relay.yaml", "path to relay config file")
	rootCmd.AddCommand(runRelayCmd)
}
