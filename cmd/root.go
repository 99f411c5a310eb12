package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/relay.yaml"
	rootCmd = &cobra.Command{
		Use:   "oprelay",
		Short: "Account-abstraction operation relay",
		Long: `Relay signed user operations to an upstream bundler and manage
gas sponsorship. Run "oprelay relay" to start the combined service.
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/relay.yaml", "Path to config file")
}
