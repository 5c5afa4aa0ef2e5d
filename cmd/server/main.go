package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/isdmx/execbox/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "execbox",
	Short: "Sandboxed code execution server",
	Long:  `Runs code snippets in fresh, resource limited containers and returns their output.`,
	// serving is the default action
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default: ./config.yaml or ./config/config.yaml)")
}

// loadConfig reads the file given by --config or searches the default
// locations.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.New()
	}
	return config.Load(viper.New(), configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
