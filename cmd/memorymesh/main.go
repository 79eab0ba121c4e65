package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	tenantID   string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:           "memorymesh",
	Short:         "Durable, searchable conversational memory",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/memorymesh/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", os.Getenv("MEMORYMESH_TENANT"), "tenant ID sent as X-Tenant-ID")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
