package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate is a session gateway in front of an identity service",
	Long: `A session gateway that keeps identity service tokens server-side, refreshes them
transparently and decides which signed-in users may use the administrator API.
Complete documentation is available at https://github.com/jmcleod/tollgate`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML config file (defaults to $TOLLGATE_CONFIG)")
}
