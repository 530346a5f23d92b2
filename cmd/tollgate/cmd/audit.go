package cmd

import "github.com/spf13/cobra"

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Admin audit trail tools",
	Long:  `Commands for verifying exported administrator audit trails.`,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
