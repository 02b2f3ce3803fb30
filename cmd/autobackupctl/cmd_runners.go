package main

import "github.com/spf13/cobra"

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "Commands to inspect running backups",
}

func init() {
	rootCmd.AddCommand(runnersCmd)
}
