package main

import (
	"fmt"

	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/status"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dispatcher health and metrics",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		health := status.Health{}
		if err := fetchJson(ctx, "/healthz", &health); err != nil {
			log.Fatal(err)
		}

		fmt.Printf("Run: %s\n", health.RunId)
		fmt.Printf("State: %s\n", health.State)
		fmt.Println()

		metrics, err := fetchStatus(ctx, "/metrics")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Print(string(metrics))
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
