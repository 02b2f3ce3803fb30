package main

import (
	"fmt"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/status"
	"github.com/spf13/cobra"
)

var runnersListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List running backups",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		runners := []status.RunnerInfo{}
		if err := fetchJson(ctx, "/runners", &runners); err != nil {
			log.Fatal(err)
		}

		runnerCount := len(runners)
		runnerPad := fmt.Sprint(len(fmt.Sprint(runnerCount)))

		for index, runner := range runners {
			fmt.Printf("%"+runnerPad+"d: %s\n", index+1, runner.Host)
			fmt.Printf("    Address: %s\n", runner.Address)
			fmt.Printf("    Class: %s\n", runner.Class)
			if runner.Pid != 0 {
				fmt.Printf("    Pid: %d\n", runner.Pid)
			}
			fmt.Printf("    Running for: %s\n", time.Duration(runner.AgeSeconds)*time.Second)
		}
	},
}

func init() {
	runnersCmd.AddCommand(runnersListCmd)
}
