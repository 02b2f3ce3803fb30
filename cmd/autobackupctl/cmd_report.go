package main

import (
	"fmt"
	"os"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/protocol"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report HOST RESULT",
	Short: "Report completion of a backup to the dispatcher",
	Long: `Report completion of a backup to the dispatcher.

RESULT is "success" for a successful backup. Anything else is recorded
as a failure with RESULT as the reason.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		utf16, _ := cmd.Flags().GetBool("utf16")
		imageLog, _ := cmd.Flags().GetString("image-log")

		address, err := configData.DispatcherAddress()
		if err != nil {
			log.Fatal(err)
		}

		msg := protocol.Message{Host: args[0], Result: args[1]}

		if imageLog != "" {
			if err := appendImageLog(imageLog, msg); err != nil {
				log.Warn("append - image log - err:", err)
			}
		}

		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		reporter := &protocol.Reporter{Address: address, UTF16: utf16}
		if err := reporter.Send(ctx, msg); err != nil {
			log.Fatal(err)
		}
	},
}

// Appends the result to the local imaging log.
func appendImageLog(path string, msg protocol.Message) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = fmt.Fprintf(file, "%s %s\n", time.Now().Format("2006-01-02 15:04:05"), msg)
	return err
}

func init() {
	reportCmd.Flags().Bool("utf16", false, "Encode the report as UTF-16LE")
	reportCmd.Flags().String("image-log", "", "Also append the result to this file")
	rootCmd.AddCommand(reportCmd)
}
