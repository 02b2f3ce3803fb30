package main

import (
	"fmt"
	"os"

	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "autobackupctl",
	Short: "Backup dispatcher control command",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetConfigName("autobackupctl.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/autobackup/")
		viper.AddConfigPath("$HOME/.config/autobackup")
		viper.AddConfigPath(".")
		viper.ReadInConfig()

		viper.SetEnvPrefix("autobackup")
		viper.AutomaticEnv()

		config, err := ParseConfig(viper.GetViper())
		if err != nil {
			log.Fatal(err)
		}
		configData = *config

		verbosity, _ := cmd.Flags().GetCount("verbose")
		if verbosity > 0 {
			log.SetLevel(log.DebugLevel)
		}
	},
}

var configData = ControlConfig{}

func main() {
	rootCmd.PersistentFlags().StringP("dispatcher-uri", "d", "tcp://localhost:8172", "Completion listener URI")
	rootCmd.PersistentFlags().StringP("status-uri", "s", "http://localhost:8080", "Status HTTP service URI")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Verbosity (repeatable)")
	viper.BindPFlag("dispatcher_uri", rootCmd.PersistentFlags().Lookup("dispatcher-uri"))
	viper.BindPFlag("status_uri", rootCmd.PersistentFlags().Lookup("status-uri"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
