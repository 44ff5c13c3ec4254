package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/corvid-labs/airlink/internal/logger"
)

const programName = "airlink-host"

var (
	flagLogLevel string
	flagConfig   string
)

var rootCmd = &cobra.Command{
	Use:   programName,
	Short: "airlink host: captures, encodes, and streams a desktop session",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Init()
		if flagLogLevel != "" {
			if err := logger.SetLevel(flagLogLevel); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
		}
		return nil
	},
}

func init() {
	viper.SetEnvPrefix("AIRLINK")

	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a config file (YAML)")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(serveCmd, keygenCmd, versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
