package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MickyRosa/VisTrain2.0/internal/config"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "teststand",
	Short:         "Locomotive roller test stand controller",
	Long:          `teststand controls a model locomotive on a roller test stand through an RMX command station and records the speed profile measured by the wheel sensor.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration (default $TESTSTAND_CONFIG or ./teststand.yaml)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, logging.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return cfg, log, nil
}
