package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "presscore",
	Short: "Process control for heated presses on a DCON bus",
	Long: `presscore drives a bank of hydraulic heated presses over an RS-485 DCON bus.

Every press runs its program, temperature and pressure loops and a safety
interlock; operators use the front panel, the REST API, WebSocket or gRPC.

Commands:
  run     start the controller
  probe   identify every configured module
  token   issue an operator token`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Development logging")
}

func newLogger() (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
