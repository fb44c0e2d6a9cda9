// Package cmd provides the CLI commands for the meanfield demos.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adalundhe/meanfield/core/config"
	"github.com/adalundhe/meanfield/core/engine"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "meanfield",
	Short: "Meanfield - variational Bayesian inference on factor graphs",
	Long: `Meanfield fits conjugate-exponential factor graphs by mean-field
coordinate ascent, with rotation parameter expansion for state-space
models and sqlite checkpointing for long runs.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to YAML config (falls back to "+config.DefaultPath+" when present)")
}

// loadConfig reads the layered configuration and installs the logger it
// describes as the process default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(config.BuildLogger(cfg.Logging))
	return cfg, nil
}

// engineConfig maps the file configuration onto the sweep loop.
func engineConfig(cfg *config.Config) engine.Config {
	ecfg := engine.DefaultConfig()
	ecfg.Tolerance = cfg.Engine.Tolerance
	ecfg.CheckBound = cfg.Engine.CheckBound
	ecfg.RotateEvery = cfg.Rotation.Every
	ecfg.Logger = slog.Default()
	return ecfg
}

// signalContext cancels on SIGINT/SIGTERM so a long fit stops after the
// current sweep instead of mid-update.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nInterrupted. Finishing up...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
