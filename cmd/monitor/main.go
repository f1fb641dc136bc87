package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-amqp/internal/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	envFile    string
	debug      bool
}

func (f *globalFlags) load() (*config.Config, error) {
	if err := config.LoadEnv(f.envFile); err != nil {
		return nil, err
	}
	return config.Load(f.configPath)
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-monitor",
		Short: "Watch AMQP connection failures and recovery",
		Long: `Mmate Monitor connects to a RabbitMQ broker, declares a topology and
reports every connection failure, interruption, reconnect and recovery.
It serves Prometheus metrics and a health endpoint while it runs.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "mmate.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional .env file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(newWatchCmd(flags))
	rootCmd.AddCommand(newClassifyCmd())
	rootCmd.AddCommand(newConfigCmd(flags))

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
