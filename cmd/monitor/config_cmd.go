package main

import (
	"fmt"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-amqp"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the monitor configuration",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config %s is valid\n", flags.configPath)
			fmt.Fprintf(out, "  Broker:    %s\n", mmate.SanitizeURL(cfg.Broker.URL))
			fmt.Fprintf(out, "  Reconnect: %s\n", cfg.Reconnect.Policy)
			fmt.Fprintf(out, "  Listen:    %s\n", cfg.Server.Listen)
			fmt.Fprintf(out, "  Channels:  %d\n", len(cfg.Channels))
			for _, ch := range cfg.Channels {
				fmt.Fprintf(out, "    %-20s exchanges=%d queues=%d autoRecovery=%t\n",
					ch.Name, len(ch.Exchanges), len(ch.Queues), ch.AutoRecoveryEnabled())
			}
			return nil
		},
	}

	configCmd.AddCommand(validateCmd)
	return configCmd
}
