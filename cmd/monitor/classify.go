package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/transport"
)

func newClassifyCmd() *cobra.Command {
	var (
		channel   bool
		handshake bool
		client    bool
	)

	cmd := &cobra.Command{
		Use:   "classify <reply-code>",
		Short: "Print the failure kind a close with the given reply code maps to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := strconv.Atoi(args[0])
			if err != nil || code < 0 {
				return fmt.Errorf("invalid reply code %q", args[0])
			}
			printClassification(cmd.OutOrStdout(), classifyCode(code, channel, handshake, client))
			return nil
		},
	}

	cmd.Flags().BoolVar(&channel, "channel", false, "The close was scoped to a channel")
	cmd.Flags().BoolVar(&handshake, "handshake", false, "The close happened before the session was established")
	cmd.Flags().BoolVar(&client, "transport", false, "The transport failed underneath the session instead of the broker closing it")

	return cmd
}

type classification struct {
	Code int
	Name string
	Kind mmate.FailureKind
}

func classifyCode(code int, channel, handshake, client bool) classification {
	info := &mmate.CloseInfo{ReplyCode: code, ReplyText: transport.ReplyText(code), Server: !client}
	cond := mmate.Condition{Established: !handshake, Channel: channel, Close: info}
	return classification{
		Code: code,
		Name: transport.ReplyText(code),
		Kind: mmate.Classify(cond),
	}
}

func printClassification(w io.Writer, c classification) {
	fmt.Fprintf(w, "%-6s %-22s %s\n", "Code", "Name", "Kind")
	fmt.Fprintf(w, "%-6d %-22s %s\n", c.Code, c.Name, c.Kind)
}
