package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatflow/api/pkg/logging"
	"chatflow/api/services/conversation"
	"chatflow/api/services/flow"
)

const chatTenant = "local"

var chatCmd = &cobra.Command{
	Use:   "chat <flow-file>",
	Short: "Talk to a flow file in the terminal",
	Long:  `Loads a flow into memory, activates it and runs one conversation over stdin. Type "exit" to quit.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		logger := logging.NewNop()
		if debug {
			var err error
			if logger, err = logging.NewWithWriter(cmd.ErrOrStderr(), "debug", "text"); err != nil {
				return err
			}
		}
		return runChat(cmd.Context(), args[0], cmd.InOrStdin(), cmd.OutOrStdout(), logger)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().Bool("debug", false, "Log engine activity to stderr")
}

func runChat(ctx context.Context, path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	f, err := flow.LoadFile(path)
	if err != nil {
		return err
	}

	flows := flow.NewService(flow.NewMemoryRepository(), logger)
	if _, err := flows.Create(ctx, chatTenant, f); err != nil {
		return err
	}
	engine := conversation.NewEngine(flows, conversation.NewMemoryStore(),
		conversation.WithLogger(logger),
		conversation.WithActions(conversation.NewActionRegistry(logger)),
		conversation.WithIntegrations(conversation.NewIntegrationRegistry(10*time.Second, 2)),
	)
	processor := conversation.NewProcessor(flows, engine, nil, logger)
	if _, err := processor.EnableFlow(ctx, chatTenant, f.ID); err != nil {
		return err
	}

	fmt.Fprintf(out, "--- %s ---\n", f.Name)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			fmt.Fprintln(out, "Bye!")
			return nil
		}

		result, err := processor.ProcessMessage(ctx, chatTenant, "terminal", "cli", line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		printMessages(out, result.Messages)
		if !result.ShouldContinue {
			fmt.Fprintln(out, "(conversation ended, the next message starts over)")
		}
	}
}

func printMessages(out io.Writer, messages []conversation.Message) {
	for _, m := range messages {
		fmt.Fprintln(out, m.Text)
		for i, b := range m.Buttons {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, b.Title)
		}
	}
}
