// Command hitl runs the human-in-the-loop backend and an interactive client
// that drives it from a terminal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hitl",
		Short: "Human-in-the-loop control plane for agent runs",
		Long: `hitl streams agent runs that pause on tool approvals and client side tools.

"hitl serve" starts the backend. "hitl chat" connects to it, prompts for
approvals and runs client tools locally.`,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildChatCmd())
	return root
}

// logContext returns ctx configured with a Clue logger.
func logContext(ctx context.Context, json, debug bool) context.Context {
	format := log.FormatTerminal
	if json || !log.IsTerminal() {
		format = log.FormatJSON
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
