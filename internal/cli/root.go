// Package cli implements callctl, the operator and test client for a
// callroom server.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var flagServer string

var rootCmd = &cobra.Command{
	Use:   "callctl",
	Short: "Command-line client for a callroom SFU server",
	Long: `callctl talks to a callroom server. It can join a room as a headless peer
that sends synthetic media, load test the signaling path with many peers,
and print the server's room statistics.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "http://localhost:4000", "Server base URL")
}

// Execute runs the root command. Interrupts cancel the command context so
// sessions can leave cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
