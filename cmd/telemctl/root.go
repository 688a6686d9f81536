package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/danmuck/telemd/internal/control"
	"github.com/danmuck/telemd/internal/logging"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "telemctl",
	Short: "Control a telemd ingest service and emulate telemetry peers",
	Long: `telemctl drives a running telemd over its control API: start, stop and
reset ingestion, inspect buffered frames and events, and save the table.
The peer subcommand speaks the ingest protocol directly for testing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
	},
}

type clientRunE func(cmd *cobra.Command, args []string, client *control.Client) error

// withClient builds the control API client for commands that talk to a
// running telemd.
func withClient(run clientRunE) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := control.NewClient(serverAddr, timeout)
		if err != nil {
			return err
		}
		return run(cmd, args, client)
	}
}

// Execute runs the root command. Interrupt cancels the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:9501", "telemd control API address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}
