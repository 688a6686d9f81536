package main

import (
	"fmt"

	"github.com/danmuck/telemd/internal/control"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service state, active session and buffer sizes",
	RunE: withClient(func(cmd *cobra.Command, args []string, client *control.Client) error {
		st, err := client.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), st)
	}),
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start accepting connections",
	RunE: withClient(func(cmd *cobra.Command, args []string, client *control.Client) error {
		res, err := client.Start(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "running=%t\n", res.Running)
		return nil
	}),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the service and close the active connection",
	RunE: withClient(func(cmd *cobra.Command, args []string, client *control.Client) error {
		res, err := client.Stop(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to stop: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "running=%t\n", res.Running)
		return nil
	}),
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Stop, clear frames and events, then start again",
	RunE: withClient(func(cmd *cobra.Command, args []string, client *control.Client) error {
		res, err := client.Reset(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reset: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "running=%t\n", res.Running)
		return nil
	}),
}

var saveCmd = &cobra.Command{
	Use:   "save [path]",
	Short: "Write the frame buffer as a table on the server host",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, client *control.Client) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		res, err := client.Save(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("failed to save: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %d frames to %s\n", res.Frames, res.Path)
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(statusCmd, startCmd, stopCmd, resetCmd, saveCmd)
}
