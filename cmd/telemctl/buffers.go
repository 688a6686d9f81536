package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/telemd/internal/buffer"
	"github.com/danmuck/telemd/internal/control"
	"github.com/danmuck/telemd/internal/export"
	"github.com/spf13/cobra"
)

var (
	eventsSince  uint64
	eventsFollow bool

	framesOffset int
	framesLimit  int
	framesCols   bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the event history, optionally following new events",
	RunE: withClient(func(cmd *cobra.Command, args []string, client *control.Client) error {
		out := cmd.OutOrStdout()
		if !eventsFollow {
			events, err := client.Events(cmd.Context(), eventsSince)
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}
			for _, ev := range events {
				fmt.Fprintln(out, ev.String())
			}
			return nil
		}
		return client.StreamEvents(cmd.Context(), eventsSince, func(ev buffer.Event) {
			fmt.Fprintln(out, ev.String())
		})
	}),
}

var framesCmd = &cobra.Command{
	Use:   "frames",
	Short: "Print buffered frames",
	RunE: withClient(func(cmd *cobra.Command, args []string, client *control.Client) error {
		total, frames, err := client.Frames(cmd.Context(), framesOffset, framesLimit)
		if err != nil {
			return fmt.Errorf("failed to list frames: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(cmd.ErrOrStderr(), "frames %d-%d of %d\n", framesOffset, framesOffset+len(frames), total)
		if !framesCols {
			return export.WriteTable(out, frames)
		}
		for i, col := range export.Columns(frames) {
			values := make([]string, len(col))
			for j, v := range col {
				values[j] = export.FormatValue(v)
			}
			fmt.Fprintf(out, "value[%d]: %s\n", i, strings.Join(values, ","))
		}
		return nil
	}),
}

func init() {
	eventsCmd.Flags().Uint64Var(&eventsSince, "since", 0, "only events after this sequence number")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "stream new events until interrupted")
	framesCmd.Flags().IntVar(&framesOffset, "offset", 0, "first frame index")
	framesCmd.Flags().IntVar(&framesLimit, "limit", 100, "maximum frames to fetch")
	framesCmd.Flags().BoolVar(&framesCols, "columns", false, "print one series per value index instead of the table")
	rootCmd.AddCommand(eventsCmd, framesCmd)
}
