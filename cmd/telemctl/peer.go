package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/danmuck/telemd/internal/export"
	"github.com/danmuck/telemd/internal/protocol"
	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/danmuck/telemd/internal/protocol/session"
	"github.com/spf13/cobra"
)

var (
	peerAddr     string
	peerLength   int
	peerValues   string
	peerCount    int
	peerInterval time.Duration
	peerPartial  bool
	peerAttempts int
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Act as a telemetry peer: handshake and stream frames to the ingest port",
	RunE: func(cmd *cobra.Command, args []string) error {
		frames, err := buildFrames(peerValues, peerLength, peerCount)
		if err != nil {
			return err
		}
		p, err := session.NewPeer(session.PeerConfig{
			Address:            peerAddr,
			FrameLength:        len(frames[0]),
			MaxConnectAttempts: peerAttempts,
		})
		if err != nil {
			return err
		}
		ps, err := p.Connect(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer ps.Close()

		out := cmd.OutOrStdout()
		for i, f := range frames {
			if i > 0 && peerInterval > 0 {
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(peerInterval):
				}
			}
			if err := ps.Send(f); err != nil {
				return fmt.Errorf("frame %d: %w", i+1, err)
			}
		}
		fmt.Fprintf(out, "sent %d frames of %d values to %s\n", len(frames), ps.FrameLength(), peerAddr)
		if peerPartial {
			partial := frame.Encode(frames[0])
			if err := ps.WriteRaw(partial[:len(partial)-1]); err != nil {
				return err
			}
			fmt.Fprintf(out, "sent %d byte partial frame\n", len(partial)-1)
		}
		return nil
	},
}

// buildFrames repeats the comma separated values count times, or generates
// length-wide sine samples when no values are given.
func buildFrames(values string, length, count int) ([]frame.Frame, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}
	frames := make([]frame.Frame, count)
	if strings.TrimSpace(values) != "" {
		fields := strings.Split(values, ",")
		base := make(frame.Frame, len(fields))
		for i, field := range fields {
			v, err := export.ParseValue(field)
			if err != nil {
				return nil, fmt.Errorf("value %d: %w", i+1, err)
			}
			base[i] = v
		}
		if length > 0 && length != len(base) {
			return nil, fmt.Errorf("%w: --length %d but %d values", session.ErrFrameLengthMismatch, length, len(base))
		}
		if !frame.ValidLength(len(base)) {
			return nil, fmt.Errorf("%w: %d values", frame.ErrInvalidLength, len(base))
		}
		for i := range frames {
			frames[i] = base.Clone()
		}
		return frames, nil
	}
	if !frame.ValidLength(length) {
		return nil, fmt.Errorf("%w: %d (1-%d)", frame.ErrInvalidLength, length, protocol.MaxFrameLength)
	}
	for i := range frames {
		f := make(frame.Frame, length)
		for j := range f {
			f[j] = math.Sin(float64(i)/10 + float64(j))
		}
		frames[i] = f
	}
	return frames, nil
}

func init() {
	peerCmd.Flags().StringVar(&peerAddr, "addr", "127.0.0.1:8080", "ingest address")
	peerCmd.Flags().IntVarP(&peerLength, "length", "n", 3, "values per frame when generating samples")
	peerCmd.Flags().StringVar(&peerValues, "values", "", "comma separated values sent in every frame")
	peerCmd.Flags().IntVarP(&peerCount, "count", "c", 1, "frames to send")
	peerCmd.Flags().DurationVar(&peerInterval, "interval", 0, "pause between frames")
	peerCmd.Flags().BoolVar(&peerPartial, "partial", false, "finish with a truncated frame")
	peerCmd.Flags().IntVar(&peerAttempts, "attempts", 5, "connect attempts, 0 retries forever")
	rootCmd.AddCommand(peerCmd)
}
