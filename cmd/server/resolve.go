package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"hls-broadcaster/internal/catalog"
	"hls-broadcaster/internal/platform/config"
	"hls-broadcaster/internal/timeline"
)

type resolveOutput struct {
	ChannelID string             `json:"channel_id"`
	At        time.Time          `json:"at"`
	Status    string             `json:"status"`
	Position  *timeline.Position `json:"position,omitempty"`
}

func resolveCommand(settings *config.Settings) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "resolve <channel-id>",
		Short: "Print what a channel has on air at an instant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				when = t
			}
			cat, err := catalog.LoadFile(settings.CatalogPath, nil)
			if err != nil {
				return err
			}
			return printResolution(cmd.Context(), cmd.OutOrStdout(), cat, args[0], when)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Instant to resolve (RFC3339); defaults to now")
	return cmd
}

func printResolution(ctx context.Context, w io.Writer, channels catalog.ChannelSource, channelID string, at time.Time) error {
	ch, err := channels.Channel(ctx, channelID)
	if err != nil {
		return err
	}
	state := timeline.Resolve(ch, at)
	out := resolveOutput{ChannelID: channelID, At: at.UTC(), Status: state.Status.String()}
	if state.Playing() {
		out.Position = &state.Position
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
