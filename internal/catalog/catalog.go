// Package catalog defines the read-only data sources the streaming core
// consumes: channel configuration and media file locations.
package catalog

import (
	"context"
	"errors"

	"hls-broadcaster/internal/timeline"
)

var (
	// ErrChannelNotFound is returned when no channel has the requested ID.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrMediaNotFound is returned when no media item has the requested ID.
	ErrMediaNotFound = errors.New("media not found")
)

// Media locates a playable file.
type Media struct {
	ID              string `yaml:"id"`
	Path            string `yaml:"path"`
	DurationSeconds int64  `yaml:"duration_seconds"`
}

// ChannelSource returns channel snapshots by ID. Items is shared between
// callers and must not be modified; a changed playlist arrives as a new slice.
type ChannelSource interface {
	Channel(ctx context.Context, id string) (timeline.Channel, error)
}

// MediaSource resolves media IDs to files.
type MediaSource interface {
	Media(ctx context.Context, id string) (Media, error)
}
