package storage

import (
	"context"
	"errors"

	"channel-relay/internal/models"
)

// ErrNotFound is returned when no channel carries the requested number.
var ErrNotFound = errors.New("channel not found")

// Repository exposes the read-only catalog lookups required by the relay:
// channels with their ordered streams, the owning accounts and profiles, and
// the channel's stream profile.
type Repository interface {
	Ping(ctx context.Context) error
	ChannelByNumber(ctx context.Context, number int) (models.Channel, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	Close(ctx context.Context) error
}
