package protect

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrClipUnavailable means the controller reports the clip gone or not
	// yet ready. The pipeline decides between retry and the missing
	// sentinel based on config.
	ErrClipUnavailable = errors.New("clip unavailable")

	// ErrAuth means credentials were rejected after a refresh attempt.
	ErrAuth = errors.New("authentication failed")
)

// Subscription is a live event push stream. C closes when the stream
// drops; Err then reports why. DisconnectedAt is set at close time so the
// ingestor can size its recovery pull window.
type Subscription struct {
	C <-chan EventMessage

	err            error
	disconnectedAt time.Time
	done           chan struct{}
	cancel         context.CancelFunc
}

func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

func (s *Subscription) DisconnectedAt() time.Time {
	<-s.done
	return s.disconnectedAt
}

func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Client is the capability surface this service consumes from the
// controller. The wire protocol stays behind it.
type Client interface {
	// Login establishes (or refreshes) the session.
	Login(ctx context.Context) error

	// GetBootstrap fetches the controller's device inventory.
	GetBootstrap(ctx context.Context) (*Bootstrap, error)

	// Subscribe opens the push event stream.
	Subscribe(ctx context.Context) (*Subscription, error)

	// ListEvents queries event history over [from, to].
	ListEvents(ctx context.Context, from, to time.Time) ([]Event, error)

	// FetchClip streams the clip bytes for an event. Returns
	// ErrClipUnavailable when the controller has nothing to serve.
	FetchClip(ctx context.Context, cameraID string, start, end int64) (io.ReadCloser, error)
}
