// Package notify delivers operator alerts through a primary transport and
// escalates to a secondary transport when the primary fails.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"camrelay/internal/model"
)

// ErrTransportFailed wraps every transport-level failure.
var ErrTransportFailed = errors.New("notification transport failed")

// Transport sends one event.
type Transport interface {
	Name() string
	Send(ctx context.Context, ev model.Event) error
}

type Option func(*Channel)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// Channel is safe for concurrent use as long as its transports are.
type Channel struct {
	primary   Transport
	secondary Transport
	logger    zerolog.Logger
}

// New builds a channel; secondary may be nil when no fallback is configured.
func New(primary, secondary Transport, opts ...Option) *Channel {
	c := &Channel{
		primary:   primary,
		secondary: secondary,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify reports whether the event got out through either transport. It never
// panics and never returns an error; alerting must not stop the caller.
func (c *Channel) Notify(ctx context.Context, message string, priority model.Priority) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("message", message).Msg("notification panicked")
			ok = false
		}
	}()

	ev := model.Event{Message: message, Priority: priority}

	err := c.send(ctx, c.primary, ev)
	if err == nil {
		return true
	}
	c.logger.Error().Err(err).Stringer("priority", priority).Msg("primary notification failed")

	if c.secondary == nil {
		c.logger.Error().Str("message", message).Msg("no fallback transport, alert dropped")
		return false
	}

	if err := c.send(ctx, c.secondary, ev); err != nil {
		c.logger.Error().Err(err).Stringer("priority", priority).Str("message", message).Msg("fallback notification failed")
		return false
	}
	c.logger.Info().Str("transport", c.secondary.Name()).Msg("notification sent via fallback")
	return true
}

func (c *Channel) send(ctx context.Context, t Transport, ev model.Event) error {
	if t == nil {
		return fmt.Errorf("%w: not configured", ErrTransportFailed)
	}
	if err := t.Send(ctx, ev); err != nil {
		if errors.Is(err, ErrTransportFailed) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrTransportFailed, t.Name(), err)
	}
	return nil
}
