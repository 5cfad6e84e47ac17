package broker

import (
	"context"
	"errors"
	"net"

	"github.com/redis/go-redis/v9"
	"time"
)

// pullStream returns the lazily created server-side subscription. All
// channel and pattern subscriptions of this process share it; the pub-sub
// manager multiplexes local subscribers on top.
func (c *Client) pullStream(ctx context.Context) *redis.PubSub {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub == nil {
		c.sub = c.rdb.Subscribe(ctx)
	}
	return c.sub
}

// Subscribe joins channels on the shared subscription stream. Subscribing
// to an already joined channel is a no-op on the broker side.
func (c *Client) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return c.do(ctx, "subscribe", func(ctx context.Context) error {
		return c.pullStream(ctx).Subscribe(ctx, channels...)
	})
}

// PSubscribe joins glob-style patterns on the shared stream.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	return c.do(ctx, "psubscribe", func(ctx context.Context) error {
		return c.pullStream(ctx).PSubscribe(ctx, patterns...)
	})
}

// Unsubscribe leaves channels on the shared stream.
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return c.do(ctx, "unsubscribe", func(ctx context.Context) error {
		return c.pullStream(ctx).Unsubscribe(ctx, channels...)
	})
}

// PUnsubscribe leaves patterns on the shared stream.
func (c *Client) PUnsubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	return c.do(ctx, "punsubscribe", func(ctx context.Context) error {
		return c.pullStream(ctx).PUnsubscribe(ctx, patterns...)
	})
}

// NextFrame blocks up to timeout for the next subscription frame.
// ErrNoFrame signals an idle tick; any other error means the stream broke
// and the pub-sub manager must resync its subscription set.
func (c *Client) NextFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	ps := c.pullStream(ctx)
	for {
		raw, err := ps.ReceiveTimeout(ctx, timeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrNoFrame
			}
			return nil, err
		}
		switch m := raw.(type) {
		case *redis.Message:
			f := &Frame{
				Type:    FrameMessage,
				Channel: m.Channel,
				Pattern: m.Pattern,
				Payload: []byte(m.Payload),
			}
			if m.Pattern != "" {
				f.Type = FramePMessage
			}
			return f, nil
		case *redis.Subscription, *redis.Pong:
			// Control frames from the broker; keep pulling.
			continue
		default:
			continue
		}
	}
}

// Echo publishes payload on channel through a dedicated one-shot
// subscription and waits for it to come back. Used by the health prober so
// it never interferes with the shared pull stream.
func (c *Client) Echo(ctx context.Context, channel string, payload []byte, timeout time.Duration) error {
	sub := c.rdb.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation before publishing, otherwise
	// the publish can race the subscribe and deliver to nobody.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return err
	}

	deadline := time.After(timeout)
	ch := sub.Channel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return errors.New("broker: echo timed out")
	case msg, ok := <-ch:
		if !ok {
			return errors.New("broker: echo stream closed")
		}
		if msg.Payload != string(payload) {
			return errors.New("broker: echo payload mismatch")
		}
		return nil
	}
}
