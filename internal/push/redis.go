package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix matches the channels the authority's Redis broker
// publishes on.
const DefaultChannelPrefix = "threads:subject:"

// RedisDialer subscribes straight to the broker channel of a subject. It
// suits backend consumers that sit next to the broker and need no HTTP hop.
type RedisDialer struct {
	Client *redis.Client
	Prefix string
}

func (d RedisDialer) channel(subjectID string) string {
	prefix := d.Prefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + subjectID
}

func (d RedisDialer) Dial(ctx context.Context, subjectID string) (Conn, error) {
	if d.Client == nil {
		return nil, fmt.Errorf("redis dialer: client not configured")
	}
	channel := d.channel(subjectID)
	pubsub := d.Client.Subscribe(ctx, channel)
	// The first reply confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &redisConn{pubsub: pubsub, closed: make(chan struct{})}, nil
}

type redisConn struct {
	pubsub    *redis.PubSub
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func (c *redisConn) ReadMessage(ctx context.Context) ([]byte, error) {
	msg, err := c.pubsub.ReceiveMessage(ctx)
	if err != nil {
		select {
		case <-c.closed:
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		default:
		}
		return nil, fmt.Errorf("receive: %w", err)
	}
	return []byte(msg.Payload), nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	if err := c.pubsub.Ping(ctx); err != nil {
		return fmt.Errorf("ping subscription: %w", err)
	}
	return nil
}

func (c *redisConn) Close(bool) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.pubsub.Close()
	})
	return c.closeErr
}
