package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis publishes over Redis Pub/Sub so every API node can serve streams for
// any subject.
type Redis struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: DefaultPrefix,
		logger: logger,
	}
}

func (b *Redis) channel(subjectID string) string {
	return b.prefix + subjectID
}

func (b *Redis) Publish(ctx context.Context, subjectID string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(subjectID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", subjectID, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, subjectID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(subjectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subjectID, err)
	}
	sub := &redisSub{
		pubsub: pubsub,
		out:    make(chan []byte, subscriberBuffer),
		stop:   make(chan struct{}),
	}
	go sub.forward(pubsub.Channel(), b.logger.With().Str("subject", subjectID).Logger())
	return sub, nil
}

func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Redis) Close() error {
	return b.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	out    chan []byte
	stop   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSub) forward(in <-chan *redis.Message, logger zerolog.Logger) {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.stop:
				return
			default:
				logger.Warn().Msg("broker: subscriber too slow, message dropped")
			}
		}
	}
}

func (s *redisSub) Messages() <-chan []byte {
	return s.out
}

func (s *redisSub) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.err = s.pubsub.Close()
	})
	return s.err
}
