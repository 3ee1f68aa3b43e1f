// Package broker fans push payloads out to every stream watching a subject.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultPrefix is prepended to subject ids to form channel names. Backend
// consumers subscribing with push.RedisDialer use the same prefix.
const DefaultPrefix = "threads:subject:"

const subscriberBuffer = 64

var ErrClosed = errors.New("broker closed")

// Subscription delivers the payloads published for one subject.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type Broker interface {
	Publish(ctx context.Context, subjectID string, payload []byte) error
	Subscribe(ctx context.Context, subjectID string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Local is an in-process broker for single-node deployments and tests. Slow
// subscribers lose messages rather than stall publishers.
type Local struct {
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

func NewLocal(logger zerolog.Logger) *Local {
	return &Local{logger: logger, subs: map[string]map[*localSub]struct{}{}}
}

type localSub struct {
	owner     *Local
	subjectID string
	ch        chan []byte
	once      sync.Once
}

func (s *localSub) Messages() <-chan []byte {
	return s.ch
}

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.owner.remove(s)
	})
	return nil
}

func (b *Local) Publish(_ context.Context, subjectID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[subjectID] {
		select {
		case sub.ch <- payload:
		default:
			b.logger.Warn().Str("subject", subjectID).Msg("broker: subscriber too slow, message dropped")
		}
	}
	return nil
}

func (b *Local) Subscribe(_ context.Context, subjectID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &localSub{owner: b, subjectID: subjectID, ch: make(chan []byte, subscriberBuffer)}
	if b.subs[subjectID] == nil {
		b.subs[subjectID] = map[*localSub]struct{}{}
	}
	b.subs[subjectID][sub] = struct{}{}
	return sub, nil
}

func (b *Local) remove(sub *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[sub.subjectID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.subjectID)
	}
	close(sub.ch)
}

func (b *Local) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every open subscription.
func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for subjectID, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, subjectID)
	}
	return nil
}

// Subscribers reports how many subscriptions watch subjectID.
func (b *Local) Subscribers(subjectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subjectID])
}
