package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/stratengine/internal/events"
	"github.com/lyzr/stratengine/internal/logging"
)

// Redis is a Bus backed by Redis pub/sub. Exact subscriptions use
// SUBSCRIBE; pattern subscriptions use PSUBSCRIBE with Go-style "*"/"**"
// patterns translated to Redis glob at subscribe time (SPEC_FULL.md §4.4:
// "**" has no segment-boundary equivalent in Redis glob, so it narrows to
// a single trailing "*").
type Redis struct {
	client *redis.Client
	logger *logging.Logger

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	bus    *Redis
	once   sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.pubsub.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// NewRedis wraps an existing *redis.Client as a Bus. A recovered handler
// panic is reported through logger, per spec.md §4.4's delivery-isolation
// clause.
func NewRedis(client *redis.Client, logger *logging.Logger) *Redis {
	return &Redis{client: client, logger: logger, subs: make(map[*redisSubscription]struct{})}
}

func (b *Redis) Publish(ctx context.Context, channel string, event events.Envelope) error {
	event.Channel = channel
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, raw).Err()
}

func (b *Redis) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	return b.listen(ctx, pubsub, handler)
}

func (b *Redis) SubscribePattern(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	redisPattern := toRedisGlob(pattern)
	pubsub := b.client.PSubscribe(ctx, redisPattern)
	return b.listen(ctx, pubsub, handler)
}

func (b *Redis) listen(parent context.Context, pubsub *redis.PubSub, handler Handler) (Subscription, error) {
	if _, err := pubsub.Receive(parent); err != nil {
		pubsub.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, bus: b}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env events.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				func() {
					defer func() {
						// A handler that panics is isolated: logged here, then
						// dropped, so delivery to other subscribers is unaffected
						// (spec.md §4.4).
						if r := recover(); r != nil && b.logger != nil {
							b.logger.WithFields(map[string]any{
								"channel":    env.Channel,
								"event_type": env.Type,
							}).Error("eventbus: subscriber handler panicked", "recovered", fmt.Sprint(r))
						}
					}()
					handler(ctx, env)
				}()
			}
		}
	}()

	return sub, nil
}

func (b *Redis) Close() error {
	b.mu.Lock()
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

// toRedisGlob translates a Go-style "*"/"**" pattern into a Redis PSUBSCRIBE
// glob. "*" maps directly; "**" collapses to "*" since Redis has no
// segment-boundary concept (documented Open Question resolution).
func toRedisGlob(pattern string) string {
	return strings.ReplaceAll(pattern, "**", "*")
}
