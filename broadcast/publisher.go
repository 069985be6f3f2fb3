package broadcast

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces broadcast traffic on the shared Redis.
const channelPrefix = "events:"

// Topic names.
func JobTopic(jobID string) string { return "job:" + jobID }

func SessionTopic(session string) string { return "session:" + session }

// Publisher carries a payload to everyone listening on a topic,
// wherever they are connected.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LocalPublisher delivers straight to an in-process registry. Used when
// producer and subscribers share the api process.
type LocalPublisher struct {
	registry *Registry
}

func NewLocalPublisher(registry *Registry) *LocalPublisher {
	return &LocalPublisher{registry: registry}
}

func (p *LocalPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.registry.Deliver(topic, payload)
	return nil
}

// RedisPublisher pushes payloads over Redis pub/sub. Workers use it so
// their updates reach clients connected to the api process.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.rdb.Publish(ctx, channelPrefix+topic, payload).Err()
}

// FanoutPublisher publishes both locally and over the transport. The
// api process uses it so its own clients hear api-originated updates
// without a Redis round trip while other replicas still get them.
// When a relay also feeds the same registry, local subscribers receive
// api-originated events twice (direct and via the transport); delivery
// is at-least-once and clients key on job state, not event count.
type FanoutPublisher struct {
	local     *LocalPublisher
	transport *RedisPublisher
}

func NewFanoutPublisher(local *LocalPublisher, transport *RedisPublisher) *FanoutPublisher {
	return &FanoutPublisher{local: local, transport: transport}
}

func (p *FanoutPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	_ = p.local.Publish(ctx, topic, payload)
	return p.transport.Publish(ctx, topic, payload)
}

// Relay subscribes to the Redis broadcast channels and feeds the local
// registry. Runs in the api process next to the SSE handlers.
type Relay struct {
	rdb      *redis.Client
	registry *Registry
	logger   *slog.Logger
}

func NewRelay(rdb *redis.Client, registry *Registry, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rdb: rdb, registry: registry, logger: logger}
}

// Run pumps transport messages into the registry until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic := strings.TrimPrefix(msg.Channel, channelPrefix)
			r.registry.Deliver(topic, []byte(msg.Payload))
		}
	}
}
