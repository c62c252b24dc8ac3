package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"teamdesk/internal/util"
)

const DefaultRelayChannel = "teamdesk:fanout"

type envelope struct {
	Origin   string          `json:"origin"`
	Audience Audience        `json:"audience"`
	Frame    json.RawMessage `json:"frame"`
}

// RedisRelay shares delivered frames between instances over Redis pub/sub.
// Each instance appends through its own forum writers; the relay only
// carries the resulting frames so remote connections see them too.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	log     *log.Logger
}

func NewRedisRelay(client *redis.Client, channel string, logger *log.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  util.NewID("node"),
		log:     logger.WithPrefix("relay"),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, audience Audience, frame []byte) error {
	payload, err := json.Marshal(envelope{Origin: r.origin, Audience: audience, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish relay envelope: %w", err)
	}
	return nil
}

// Start subscribes and, once Redis confirms the subscription, forwards
// frames from other instances into hub until ctx ends.
func (r *RedisRelay) Start(ctx context.Context, hub *Hub) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle(hub, msg.Payload)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) handle(hub *Hub, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("discarding malformed relay envelope", "err", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	hub.DeliverLocal(env.Audience, env.Frame)
}
