// Package relay carries group events between server instances over Redis
// pub/sub, so sessions connected to different instances share groups.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/chatline/internal/hub"
	"github.com/ashureev/chatline/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// envelope is the pub/sub payload.
type envelope struct {
	Origin string          `json:"origin"`
	Key    string          `json:"key"`
	Event  json.RawMessage `json:"event"`
}

// Local is the registry side a relay delivers into.
type Local interface {
	DeliverLocal(key hub.Key, evt protocol.Event) int
}

// Relay publishes local group events and delivers remote ones.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	local   Local
	logger  *slog.Logger
}

// New creates a relay for one instance. origin must be unique per instance.
func New(client *redis.Client, channel, origin string, local Local, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		local:   local,
		logger:  logger.With("component", "relay", "instance_id", origin),
	}
}

// Dial connects to Redis at redisURL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Publish implements hub.Forwarder.
func (r *Relay) Publish(ctx context.Context, key hub.Key, evt protocol.Event) error {
	payload, err := encodeEnvelope(r.origin, key, evt)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers envelopes from other instances
// until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("Relay subscribed", "channel", r.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

func (r *Relay) handle(payload []byte) {
	origin, key, evt, err := decodeEnvelope(payload)
	if err != nil {
		r.logger.Warn("Dropping malformed relay payload", "error", err)
		return
	}
	if origin == r.origin {
		return
	}
	n := r.local.DeliverLocal(key, evt)
	r.logger.Debug("Relayed event delivered", "group", string(key), "origin", origin, "members", n)
}

func encodeEnvelope(origin string, key hub.Key, evt protocol.Event) ([]byte, error) {
	raw, err := protocol.Encode(evt)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(envelope{Origin: origin, Key: string(key), Event: raw})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

func decodeEnvelope(payload []byte) (string, hub.Key, protocol.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	key := hub.Key(env.Key)
	if !key.IsRoom() && !key.IsNotify() {
		return "", "", nil, fmt.Errorf("decode envelope: unknown group %q", env.Key)
	}
	evt, err := protocol.DecodeEvent(env.Event)
	if err != nil {
		return "", "", nil, err
	}
	return env.Origin, key, evt, nil
}
