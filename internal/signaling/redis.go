package signaling

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

// RedisTransport publishes envelopes on per peer redis pub/sub channels
type RedisTransport struct {
	rdb  *redis.Client
	room string
}

func NewRedisTransport(addr, room string) *RedisTransport {
	return RedisPubSub(redis.NewClient(&redis.Options{Addr: addr}), room)
}

// RedisPubSub builds a transport on top of an existing client
func RedisPubSub(rdb *redis.Client, room string) *RedisTransport {
	return &RedisTransport{rdb: rdb, room: room}
}

func (t *RedisTransport) Publish(ctx context.Context, peerID string, env Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, channelName(t.room, peerID), msg).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, peerID string) (Inbox, error) {
	pubsub := t.rdb.Subscribe(ctx, channelName(t.room, peerID))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	inbox := &redisInbox{
		inbox:  newInbox(),
		pubsub: pubsub,
	}
	go inbox.run()

	return inbox, nil
}

func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}

type redisInbox struct {
	*inbox
	pubsub *redis.PubSub
}

func (i *redisInbox) run() {
	defer close(i.messages)

	// If the Go channel is blocked full for 30 seconds the message is dropped.
	for msg := range i.pubsub.Channel() {
		if !i.deliver([]byte(msg.Payload)) {
			return
		}
	}
}

func (i *redisInbox) Close() error {
	var err error
	i.shutdown(func() {
		err = i.pubsub.Close()
	})
	return err
}
