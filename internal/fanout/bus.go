package fanout

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultTopic is the fixed pub/sub topic carrying status events between
// server instances.
const DefaultTopic = "load-test.status"

// Bus is the cross-instance publish/subscribe channel. Every process
// subscribes exactly once.
type Bus interface {
	Publish(payload []byte) error
	Subscribe(handler func(payload []byte)) error
	Close() error
}

type RedisBus struct {
	client redis.UniversalClient
	topic  string
	pubsub *redis.PubSub
}

func NewRedisBus(client redis.UniversalClient, topic string) *RedisBus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &RedisBus{client: client, topic: topic}
}

func (b *RedisBus) Publish(payload []byte) error {
	return errors.WithStack(b.client.Publish(b.topic, payload).Err())
}

func (b *RedisBus) Subscribe(handler func(payload []byte)) error {
	if b.pubsub != nil {
		return errors.Errorf("already subscribed to topic %s", b.topic)
	}
	b.pubsub = b.client.Subscribe(b.topic)
	if _, err := b.pubsub.Receive(); err != nil {
		return errors.Wrapf(err, "cannot subscribe to topic %s", b.topic)
	}
	go func() {
		for message := range b.pubsub.Channel() {
			handler([]byte(message.Payload))
		}
		log.Debugf("subscription to topic %s closed", b.topic)
	}()
	return nil
}

func (b *RedisBus) Close() error {
	if b.pubsub == nil {
		return nil
	}
	return errors.WithStack(b.pubsub.Close())
}
