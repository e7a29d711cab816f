package signals

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings selects and configures the transport behind a Namespace.
type Settings struct {
	RedisEnabled bool   `glazed:"redis-enabled" yaml:"redis-enabled"`
	RedisAddr    string `glazed:"redis-addr" yaml:"redis-addr"`
	// Consumer names this process inside the per-receiver consumer groups.
	Consumer string `glazed:"redis-consumer" yaml:"redis-consumer"`
	// OutputBuffer sizes the in-memory subscriber channels.
	OutputBuffer int `glazed:"output-buffer" yaml:"output-buffer"`
}

func DefaultSettings() Settings {
	return Settings{
		RedisAddr: "localhost:6379",
		Consumer:  "risks-1",
	}
}

// SectionSlug is the slug of the section NewSection returns.
const SectionSlug = "redis"

// NewSection returns the section definition for transport settings.
func NewSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SectionSlug,
		"Signal transport (in-memory or Redis Streams)",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(d.RedisEnabled),
				fields.WithHelp("Carry signals over Redis Streams instead of in memory")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault(d.RedisAddr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault(d.Consumer),
				fields.WithHelp("Consumer name of this process")),
			fields.New("output-buffer", fields.TypeInteger,
				fields.WithDefault(d.OutputBuffer),
				fields.WithHelp("Buffer of in-memory subscriber channels")),
		),
	)
}

// Transport carries signal messages between senders and receivers.
type Transport interface {
	Publisher() message.Publisher
	// Subscriber returns a subscriber dedicated to one receiver. Every receiver
	// gets its own group so that each one sees every fire. release is called
	// once the receiver disconnects.
	Subscriber(ctx context.Context, topic, group string) (sub message.Subscriber, release func() error, err error)
	// Synchronous reports whether Publish returns only after every receiver acked.
	Synchronous() bool
	Close() error
}

// NewTransport builds a Redis Streams transport when enabled and an in-memory one otherwise.
func NewTransport(s Settings, logger watermill.LoggerAdapter) (Transport, error) {
	if !s.RedisEnabled {
		return NewMemoryTransport(int64(s.OutputBuffer), logger), nil
	}
	return NewRedisTransport(s, logger)
}

type memoryTransport struct {
	ch *gochannel.GoChannel
}

// NewMemoryTransport returns an in-process transport. Publish blocks until every
// connected receiver has handled the message.
func NewMemoryTransport(outputBuffer int64, logger watermill.LoggerAdapter) Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &memoryTransport{
		ch: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            outputBuffer,
			BlockPublishUntilSubscriberAck: true,
			PreserveContext:                true,
		}, logger),
	}
}

func (t *memoryTransport) Publisher() message.Publisher { return t.ch }

func (t *memoryTransport) Subscriber(_ context.Context, _, _ string) (message.Subscriber, func() error, error) {
	return t.ch, func() error { return nil }, nil
}

func (t *memoryTransport) Synchronous() bool { return true }

func (t *memoryTransport) Close() error { return t.ch.Close() }

// redisTransport gives the publisher and every subscriber a client of their
// own: watermill closes the client it was handed when it is closed. admin
// manages consumer groups.
type redisTransport struct {
	addr     string
	admin    *redis.Client
	pub      message.Publisher
	consumer string
	logger   watermill.LoggerAdapter
}

// NewRedisTransport publishes signals to Redis streams so receivers in other
// processes observe them. Delivery is asynchronous.
func NewRedisTransport(s Settings, logger watermill.LoggerAdapter) (Transport, error) {
	addr := strings.TrimSpace(s.RedisAddr)
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t := &redisTransport{addr: addr, consumer: strings.TrimSpace(s.Consumer), logger: logger}
	if t.consumer == "" {
		t.consumer = DefaultSettings().Consumer
	}

	pubClient := t.newClient()
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     pubClient,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = pubClient.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	t.pub = pub
	t.admin = t.newClient()
	return t, nil
}

func (t *redisTransport) newClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: t.addr})
}

func (t *redisTransport) Publisher() message.Publisher { return t.pub }

func (t *redisTransport) Subscriber(ctx context.Context, topic, group string) (message.Subscriber, func() error, error) {
	if err := ensureGroupAtTail(ctx, t.admin, topic, group); err != nil {
		return nil, nil, errors.Wrapf(err, "create consumer group %s", group)
	}
	client := t.newClient()
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      t.consumer,
	}, t.logger)
	if err != nil {
		_ = client.Close()
		t.destroyGroup(ctx, topic, group)
		return nil, nil, errors.Wrap(err, "create redis stream subscriber")
	}
	release := func() error {
		// closes client as well
		err := sub.Close()
		t.destroyGroup(ctx, topic, group)
		return err
	}
	return sub, release, nil
}

// destroyGroup drops a group that only ever served one receiver.
func (t *redisTransport) destroyGroup(ctx context.Context, topic, group string) {
	if err := t.admin.XGroupDestroy(context.WithoutCancel(ctx), topic, group).Err(); err != nil {
		log.Debug().Err(err).Str("stream", topic).Str("group", group).Msg("destroy consumer group")
	}
}

func (t *redisTransport) Synchronous() bool { return false }

func (t *redisTransport) Close() error {
	err := t.pub.Close()
	if cerr := t.admin.Close(); err == nil {
		err = cerr
	}
	return err
}

// ensureGroupAtTail creates the consumer group at $ so a new receiver does not
// replay the stream history.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Debug().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
