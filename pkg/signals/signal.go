package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	metaNamespace = "namespace"
	metaSignal    = "signal"
	metaSender    = "sender"
	metaSentAt    = "sent_at"
)

// Signal is a named channel inside a Namespace.
//
// With the in-memory transport Send returns once every connected receiver has
// returned. A receiver must therefore not Send on the signal it is handling,
// nor Connect new receivers, from inside its own call.
type Signal struct {
	ns    *Namespace
	name  Name
	topic string

	mu        sync.Mutex
	receivers map[*Subscription]struct{}
}

func (s *Signal) Name() Name { return s.name }

// Topic is the transport topic (stream name for redis) of this signal.
func (s *Signal) Topic() string { return s.topic }

// Receivers counts the currently connected receivers of this process.
func (s *Signal) Receivers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers)
}

// Connect subscribes r to every subsequent fire. The subscription ends when
// ctx is done or Close is called.
func (s *Signal) Connect(ctx context.Context, r Receiver) (*Subscription, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if r == nil {
		return nil, errors.New("receiver is nil")
	}
	id := uuid.NewString()
	subCtx, cancel := context.WithCancel(ctx)
	group := fmt.Sprintf("%s:%s", s.topic, id)
	sub, release, err := s.ns.transport.Subscriber(subCtx, s.topic, group)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "connect to signal %s", s.name)
	}
	msgs, err := sub.Subscribe(subCtx, s.topic)
	if err != nil {
		cancel()
		_ = release()
		return nil, errors.Wrapf(err, "subscribe to signal %s", s.name)
	}

	sn := &Subscription{
		id:      id,
		signal:  s,
		cancel:  cancel,
		release: release,
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.receivers[sn] = struct{}{}
	s.mu.Unlock()

	go sn.run(subCtx, msgs, r)
	s.ns.logger.Debug().Str("signal", string(s.name)).Str("receiver", id).Msg("receiver connected")
	return sn, nil
}

// Send fires the signal with payload encoded as JSON. A fire with no
// connected receivers is dropped.
func (s *Signal) Send(ctx context.Context, sender string, payload any) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "signal %s: encode payload", s.name)
	}
	msg := message.NewMessage(uuid.NewString(), body)
	msg.Metadata.Set(metaNamespace, s.ns.name)
	msg.Metadata.Set(metaSignal, string(s.name))
	msg.Metadata.Set(metaSender, sender)
	msg.Metadata.Set(metaSentAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.SetContext(ctx)

	if err := s.ns.transport.Publisher().Publish(s.topic, msg); err != nil {
		return errors.Wrapf(err, "send signal %s", s.name)
	}
	s.ns.logger.Debug().Str("signal", string(s.name)).Str("sender", sender).Str("event_id", msg.UUID).Msg("signal sent")
	return nil
}

func (s *Signal) remove(sn *Subscription) {
	s.mu.Lock()
	delete(s.receivers, sn)
	s.mu.Unlock()
}

func (s *Signal) disconnectAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.receivers))
	for sn := range s.receivers {
		subs = append(subs, sn)
	}
	s.mu.Unlock()
	for _, sn := range subs {
		_ = sn.Close()
	}
}

// Subscription is one connected receiver.
type Subscription struct {
	id      string
	signal  *Signal
	cancel  context.CancelFunc
	release func() error
	done    chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (sn *Subscription) ID() string { return sn.id }

// Done is closed once the receiver loop has exited.
func (sn *Subscription) Done() <-chan struct{} { return sn.done }

// Close disconnects the receiver. Fires that race with Close are acked without
// reaching the receiver. Safe to call more than once and from the receiver itself.
func (sn *Subscription) Close() error {
	sn.closeOnce.Do(func() {
		sn.closed.Store(true)
		sn.signal.remove(sn)
		sn.cancel()
		sn.closeErr = sn.release()
	})
	return sn.closeErr
}

func (sn *Subscription) run(ctx context.Context, msgs <-chan *message.Message, r Receiver) {
	defer close(sn.done)
	defer func() { _ = sn.Close() }()
	logger := sn.signal.ns.logger.With().Str("signal", string(sn.signal.name)).Str("receiver", sn.id).Logger()
	for msg := range msgs {
		if sn.closed.Load() {
			msg.Ack()
			continue
		}
		ev := eventFromMessage(msg)
		if err := sn.deliver(ctx, msg, ev, r); err != nil {
			logger.Error().Err(err).Str("event_id", ev.ID).Str("sender", ev.Sender).Msg("receiver failed")
		}
		msg.Ack()
	}
	logger.Debug().Msg("receiver loop exited")
}

func (sn *Subscription) deliver(ctx context.Context, msg *message.Message, ev Event, r Receiver) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("receiver panicked: %v", p)
		}
	}()
	mctx := msg.Context()
	if mctx == nil || mctx == context.Background() {
		mctx = ctx
	}
	return r(mctx, ev)
}

func eventFromMessage(msg *message.Message) Event {
	ev := Event{
		ID:        msg.UUID,
		Namespace: msg.Metadata.Get(metaNamespace),
		Signal:    Name(msg.Metadata.Get(metaSignal)),
		Sender:    msg.Metadata.Get(metaSender),
		Payload:   json.RawMessage(msg.Payload),
	}
	if ts := msg.Metadata.Get(metaSentAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.SentAt = t
		}
	}
	return ev
}
