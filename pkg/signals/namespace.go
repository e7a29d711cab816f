package signals

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/risks/pkg/logging"
)

// Name identifies a signal inside a namespace.
type Name string

// Namespace is a registry of named signals sharing one transport.
// Publishers and receivers must use the same Namespace value to meet.
type Namespace struct {
	name      string
	transport Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	signals map[Name]*Signal
}

type Option func(*Namespace)

// WithTransport replaces the default in-memory transport. The namespace owns it
// and closes it on Close.
func WithTransport(t Transport) Option {
	return func(ns *Namespace) {
		if t != nil {
			ns.transport = t
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(ns *Namespace) {
		ns.logger = logger.With().Str("namespace", ns.name).Logger()
	}
}

// NewNamespace never fails. Without WithTransport it dispatches in process.
func NewNamespace(name string, opts ...Option) *Namespace {
	ns := &Namespace{
		name:    name,
		signals: map[Name]*Signal{},
		logger:  log.With().Str("component", "signals").Str("namespace", name).Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ns)
		}
	}
	if ns.transport == nil {
		ns.transport = NewMemoryTransport(0, logging.NewWatermill(ns.logger))
	}
	return ns
}

func (ns *Namespace) Name() string { return ns.name }

func (ns *Namespace) Transport() Transport { return ns.transport }

// Signal returns the signal with the given name, creating it on first use.
func (ns *Namespace) Signal(name Name) *Signal {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if s, ok := ns.signals[name]; ok {
		return s
	}
	s := &Signal{
		ns:        ns,
		name:      name,
		topic:     ns.name + "." + string(name),
		receivers: map[*Subscription]struct{}{},
	}
	ns.signals[name] = s
	return s
}

// Names lists the signals created so far, sorted.
func (ns *Namespace) Names() []Name {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]Name, 0, len(ns.signals))
	for n := range ns.signals {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close disconnects every receiver and closes the transport.
func (ns *Namespace) Close() error {
	ns.mu.Lock()
	sigs := make([]*Signal, 0, len(ns.signals))
	for _, s := range ns.signals {
		sigs = append(sigs, s)
	}
	ns.mu.Unlock()
	for _, s := range sigs {
		s.disconnectAll()
	}
	return ns.transport.Close()
}

// Event is what a receiver gets for every fire of a signal.
type Event struct {
	ID        string
	Namespace string
	Signal    Name
	Sender    string
	SentAt    time.Time
	Payload   json.RawMessage
}

// Decode unmarshals the JSON payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("signal %s: empty payload", e.Signal)
	}
	return errors.Wrapf(json.Unmarshal(e.Payload, v), "signal %s: decode payload", e.Signal)
}

// Receiver handles one fire. A returned error is logged; the fire is not retried.
type Receiver func(ctx context.Context, ev Event) error
