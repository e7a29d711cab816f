package risks

import (
	"context"
	"embed"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/risks/pkg/blueprint"
	"github.com/go-go-golems/risks/pkg/signals"
)

const (
	// Name identifies the blueprint and the signal namespace.
	Name           = "ggrc_risks"
	ImportName     = "github.com/go-go-golems/risks/pkg/risks"
	TemplateFolder = "templates"
	StaticFolder   = "static"
	StaticURLPath  = "/static/ggrc_risks"
	// DefaultURLPrefix is where the extension routes are mounted unless the host overrides it.
	DefaultURLPrefix = "/risks"

	StatusChanged signals.Name = "status_changed"
)

//go:embed templates static
var assets embed.FS

// NewSignals creates the namespace risk signals live in.
func NewSignals(opts ...signals.Option) *signals.Namespace {
	return signals.NewNamespace(Name, opts...)
}

// NewBlueprint creates the risks descriptor. Extra options are applied after
// the fixed ones, so a caller can only add to it (a URL prefix, typically).
func NewBlueprint(opts ...blueprint.Option) *blueprint.Blueprint {
	base := []blueprint.Option{
		blueprint.WithTemplateFolder(TemplateFolder),
		blueprint.WithStaticFolder(StaticFolder),
		blueprint.WithStaticURLPath(StaticURLPath),
	}
	return blueprint.New(Name, ImportName, assets, append(base, opts...)...)
}

// Host is what the extension needs from the application it is mounted into.
type Host interface {
	Register(bp *blueprint.Blueprint, opts ...blueprint.RegisterOption) error
	Render(w http.ResponseWriter, status int, name string, data any) error
}

// Extension bundles the blueprint and signal namespace of the risks feature.
// Build it once during application bootstrap and pass it to whoever needs to
// mount routes or send and observe signals.
type Extension struct {
	Blueprint *blueprint.Blueprint
	Signals   *signals.Namespace

	statusChanged signals.Typed[StatusChange]
	stream        *statusStream
	upgrader      websocket.Upgrader
	logger        zerolog.Logger
	now           func() time.Time

	mu   sync.Mutex
	host Host
}

type config struct {
	urlPrefix  string
	signalOpts []signals.Option
	upgrader   *websocket.Upgrader
	stream     streamConfig
	now        func() time.Time
}

type Option func(*config)

// WithURLPrefix changes the default route prefix.
func WithURLPrefix(p string) Option {
	return func(c *config) { c.urlPrefix = p }
}

// WithSignalOptions configures the namespace, e.g. a redis transport.
func WithSignalOptions(opts ...signals.Option) Option {
	return func(c *config) { c.signalOpts = append(c.signalOpts, opts...) }
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(c *config) { c.upgrader = &u }
}

// WithStreamIdleTimeout disconnects the websocket forwarder after the last
// client has been gone for d. Zero keeps it connected.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.stream.idleTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) { c.stream.writeTimeout = d }
}

// WithStreamClientQueue bounds the frames buffered per stream client. A client
// that falls further behind is dropped.
func WithStreamClientQueue(n int) Option {
	return func(c *config) { c.stream.clientQueue = n }
}

func withClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New creates exactly one blueprint and one signal namespace and attaches the
// extension routes to the blueprint.
func New(opts ...Option) *Extension {
	c := config{
		urlPrefix: DefaultURLPrefix,
		stream: streamConfig{
			writeTimeout: 5 * time.Second,
			clientQueue:  defaultClientQueue,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}

	e := &Extension{
		Blueprint: NewBlueprint(blueprint.WithURLPrefix(c.urlPrefix)),
		Signals:   NewSignals(c.signalOpts...),
		logger:    log.With().Str("component", Name).Logger(),
		now:       c.now,
	}
	e.statusChanged = signals.NewTyped[StatusChange](e.Signals.Signal(StatusChanged))
	if c.upgrader != nil {
		e.upgrader = *c.upgrader
	} else {
		e.upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	}
	e.stream = newStatusStream(e.statusChanged, e.logger.With().Str("stream", "status").Logger(), e.now, c.stream)
	e.registerRoutes()
	return e
}

// Register mounts the blueprint on host and remembers host for rendering.
func (e *Extension) Register(host Host, opts ...blueprint.RegisterOption) error {
	if host == nil {
		return errors.New("host is nil")
	}
	if err := host.Register(e.Blueprint, opts...); err != nil {
		return errors.Wrap(err, "register risks blueprint")
	}
	e.mu.Lock()
	e.host = host
	e.mu.Unlock()
	return nil
}

// StatusChangedSignal returns the typed status_changed signal.
func (e *Extension) StatusChangedSignal() signals.Typed[StatusChange] { return e.statusChanged }

// AnnounceStatusChange validates change and fires status_changed.
func (e *Extension) AnnounceStatusChange(ctx context.Context, sender string, change StatusChange) error {
	_, err := e.announce(ctx, sender, change)
	return err
}

// announce is AnnounceStatusChange returning the change as it was sent.
func (e *Extension) announce(ctx context.Context, sender string, change StatusChange) (StatusChange, error) {
	change = change.Normalize(e.now())
	if err := change.Validate(); err != nil {
		return change, err
	}
	if err := e.statusChanged.Send(ctx, sender, change); err != nil {
		return change, err
	}
	e.logger.Info().
		Str("object_type", change.ObjectType).
		Str("object_id", change.ObjectID).
		Str("old_status", string(change.Old)).
		Str("new_status", string(change.New)).
		Str("sender", sender).
		Msg("status change announced")
	return change, nil
}

// OnStatusChange connects fn to status_changed until ctx ends or the returned
// subscription is closed.
func (e *Extension) OnStatusChange(ctx context.Context, fn func(ctx context.Context, change StatusChange) error) (*signals.Subscription, error) {
	if fn == nil {
		return nil, errors.New("status change handler is nil")
	}
	return e.statusChanged.Connect(ctx, func(ctx context.Context, _ signals.Event, change StatusChange) error {
		return fn(ctx, change)
	})
}

// StreamClients counts connected websocket clients.
func (e *Extension) StreamClients() int { return e.stream.count() }

// Close drops stream clients and closes the signal namespace.
func (e *Extension) Close() error {
	e.stream.close()
	return e.Signals.Close()
}

func (e *Extension) renderer() Host {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.host
}
