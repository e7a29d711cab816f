package risks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/risks/pkg/signals"
)

// wsConn is the part of *websocket.Conn the stream writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// streamFrame is what stream clients receive.
type streamFrame struct {
	Type    string       `json:"type"`
	EventID string       `json:"event_id,omitempty"`
	Sender  string       `json:"sender,omitempty"`
	SentAt  time.Time    `json:"sent_at,omitzero"`
	Change  StatusChange `json:"change,omitzero"`
	Error   string       `json:"error,omitempty"`
}

const (
	frameHello        = "hello"
	frameStatusChange = "status_changed"
	frameError        = "error"

	defaultClientQueue = 16
)

var errStreamClosed = errors.New("status stream is closed")

type streamConfig struct {
	writeTimeout time.Duration
	idleTimeout  time.Duration
	clientQueue  int
}

// statusStream fans status_changed fires out to websocket clients.
//
// Every client has a bounded frame queue drained by its own writer, so a slow
// client never holds up a fire. A client whose queue overflows or whose write
// fails is dropped. The stream connects to the signal when a client attaches
// and, with an idle timeout, disconnects after the last client has been gone
// that long.
type statusStream struct {
	signal signals.Typed[StatusChange]
	logger zerolog.Logger
	now    func() time.Time
	cfg    streamConfig

	// lifecycle orders forwarder changes. Fires only take mu, so Connect may
	// block on the transport while lifecycle is held.
	lifecycle sync.Mutex
	forwarder *signals.Subscription

	mu        sync.Mutex
	clients   map[*streamClient]struct{}
	idleTimer *time.Timer
	closed    bool
}

type streamClient struct {
	conn    wsConn
	frames  chan []byte
	done    chan struct{}
	release sync.Once
}

func newStatusStream(sig signals.Typed[StatusChange], logger zerolog.Logger, now func() time.Time, cfg streamConfig) *statusStream {
	if cfg.clientQueue <= 0 {
		cfg.clientQueue = defaultClientQueue
	}
	return &statusStream{
		signal:  sig,
		logger:  logger,
		now:     now,
		cfg:     cfg,
		clients: map[*streamClient]struct{}{},
	}
}

// attach registers conn, connecting the forwarder first if needed, and queues
// the hello frame. The caller owns reading from conn and calls detach when the
// peer goes away.
func (s *statusStream) attach(conn wsConn) (*streamClient, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if err := s.connectLocked(); err != nil {
		return nil, err
	}

	hello, err := json.Marshal(streamFrame{Type: frameHello, SentAt: s.now().UTC()})
	if err != nil {
		return nil, errors.Wrap(err, "encode hello frame")
	}
	c := &streamClient{
		conn:   conn,
		frames: make(chan []byte, s.cfg.clientQueue),
		done:   make(chan struct{}),
	}
	// queued before the client is visible to fires
	c.frames <- hello

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStreamClosed
	}
	s.clients[c] = struct{}{}
	s.stopIdleTimerLocked()
	s.mu.Unlock()

	go s.writeLoop(c)
	return c, nil
}

// detach drops c. Its writer flushes what is already queued, then closes the conn.
func (s *statusStream) detach(c *streamClient) {
	s.mu.Lock()
	s.removeLocked(c)
	s.mu.Unlock()
}

func (s *statusStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// close drops every client, waits for their writers and disconnects the forwarder.
func (s *statusStream) close() {
	s.mu.Lock()
	s.closed = true
	writers := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		writers = append(writers, c)
		s.removeLocked(c)
	}
	s.stopIdleTimerLocked()
	s.mu.Unlock()
	for _, c := range writers {
		<-c.done
	}

	s.lifecycle.Lock()
	sub := s.forwarder
	s.forwarder = nil
	s.lifecycle.Unlock()
	if sub != nil {
		_ = sub.Close()
		s.logger.Debug().Msg("status stream forwarder disconnected")
	}
}

func (s *statusStream) connectLocked() error {
	if s.forwarder != nil {
		return nil
	}
	sub, err := s.signal.Connect(context.Background(), func(_ context.Context, ev signals.Event, change StatusChange) error {
		s.broadcast(streamFrame{
			Type:    frameStatusChange,
			EventID: ev.ID,
			Sender:  ev.Sender,
			SentAt:  ev.SentAt,
			Change:  change,
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "connect status stream")
	}
	s.forwarder = sub
	s.logger.Debug().Msg("status stream forwarder connected")
	return nil
}

func (s *statusStream) broadcast(f streamFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		s.logger.Error().Err(err).Str("frame", f.Type).Msg("encode stream frame")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.offerLocked(c, b)
	}
}

func (s *statusStream) offerLocked(c *streamClient, b []byte) {
	select {
	case c.frames <- b:
	default:
		s.logger.Warn().Int("queue", cap(c.frames)).Msg("stream client too slow, dropping")
		s.removeLocked(c)
	}
}

func (s *statusStream) removeLocked(c *streamClient) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.release.Do(func() { close(c.frames) })
	s.scheduleIdleLocked()
}

func (s *statusStream) writeLoop(c *streamClient) {
	defer close(c.done)
	defer func() { _ = c.conn.Close() }()
	for b := range c.frames {
		if err := s.write(c.conn, b); err != nil {
			s.logger.Debug().Err(err).Msg("stream write failed, dropping client")
			s.detach(c)
			return
		}
	}
}

func (s *statusStream) write(conn wsConn, b []byte) error {
	if s.cfg.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *statusStream) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *statusStream) scheduleIdleLocked() {
	s.stopIdleTimerLocked()
	if len(s.clients) != 0 || s.closed || s.cfg.idleTimeout <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(s.cfg.idleTimeout, s.onIdle)
}

// onIdle disconnects the forwarder unless a client attached since the timer fired.
func (s *statusStream) onIdle() {
	s.lifecycle.Lock()
	s.mu.Lock()
	busy := len(s.clients) > 0
	s.idleTimer = nil
	s.mu.Unlock()
	if busy {
		s.lifecycle.Unlock()
		return
	}
	sub := s.forwarder
	s.forwarder = nil
	s.lifecycle.Unlock()
	if sub != nil {
		_ = sub.Close()
		s.logger.Debug().Msg("status stream idle, forwarder disconnected")
	}
}

// writeError tells a client that was never attached why it is being closed.
func writeError(conn wsConn, timeout time.Duration, msg string) {
	b, err := json.Marshal(streamFrame{Type: frameError, Error: msg})
	if err != nil {
		return
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
