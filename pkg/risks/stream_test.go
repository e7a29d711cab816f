package risks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/risks/pkg/signals"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	failing  bool
	closed   bool
	deadline time.Time
	// gate, when set, holds every write until it is closed
	gate chan struct{}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing || s.closed {
		return errors.New("write failed")
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubConn) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *stubConn) frames(t *testing.T) []streamFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]streamFrame, 0, len(s.writes))
	for _, w := range s.writes {
		var f streamFrame
		require.NoError(t, json.Unmarshal(w, &f))
		out = append(out, f)
	}
	return out
}

func newTestStream(t *testing.T, cfg streamConfig) (*statusStream, signals.Typed[StatusChange]) {
	t.Helper()
	ns := signals.NewNamespace("stream-test")
	sig := signals.NewTyped[StatusChange](ns.Signal(StatusChanged))
	s := newStatusStream(sig, zerolog.Nop(), func() time.Time { return fixedNow }, cfg)
	t.Cleanup(func() {
		s.close()
		_ = ns.Close()
	})
	return s, sig
}

func TestStatusStream_HelloThenFires(t *testing.T) {
	s, sig := newTestStream(t, streamConfig{writeTimeout: time.Second})
	conn := &stubConn{}
	_, err := s.attach(conn)
	require.NoError(t, err)
	require.Equal(t, 1, sig.Signal().Receivers())

	change := StatusChange{ObjectType: "Risk", ObjectID: "r-1", Old: StatusDraft, New: StatusActive, ChangedAt: fixedNow}
	require.NoError(t, sig.Send(context.Background(), "test", change))

	require.Eventually(t, func() bool { return conn.writeCount() == 2 }, time.Second, 5*time.Millisecond)
	frames := conn.frames(t)
	require.Equal(t, frameHello, frames[0].Type)
	require.Equal(t, fixedNow.UTC(), frames[0].SentAt)
	require.Equal(t, frameStatusChange, frames[1].Type)
	require.Equal(t, "test", frames[1].Sender)
	require.Equal(t, change, frames[1].Change)

	conn.mu.Lock()
	require.False(t, conn.deadline.IsZero())
	conn.mu.Unlock()
}

func TestStatusStream_OneForwarderForManyClients(t *testing.T) {
	s, sig := newTestStream(t, streamConfig{})
	a, b := &stubConn{}, &stubConn{}
	_, err := s.attach(a)
	require.NoError(t, err)
	_, err = s.attach(b)
	require.NoError(t, err)
	require.Equal(t, 1, sig.Signal().Receivers())
	require.Equal(t, 2, s.count())

	require.NoError(t, sig.Send(context.Background(), "test", StatusChange{ObjectID: "r-2", Old: StatusActive, New: StatusDeprecated}))
	for _, c := range []*stubConn{a, b} {
		require.Eventually(t, func() bool { return c.writeCount() == 2 }, time.Second, 5*time.Millisecond)
	}
}

func TestStatusStream_FailingWriteDropsClient(t *testing.T) {
	s, _ := newTestStream(t, streamConfig{})
	conn := &stubConn{failing: true}
	_, err := s.attach(conn)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.count() == 0 && conn.isClosed() }, time.Second, 5*time.Millisecond)
}

func TestStatusStream_SlowClientIsDropped(t *testing.T) {
	s, sig := newTestStream(t, streamConfig{clientQueue: 2})
	slow := &stubConn{gate: make(chan struct{})}
	fast := &stubConn{}
	_, err := s.attach(slow)
	require.NoError(t, err)
	_, err = s.attach(fast)
	require.NoError(t, err)

	// the fast client drains between fires, the slow one never does
	for i := 0; i < 4; i++ {
		require.NoError(t, sig.Send(context.Background(), "test", StatusChange{ObjectID: "r-3", Old: StatusDraft, New: StatusActive}))
		require.Eventually(t, func() bool { return fast.writeCount() == i+2 }, time.Second, 5*time.Millisecond)
	}
	require.Equal(t, 1, s.count())

	close(slow.gate)
	require.Eventually(t, slow.isClosed, time.Second, 5*time.Millisecond)
}

func TestStatusStream_DetachFlushesAndCloses(t *testing.T) {
	s, _ := newTestStream(t, streamConfig{})
	conn := &stubConn{}
	c, err := s.attach(conn)
	require.NoError(t, err)

	s.detach(c)
	s.detach(c)
	require.Equal(t, 0, s.count())
	<-c.done
	require.True(t, conn.isClosed())
	require.Len(t, conn.frames(t), 1)
}

func TestStatusStream_IdleDisconnectsForwarder(t *testing.T) {
	s, sig := newTestStream(t, streamConfig{idleTimeout: 20 * time.Millisecond})
	c, err := s.attach(&stubConn{})
	require.NoError(t, err)
	require.Equal(t, 1, sig.Signal().Receivers())

	s.detach(c)
	require.Eventually(t, func() bool { return sig.Signal().Receivers() == 0 }, time.Second, 5*time.Millisecond)

	_, err = s.attach(&stubConn{})
	require.NoError(t, err)
	require.Equal(t, 1, sig.Signal().Receivers())
}

func TestStatusStream_AttachCancelsIdleTimer(t *testing.T) {
	s, sig := newTestStream(t, streamConfig{idleTimeout: 30 * time.Millisecond})
	first, err := s.attach(&stubConn{})
	require.NoError(t, err)
	s.detach(first)
	_, err = s.attach(&stubConn{})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, sig.Signal().Receivers())
}

func TestStatusStream_CloseRejectsNewClients(t *testing.T) {
	s, sig := newTestStream(t, streamConfig{})
	a, b := &stubConn{}, &stubConn{}
	_, err := s.attach(a)
	require.NoError(t, err)
	_, err = s.attach(b)
	require.NoError(t, err)

	s.close()
	require.Equal(t, 0, s.count())
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
	require.Equal(t, 0, sig.Signal().Receivers())

	_, err = s.attach(&stubConn{})
	require.ErrorIs(t, err, errStreamClosed)
}
