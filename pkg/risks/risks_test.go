package risks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/risks/pkg/blueprint"
	"github.com/go-go-golems/risks/pkg/signals"
)

var fixedNow = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

func newTestExtension(t *testing.T, opts ...Option) (*Extension, *blueprint.App) {
	t.Helper()
	e := New(append([]Option{withClock(func() time.Time { return fixedNow })}, opts...)...)
	t.Cleanup(func() { _ = e.Close() })
	app := blueprint.NewApp()
	require.NoError(t, e.Register(app))
	return e, app
}

func TestNewBlueprint_FixedDescriptor(t *testing.T) {
	bp := NewBlueprint()
	require.Equal(t, "ggrc_risks", bp.Name())
	require.Equal(t, ImportName, bp.ImportName())
	require.Equal(t, "templates", bp.TemplateFolder())
	require.Equal(t, "static", bp.StaticFolder())
	require.Equal(t, "/static/ggrc_risks", bp.StaticURLPath())
	require.False(t, bp.Registered())
}

func TestNewSignals(t *testing.T) {
	ns := NewSignals()
	defer func() { _ = ns.Close() }()
	require.Equal(t, "ggrc_risks", ns.Name())
	require.Empty(t, ns.Names())
}

func TestNew_BuildsOneBlueprintAndOneNamespace(t *testing.T) {
	e := New()
	defer func() { _ = e.Close() }()

	require.NotNil(t, e.Blueprint)
	require.NotNil(t, e.Signals)
	require.Equal(t, DefaultURLPrefix, e.Blueprint.URLPrefix())
	require.Equal(t, []signals.Name{StatusChanged}, e.Signals.Names())
	require.Same(t, e.Signals.Signal(StatusChanged), e.StatusChangedSignal().Signal())

	other := New()
	defer func() { _ = other.Close() }()
	require.NotSame(t, e.Blueprint, other.Blueprint)
	require.NotSame(t, e.Signals, other.Signals)
}

func TestRegister_SameNameTwiceFails(t *testing.T) {
	_, app := newTestExtension(t)

	second := New()
	defer func() { _ = second.Close() }()
	err := second.Register(app)
	require.True(t, errors.Is(err, blueprint.ErrDuplicateName), "got %v", err)
	require.Len(t, app.Blueprints(), 1)
}

func TestStaticAssetsAreServedUnderFixedPrefix(t *testing.T) {
	_, app := newTestExtension(t)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/static/ggrc_risks/risks.css")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	onDisk, err := assets.ReadFile("static/risks.css")
	require.NoError(t, err)
	require.Equal(t, string(onDisk), string(body))

	missing, err := http.Get(srv.URL + "/static/ggrc_risks/nope.css")
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestStatusChanged_SubscriberCalledOncePerFire(t *testing.T) {
	e, _ := newTestExtension(t)

	var mu sync.Mutex
	var payloads []StatusChange
	// subscriber asks the namespace for the signal by name
	_, err := e.Signals.Signal("status_changed").Connect(context.Background(), func(_ context.Context, ev signals.Event) error {
		var c StatusChange
		if err := ev.Decode(&c); err != nil {
			return err
		}
		mu.Lock()
		payloads = append(payloads, c)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	first := StatusChange{ObjectType: "Risk", ObjectID: "r-1", Old: StatusDraft, New: StatusActive, ChangedAt: fixedNow}
	second := StatusChange{ObjectType: "Risk", ObjectID: "r-1", Old: StatusActive, New: StatusDeprecated, ChangedAt: fixedNow}
	require.NoError(t, e.Signals.Signal("status_changed").Send(context.Background(), "test", first))
	require.NoError(t, e.Signals.Signal("status_changed").Send(context.Background(), "test", second))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []StatusChange{first, second}, payloads)
}

func TestAnnounceStatusChange(t *testing.T) {
	e, _ := newTestExtension(t)

	var got []StatusChange
	var mu sync.Mutex
	_, err := e.OnStatusChange(context.Background(), func(_ context.Context, c StatusChange) error {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.AnnounceStatusChange(context.Background(), "test", StatusChange{ObjectID: "r-7", Old: "draft", New: "active"}))
	err = e.AnnounceStatusChange(context.Background(), "test", StatusChange{ObjectID: "r-7", Old: StatusActive, New: StatusActive})
	require.True(t, errors.Is(err, ErrInvalidStatusChange))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []StatusChange{{
		ObjectType: DefaultObjectType,
		ObjectID:   "r-7",
		Old:        StatusDraft,
		New:        StatusActive,
		ChangedAt:  fixedNow,
	}}, got)
}

func TestOnStatusChange_RejectsNilHandler(t *testing.T) {
	e, _ := newTestExtension(t)
	_, err := e.OnStatusChange(context.Background(), nil)
	require.Error(t, err)
}

func TestHandleIndex_RendersWithStaticLinks(t *testing.T) {
	_, app := newTestExtension(t)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/risks/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `href="/static/ggrc_risks/risks.css"`)
	require.Contains(t, body, `src="/static/ggrc_risks/risks.js"`)
	require.Contains(t, body, `data-api="/risks/api/status-changes"`)
	for _, st := range Statuses() {
		require.Contains(t, body, string(st))
	}
}

func TestHandleIndex_UnregisteredExtension(t *testing.T) {
	e := New()
	defer func() { _ = e.Close() }()

	rec := httptest.NewRecorder()
	e.handleIndex(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleAnnounce(t *testing.T) {
	e, app := newTestExtension(t)

	var mu sync.Mutex
	var got []StatusChange
	_, err := e.OnStatusChange(context.Background(), func(_ context.Context, c StatusChange) error {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/risks/api/status-changes", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		app.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"object_id":"r-3","old_status":"Draft","new_status":"Active","changed_by":"alice"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp announceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Accepted)
	require.Equal(t, "r-3", resp.Change.ObjectID)
	require.Equal(t, fixedNow, resp.Change.ChangedAt)

	require.Equal(t, http.StatusBadRequest, post(`{"object_id":"r-3","old_status":"Draft","new_status":"Draft"}`).Code)
	require.Equal(t, http.StatusBadRequest, post(`{"object_id":"r-3","old_status":"Draft","new_status":"Active","extra":1}`).Code)
	require.Equal(t, http.StatusBadRequest, post(`not json`).Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, "alice", got[0].ChangedBy)
}

func TestHandleStream_PushesStatusChanges(t *testing.T) {
	e, app := newTestExtension(t)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/risks/api/status-changes/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	readFrame := func() streamFrame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f streamFrame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	require.Equal(t, frameHello, readFrame().Type)
	require.Eventually(t, func() bool { return e.StreamClients() == 1 }, time.Second, 10*time.Millisecond)

	change := StatusChange{ObjectID: "r-5", Old: StatusActive, New: StatusDeprecated}
	require.NoError(t, e.AnnounceStatusChange(context.Background(), "test", change))

	f := readFrame()
	require.Equal(t, frameStatusChange, f.Type)
	require.Equal(t, "test", f.Sender)
	require.NotEmpty(t, f.EventID)
	require.Equal(t, "r-5", f.Change.ObjectID)
	require.Equal(t, StatusDeprecated, f.Change.New)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return e.StreamClients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamForwarder_DisconnectsWhenIdle(t *testing.T) {
	e, app := newTestExtension(t, WithStreamIdleTimeout(20*time.Millisecond))
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/risks/api/status-changes/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	sig := e.Signals.Signal(StatusChanged)
	require.Eventually(t, func() bool { return sig.Receivers() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return sig.Receivers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
