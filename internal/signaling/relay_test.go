package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"call-coordinator/internal/calllog"
	"call-coordinator/internal/calls"
	"call-coordinator/internal/callstatus"
	"call-coordinator/internal/lock"
	"call-coordinator/internal/messaging"
	"call-coordinator/internal/session"
	"call-coordinator/internal/users"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id     string
	mu     sync.Mutex
	envs   []Envelope
	closed bool
}

func (f *fakeClient) UserID() string { return f.id }

func (f *fakeClient) Send(_ context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.envs))
	for _, e := range f.envs {
		out = append(out, e.Event)
	}
	return out
}

// last decodes the most recent envelope named event into v.
func (f *fakeClient) last(t *testing.T, event string, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.envs) - 1; i >= 0; i-- {
		if f.envs[i].Event == event {
			require.NoError(t, json.Unmarshal(f.envs[i].Data, v))
			return
		}
	}
	t.Fatalf("no %q event for %s; got %v", event, f.id, f.envs)
}

type relayHarness struct {
	relay    *Relay
	hub      *Hub
	engine   *session.Engine
	records  *calls.MemoryStore
	status   *callstatus.MemoryStore
	timeline *messaging.MemoryTimeline
	sched    *session.ManualScheduler
	clients  map[string]*fakeClient
}

func newRelayHarness(t *testing.T, online ...string) *relayHarness {
	t.Helper()
	sched := session.NewManualScheduler(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	locks := lock.NewMemoryLocker()
	locks.Now = sched.Now
	records := calls.NewMemoryStore()
	status := callstatus.NewMemoryStore()
	timeline := messaging.NewMemoryTimeline()
	msgs := messaging.NewService(timeline, messaging.NewMemoryQueue(), messaging.NewMemoryStore())

	hub := NewHub()
	engine := session.NewEngine(records, status, locks, calllog.NewSynthesizer(msgs, hub), session.Options{
		Scheduler: sched,
		Clock:     sched.Now,
	})
	t.Cleanup(engine.Close)

	dir := users.NewMemoryDirectory()
	dir.Put("alice", calls.Display{Username: "Alice"})
	dir.Put("bob", calls.Display{Username: "Bob"})

	relay := NewRelay(hub, engine, dir, msgs)
	engine.AddListener(relay)

	h := &relayHarness{
		relay:    relay,
		hub:      hub,
		engine:   engine,
		records:  records,
		status:   status,
		timeline: timeline,
		sched:    sched,
		clients:  map[string]*fakeClient{},
	}
	for _, u := range online {
		c := &fakeClient{id: u}
		h.clients[u] = c
		hub.Register(context.Background(), c)
	}
	return h
}

func (h *relayHarness) send(t *testing.T, from, event string, data any) error {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return h.relay.Handle(context.Background(), from, Envelope{Event: event, Data: b})
}

func (h *relayHarness) ring(t *testing.T, from, to string) string {
	t.Helper()
	require.NoError(t, h.send(t, from, EventCallUser, map[string]any{
		"userToCall": to,
		"signal":     map[string]string{"sdp": "offer"},
		"callType":   "video",
	}))
	var ack callRinging
	h.clients[from].last(t, EventCallRinging, &ack)
	require.NotEmpty(t, ack.CallID)
	return ack.CallID
}

func TestRelay_CallUserRingsReceiver(t *testing.T) {
	h := newRelayHarness(t, "alice", "bob")
	callID := h.ring(t, "alice", "bob")

	var in callIncoming
	h.clients["bob"].last(t, EventCallIncoming, &in)
	assert.Equal(t, "alice", in.From)
	assert.Equal(t, callID, in.CallID)
	assert.Equal(t, "video", in.CallType)
	assert.Equal(t, "Alice", in.CallerName)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(in.Signal))

	rec, err := h.records.Get(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", rec.ReceiverDisplay.Username)
}

func TestRelay_BusyReceiver(t *testing.T) {
	h := newRelayHarness(t, "alice", "bob", "carol")
	h.ring(t, "alice", "bob")

	require.NoError(t, h.send(t, "carol", EventCallUser, map[string]any{"userToCall": "bob"}))
	var busy callBusy
	h.clients["carol"].last(t, EventCallBusy, &busy)
	assert.Equal(t, "bob", busy.UserID)
	assert.NotContains(t, h.clients["bob"].events()[1:], EventCallIncoming)
}

func TestRelay_OfflineReceiverMissedAfterTimeout(t *testing.T) {
	h := newRelayHarness(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.send(t, "alice", EventCallUser, map[string]any{"userToCall": "bob", "callId": "c1"}))

	var ack callRinging
	h.clients["alice"].last(t, EventCallRinging, &ack)
	assert.Equal(t, "c1", ack.CallID)
	assert.Equal(t, msgOffline, ack.Message)
	assert.NotContains(t, h.clients["alice"].events(), EventCallRejected)

	rec, err := h.records.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusInitiated, rec.Status)

	h.sched.Advance(session.DefaultRingTimeout)

	rec, err = h.records.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusMissed, rec.Status)
	assert.Equal(t, calls.EndedBySystem, rec.EndedBy)
	for _, u := range []string{"alice", "bob"} {
		st, err := h.status.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, callstatus.StatusIdle, st.Status, u)
	}

	require.NotEmpty(t, rec.ConversationID)
	msgs, err := h.timeline.Messages(ctx, rec.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Missed audio call", msgs[0].Body)
	assert.Equal(t, "c1", msgs[0].CallID)

	var ended callFrom
	h.clients["alice"].last(t, EventCallEnded, &ended)
	assert.Equal(t, calls.EndedBySystem, ended.From)
	assert.Contains(t, h.clients["alice"].events(), calllog.EventMessageReceived)
}

func TestRelay_MalformedEvents(t *testing.T) {
	h := newRelayHarness(t, "alice", "bob")
	ctx := context.Background()

	cases := []Envelope{
		{Event: EventCallUser},
		{Event: EventCallUser, Data: json.RawMessage(`{"userToCall":""}`)},
		{Event: EventCallUser, Data: json.RawMessage(`{"userToCall":"bob","callType":"hologram"}`)},
		{Event: EventCallAccepted, Data: json.RawMessage(`{"to":"alice"}`)},
		{Event: EventCallEnded, Data: json.RawMessage(`not json`)},
		{Event: "dance"},
	}
	for _, env := range cases {
		err := h.relay.Handle(ctx, "alice", env)
		assert.ErrorIs(t, err, ErrMalformedEvent, env.Event)
	}
	var e errorPayload
	h.clients["alice"].last(t, EventError, &e)
	assert.Contains(t, e.Message, "unknown event")
	assert.Empty(t, h.records.All())
}

func TestRelay_AcceptThenEnd(t *testing.T) {
	h := newRelayHarness(t, "alice", "bob")
	callID := h.ring(t, "alice", "bob")

	require.NoError(t, h.send(t, "bob", EventCallAccepted, map[string]any{
		"signal": map[string]string{"sdp": "answer"}, "to": "alice", "callType": "video", "callId": callID,
	}))
	var acc callAccepted
	h.clients["alice"].last(t, EventCallAccepted, &acc)
	assert.Equal(t, "bob", acc.From)
	assert.JSONEq(t, `{"sdp":"answer"}`, string(acc.Signal))

	h.sched.Advance(10 * time.Second)
	require.NoError(t, h.send(t, "alice", EventCallEnded, map[string]any{"to": "bob", "callId": callID}))
	var ended callFrom
	h.clients["bob"].last(t, EventCallEnded, &ended)
	assert.Equal(t, "alice", ended.From)

	rec, err := h.records.Get(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusEnded, rec.Status)
	assert.Equal(t, 10, rec.DurationSeconds)
}

func TestRelay_AcceptUnknownCall(t *testing.T) {
	h := newRelayHarness(t, "alice", "bob")
	require.NoError(t, h.send(t, "bob", EventCallAccepted, map[string]any{"to": "alice", "callId": "nope"}))
	var e errorPayload
	h.clients["bob"].last(t, EventError, &e)
	assert.Equal(t, msgNotActive, e.Message)
}

func TestRelay_Reject(t *testing.T) {
	h := newRelayHarness(t, "alice", "bob")
	callID := h.ring(t, "alice", "bob")

	require.NoError(t, h.send(t, "bob", EventCallRejected, map[string]any{"to": "alice", "callId": callID}))
	var rej callFrom
	h.clients["alice"].last(t, EventCallRejected, &rej)
	assert.Equal(t, "bob", rej.From)
	assert.Equal(t, callID, rej.CallID)

	// A later timeout announces nothing.
	h.sched.Advance(session.DefaultRingTimeout)
	assert.NotContains(t, h.clients["alice"].events(), EventCallEnded)
}

func TestRelay_RingTimeoutEndsBothSides(t *testing.T) {
	h := newRelayHarness(t, "alice", "bob")
	callID := h.ring(t, "alice", "bob")

	h.sched.Advance(session.DefaultRingTimeout)

	for _, u := range []string{"alice", "bob"} {
		var ended callFrom
		h.clients[u].last(t, EventCallEnded, &ended)
		assert.Equal(t, calls.EndedBySystem, ended.From)
		assert.Equal(t, callID, ended.CallID)
	}
}

func TestRelay_DisconnectWhileRinging(t *testing.T) {
	h := newRelayHarness(t, "alice", "bob")
	callID := h.ring(t, "alice", "bob")

	require.True(t, h.hub.Unregister(context.Background(), h.clients["alice"]))
	h.relay.Disconnected(context.Background(), "alice")

	var ended callFrom
	h.clients["bob"].last(t, EventCallEnded, &ended)
	assert.Equal(t, "alice", ended.From)

	rec, err := h.records.Get(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusMissed, rec.Status)
}

func TestHub_RegisterReplacesPrevious(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	first := &fakeClient{id: "alice"}
	second := &fakeClient{id: "alice"}

	hub.Register(ctx, first)
	hub.Register(ctx, second)
	assert.True(t, first.closed)

	assert.False(t, hub.Unregister(ctx, first), "stale channel must not evict the new one")
	assert.True(t, hub.Online("alice"))
	assert.True(t, hub.Unregister(ctx, second))
	assert.ErrorIs(t, hub.Emit(ctx, "alice", "x", nil), ErrOffline)
}

func TestServe_WebsocketRoundTrip(t *testing.T) {
	h := newRelayHarness(t)
	up := Upgrader(func(*http.Request) bool { return true })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.relay.Serve(r.Context(), r.URL.Query().Get("user"), conn)
	}))
	defer srv.Close()

	dial := func(user string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	alice := dial("alice")
	bob := dial("bob")
	require.Eventually(t, func() bool { return h.hub.Online("alice") && h.hub.Online("bob") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"event": EventCallUser,
		"data":  map[string]any{"userToCall": "bob", "callType": "audio"},
	}))

	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, bob.ReadJSON(&env))
	assert.Equal(t, EventCallIncoming, env.Event)

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, alice.ReadJSON(&env))
	assert.Equal(t, EventCallRinging, env.Event)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, alice.ReadJSON(&env))
	assert.Equal(t, EventError, env.Event)
}
