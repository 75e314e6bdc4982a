package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"relay/db"
	"relay/metrics"
	"relay/models"
	"relay/presence"
	"relay/protocol"
	"relay/store"
)

const (
	eventTimeout = 2 * time.Second
	quietPeriod  = 200 * time.Millisecond
)

type testServer struct {
	srv      *Server
	registry *presence.Registry
	store    store.Store
	http     *httptest.Server
}

// setupTestServer serves a relay over httptest. A nil st selects the
// ephemeral store backed by the server's own registry.
func setupTestServer(t *testing.T, st store.Store) *testServer {
	t.Helper()
	return setupTestServerWith(t, func(registry *presence.Registry) store.Store {
		if st == nil {
			return store.NewMemory(registry)
		}
		return st
	})
}

// setupFallbackServer wires durable behind the in-memory log, as the relay
// does at startup.
func setupFallbackServer(t *testing.T, durable store.Store) *testServer {
	t.Helper()
	return setupTestServerWith(t, func(registry *presence.Registry) store.Store {
		return store.NewFallback(durable, registry)
	})
}

func setupTestServerWith(t *testing.T, open func(*presence.Registry) store.Store) *testServer {
	t.Helper()

	registry := presence.NewRegistry()
	st := open(registry)
	srv := New(st, registry, &ServerConfig{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
		PingInterval: time.Second,
		Metrics:      true,
	}, metrics.New())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &testServer{srv: srv, registry: registry, store: st, http: ts}
}

func setupDurableServer(t *testing.T) (*testServer, *db.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "relay.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return setupFallbackServer(t, database), database
}

// testClient reads frames on its own goroutine so pings are answered and
// reads can time out without breaking the connection.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	events chan *protocol.Envelope
	done   chan struct{}
}

func (ts *testServer) dial(t *testing.T) *testClient {
	t.Helper()

	before := len(ts.srv.Conns())
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &testClient{
		t:      t,
		conn:   conn,
		events: make(chan *protocol.Envelope, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { c.conn.Close() })

	// The session is registered once the handler runs.
	require.Eventually(t, func() bool {
		return len(ts.srv.Conns()) > before
	}, eventTimeout, 5*time.Millisecond)
	return c
}

func (c *testClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			continue
		}
		c.events <- env
	}
}

func (c *testClient) sendRequest(eventType protocol.EventType, data interface{}) {
	c.t.Helper()
	env, err := protocol.NewEnvelope(eventType, data)
	require.NoError(c.t, err)
	frame, err := env.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *testClient) sendRaw(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// readResponse returns the next event, failing if it is not of eventType.
func (c *testClient) readResponse(eventType protocol.EventType) *protocol.Envelope {
	c.t.Helper()
	select {
	case env := <-c.events:
		require.Equal(c.t, eventType, env.Type, "payload: %s", env.Data)
		return env
	case <-time.After(eventTimeout):
		c.t.Fatalf("no %s event within %s", eventType, eventTimeout)
		return nil
	}
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	select {
	case env := <-c.events:
		c.t.Fatalf("unexpected %s event: %s", env.Type, env.Data)
	case <-time.After(quietPeriod):
	}
}

func (c *testClient) authenticate(id int64, username, avatar string) []protocol.PeerPayload {
	c.t.Helper()
	c.sendRequest(protocol.TypeAuthenticate, protocol.AuthenticatePayload{
		UserID:   id,
		Username: username,
		Avatar:   avatar,
	})

	var roster []protocol.PeerPayload
	unmarshal(c.t, c.readResponse(protocol.TypeUserList), &roster)
	return roster
}

func (c *testClient) close() {
	c.t.Helper()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func unmarshal(t *testing.T, env *protocol.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(v))
	}
	return res.StatusCode
}

func TestAuthenticate_Roster_And_Joined(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)

	// Given alice is online
	alice := ts.dial(t)
	req.Empty(alice.authenticate(1, "alice", "🦄"))

	// When bob authenticates
	bob := ts.dial(t)
	roster := bob.authenticate(2, "bob", "🔨")

	// Then bob sees everyone else and alice learns about bob
	req.Equal([]protocol.PeerPayload{{ID: 1, Username: "alice", Avatar: "🦄", Status: models.StatusOnline}}, roster)

	var joined protocol.PeerPayload
	unmarshal(t, alice.readResponse(protocol.TypeUserJoined), &joined)
	req.Equal(protocol.PeerPayload{ID: 2, Username: "bob", Avatar: "🔨", Status: models.StatusOnline}, joined)

	bob.expectNothing()
	req.Equal(2, ts.registry.Len())
}

func TestAuthenticate_Roster_Size(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)

	for i := int64(1); i <= 4; i++ {
		roster := ts.dial(t).authenticate(i, "user"+strconv.FormatInt(i, 10), "")
		req.Len(roster, int(i-1))
	}
	req.Equal(4, ts.registry.Len())
}

func TestAuthenticate_Invalid_Payload(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)
	c := ts.dial(t)

	// Missing username
	c.sendRaw(`{"type":"authenticate","data":{"userId":1}}`)

	var p protocol.ErrorPayload
	unmarshal(t, c.readResponse(protocol.TypeError), &p)
	req.Equal(protocol.ErrCodeInvalidMsg, p.Code)
	req.Contains(p.Message, "username")
	req.Zero(ts.registry.Len())
}

func TestFrame_Malformed_And_Unknown(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)
	c := ts.dial(t)

	c.sendRaw(`not json`)
	var p protocol.ErrorPayload
	unmarshal(t, c.readResponse(protocol.TypeError), &p)
	req.Equal(protocol.ErrCodeInvalidMsg, p.Code)

	c.sendRaw(`{"type":"dance","data":{}}`)
	unmarshal(t, c.readResponse(protocol.TypeError), &p)
	req.Equal(protocol.ErrCodeUnknownEvent, p.Code)
}

func TestReauthenticate_Does_Not_Duplicate(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	alice.readResponse(protocol.TypeUserJoined)

	// When bob authenticates again on the same connection
	roster := bob.authenticate(2, "bobby", "🔨")

	// Then there is still one entry for bob, with the new name
	req.Len(roster, 1)
	req.Equal(2, ts.registry.Len())
	entry, ok := ts.registry.Find(2)
	req.True(ok)
	req.Equal("bobby", entry.Username)

	var joined protocol.PeerPayload
	unmarshal(t, alice.readResponse(protocol.TypeUserJoined), &joined)
	req.Equal("bobby", joined.Username)
}

func TestAuthenticate_Takes_Over_Identity(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)

	observer := ts.dial(t)
	observer.authenticate(9, "observer", "")

	first := ts.dial(t)
	first.authenticate(1, "alice", "🦄")
	observer.readResponse(protocol.TypeUserJoined)

	// When a second connection claims the same identity
	second := ts.dial(t)
	second.authenticate(1, "alice", "🦄")

	// Then the first connection is told it was replaced
	var p protocol.ErrorPayload
	unmarshal(t, first.readResponse(protocol.TypeError), &p)
	req.Equal(protocol.ErrCodeReplaced, p.Code)
	first.readResponse(protocol.TypeUserJoined)
	observer.readResponse(protocol.TypeUserJoined)

	// And its disconnect does not remove the identity
	first.close()
	observer.expectNothing()
	_, ok := ts.registry.Find(1)
	req.True(ok)
	req.Equal(2, ts.registry.Len())

	// Messages reach the new connection
	observer.sendRequest(protocol.TypeSendMessage, protocol.SendMessagePayload{
		SenderID: 9, SenderName: "observer", ReceiverID: 1, Content: "still there?",
	})
	msg := decodeMessage(t, second.readResponse(protocol.TypeMessage))
	req.Equal("still there?", msg.Content)
}

func connIDOf(t *testing.T, ts *testServer, id int64) string {
	t.Helper()
	entry, ok := ts.registry.Find(id)
	require.True(t, ok)
	return entry.Conn.ID()
}

func TestSendMessage_Delivered_To_Receiver_Only(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	carol := ts.dial(t)
	carol.authenticate(3, "carol", "🐱")
	alice.readResponse(protocol.TypeUserJoined)
	alice.readResponse(protocol.TypeUserJoined)
	bob.readResponse(protocol.TypeUserJoined)

	// When alice writes to bob
	alice.sendRequest(protocol.TypeSendMessage, protocol.SendMessagePayload{
		SenderID: 1, SenderName: "alice", ReceiverID: 2, Content: "hello",
	})

	// Then bob receives it exactly once, nobody else sees it
	msg := decodeMessage(t, bob.readResponse(protocol.TypeMessage))
	req.Equal(int64(1), msg.SenderID)
	req.Equal(int64(2), msg.ReceiverID)
	req.Equal("alice", msg.SenderName)
	req.Equal("hello", msg.Content)
	req.Equal(int64(1), msg.ID)

	bob.expectNothing()
	alice.expectNothing()
	carol.expectNothing()
}

func TestSendMessage_Receiver_Absent(t *testing.T) {
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")

	alice.sendRequest(protocol.TypeSendMessage, protocol.SendMessagePayload{
		SenderID: 1, ReceiverID: 42, Content: "anyone?",
	})

	// Then the sender gets no error and no acknowledgment
	alice.expectNothing()

	var log []models.Message
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/api/messages/1/42", &log))
	require.Len(t, log, 1)
}

func TestSendMessage_Requires_Authentication(t *testing.T) {
	ts := setupTestServer(t, nil)
	c := ts.dial(t)

	c.sendRequest(protocol.TypeSendMessage, protocol.SendMessagePayload{
		SenderID: 1, ReceiverID: 2, Content: "hi",
	})

	var p protocol.ErrorPayload
	unmarshal(t, c.readResponse(protocol.TypeError), &p)
	require.Equal(t, protocol.ErrCodeUnauthorized, p.Code)
}

func TestSendMessage_Invalid_Payload(t *testing.T) {
	ts := setupTestServer(t, nil)
	c := ts.dial(t)
	c.authenticate(1, "alice", "")

	c.sendRaw(`{"type":"send_message","data":{"senderId":1,"receiverId":2}}`)

	var p protocol.ErrorPayload
	unmarshal(t, c.readResponse(protocol.TypeError), &p)
	require.Equal(t, protocol.ErrCodeInvalidMsg, p.Code)
	require.Contains(t, p.Message, "content")
}

func TestChangeStatus_Reaches_Everyone(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	alice.readResponse(protocol.TypeUserJoined)

	// When alice goes Away
	alice.sendRequest(protocol.TypeChangeStatus, protocol.ChangeStatusPayload{
		UserID: 1, Status: models.StatusAway,
	})

	// Then both alice and bob are told
	for _, c := range []*testClient{alice, bob} {
		var p protocol.StatusChangedPayload
		unmarshal(t, c.readResponse(protocol.TypeStatusChanged), &p)
		req.Equal(protocol.StatusChangedPayload{UserID: 1, Status: models.StatusAway}, p)
	}

	entry, ok := ts.registry.Find(1)
	req.True(ok)
	req.Equal(models.StatusAway, entry.Status)

	// A later joiner sees the current status
	carol := ts.dial(t)
	roster := carol.authenticate(3, "carol", "")
	req.Len(roster, 2)
	for _, peer := range roster {
		if peer.ID == 1 {
			req.Equal(models.StatusAway, peer.Status)
		}
	}
}

func TestChangeStatus_Unknown_Identity_Is_Ignored(t *testing.T) {
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")

	alice.sendRequest(protocol.TypeChangeStatus, protocol.ChangeStatusPayload{
		UserID: 77, Status: models.StatusDoNotDisturb,
	})
	alice.expectNothing()
	_, ok := ts.registry.Find(77)
	require.False(t, ok)
}

func TestChangeStatus_Invalid_Status(t *testing.T) {
	ts := setupTestServer(t, nil)
	c := ts.dial(t)
	c.authenticate(1, "alice", "")

	c.sendRaw(`{"type":"change_status","data":{"userId":1,"status":"Sleeping"}}`)

	var p protocol.ErrorPayload
	unmarshal(t, c.readResponse(protocol.TypeError), &p)
	require.Equal(t, protocol.ErrCodeInvalidMsg, p.Code)
}

func TestDisconnect_Announces_Once(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	carol := ts.dial(t)
	carol.authenticate(3, "carol", "🐱")
	alice.readResponse(protocol.TypeUserJoined)
	alice.readResponse(protocol.TypeUserJoined)
	bob.readResponse(protocol.TypeUserJoined)

	// When bob goes away
	bob.close()

	// Then each remaining session sees exactly one user_left
	for _, c := range []*testClient{alice, carol} {
		var p protocol.UserLeftPayload
		unmarshal(t, c.readResponse(protocol.TypeUserLeft), &p)
		req.Equal(int64(2), p.UserID)
		c.expectNothing()
	}

	_, ok := ts.registry.Find(2)
	req.False(ok)
	req.Equal(2, ts.registry.Len())
}

func TestDisconnect_Unauthenticated_Is_Silent(t *testing.T) {
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	lurker := ts.dial(t)

	lurker.close()
	alice.expectNothing()
	require.Equal(t, 1, ts.registry.Len())
}

func TestDisconnect_Is_Idempotent(t *testing.T) {
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	alice.readResponse(protocol.TypeUserJoined)

	session := findSession(t, ts, 2)
	ts.srv.handleDisconnect(context.Background(), session)
	ts.srv.handleDisconnect(context.Background(), session)

	alice.readResponse(protocol.TypeUserLeft)
	alice.expectNothing()
	require.Equal(t, 1, ts.registry.Len())
}

func findSession(t *testing.T, ts *testServer, id int64) *Session {
	t.Helper()
	session, ok := ts.srv.getSession(connIDOf(t, ts, id))
	require.True(t, ok)
	return session
}

func TestBroadcast_Reaches_Unauthenticated_Sessions(t *testing.T) {
	ts := setupTestServer(t, nil)

	lurker := ts.dial(t)
	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")

	var joined protocol.PeerPayload
	unmarshal(t, lurker.readResponse(protocol.TypeUserJoined), &joined)
	require.Equal(t, int64(1), joined.ID)
}

func TestScenario_Ephemeral_Conversation(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)
	req.Equal("ephemeral", ts.store.Mode())

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	alice.readResponse(protocol.TypeUserJoined)

	alice.sendRequest(protocol.TypeSendMessage, protocol.SendMessagePayload{
		SenderID: 1, SenderName: "alice", ReceiverID: 2, Content: "hello",
	})
	req.Equal("hello", decodeMessage(t, bob.readResponse(protocol.TypeMessage)).Content)

	// Then the conversation is readable in either direction
	for _, path := range []string{"/api/messages/1/2", "/api/messages/2/1"} {
		var log []models.Message
		req.Equal(http.StatusOK, getJSON(t, ts.http.URL+path, &log))
		req.Len(log, 1)
		req.Equal("hello", log[0].Content)
	}

	// And the user list is the live set
	var users []models.User
	req.Equal(http.StatusOK, getJSON(t, ts.http.URL+"/api/users", &users))
	req.Len(users, 2)
	req.Equal("alice", users[0].Username)
}

func TestScenario_Durable_Store(t *testing.T) {
	req := require.New(t)
	ts, database := setupDurableServer(t)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	alice.readResponse(protocol.TypeUserJoined)

	alice.sendRequest(protocol.TypeSendMessage, protocol.SendMessagePayload{
		SenderID: 1, SenderName: "alice", ReceiverID: 2, Content: "persisted",
	})
	bob.readResponse(protocol.TypeMessage)

	var log []models.Message
	req.Equal(http.StatusOK, getJSON(t, ts.http.URL+"/api/messages/2/1", &log))
	req.Len(log, 1)
	req.Equal("persisted", log[0].Content)
	req.Equal("alice", log[0].SenderName)
	req.Equal("bob", log[0].ReceiverName)

	// When bob leaves, bob is recorded Offline with a last-seen time
	bob.close()
	alice.readResponse(protocol.TypeUserLeft)

	users, err := database.ListUsers(context.Background())
	req.NoError(err)
	req.Len(users, 2)
	req.Equal("bob", users[1].Username)
	req.Equal(models.StatusOffline, users[1].Status)
	req.NotNil(users[1].LastSeen)
	req.Equal(models.StatusOnline, users[0].Status)
}

func TestScenario_Store_Unreachable(t *testing.T) {
	req := require.New(t)
	ts := setupFallbackServer(t, failingStore{})

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	alice.readResponse(protocol.TypeUserJoined)

	// Live delivery still works
	alice.sendRequest(protocol.TypeSendMessage, protocol.SendMessagePayload{
		SenderID: 1, SenderName: "alice", ReceiverID: 2, Content: "hello",
	})
	msg := decodeMessage(t, bob.readResponse(protocol.TypeMessage))
	req.Equal("hello", msg.Content)
	req.Zero(msg.ID)
	alice.expectNothing()

	// Reads degrade to the in-memory view without failing
	var users []models.User
	req.Equal(http.StatusOK, getJSON(t, ts.http.URL+"/api/users", &users))
	req.Len(users, 2)

	var log []models.Message
	req.Equal(http.StatusOK, getJSON(t, ts.http.URL+"/api/messages/1/2", &log))
	req.Len(log, 1)
	req.Equal("hello", log[0].Content)
	req.Equal(int64(1), log[0].SenderID)
	req.Equal(int64(2), log[0].ReceiverID)

	var health healthResponse
	req.Equal(http.StatusOK, getJSON(t, ts.http.URL+"/healthz", &health))
	req.Equal(healthResponse{Status: "ok", Store: "durable"}, health)
}

func TestAPI_Conversation_Bad_Ids(t *testing.T) {
	ts := setupTestServer(t, nil)

	var body map[string]string
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.http.URL+"/api/messages/1/bob", &body))
	require.NotEmpty(t, body["error"])
}

func TestAPI_CORS_Header(t *testing.T) {
	ts := setupTestServer(t, nil)

	res, err := http.Get(ts.http.URL + "/api/users")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))
}

func TestHealth(t *testing.T) {
	req := require.New(t)

	ts := setupTestServer(t, nil)
	var health healthResponse
	req.Equal(http.StatusOK, getJSON(t, ts.http.URL+"/healthz", &health))
	req.Equal(healthResponse{Status: "ok", Store: "ephemeral"}, health)

	durable, database := setupDurableServer(t)
	req.Equal(http.StatusOK, getJSON(t, durable.http.URL+"/healthz", &health))
	req.Equal(healthResponse{Status: "ok", Store: "durable"}, health)

	// A closed database no longer answers pings
	req.NoError(database.Close())
	req.Equal(http.StatusOK, getJSON(t, durable.http.URL+"/healthz", &health))
	req.Equal("degraded", health.Status)
}

func TestMetrics_Endpoint(t *testing.T) {
	ts := setupTestServer(t, nil)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	alice.sendRequest(protocol.TypeSendMessage, protocol.SendMessagePayload{
		SenderID: 1, ReceiverID: 2, Content: "void",
	})
	alice.expectNothing()

	res, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "relay_sessions 1")
	require.Contains(t, string(body), `relay_messages_dropped_total{reason="offline"} 1`)
}

func TestGetStats(t *testing.T) {
	ts := setupTestServer(t, nil)
	require.Equal(t, "sessions=0,online=0,users=", ts.srv.GetStats())

	b := ts.dial(t)
	b.authenticate(2, "bob", "")
	a := ts.dial(t)
	a.authenticate(1, "alice", "")
	ts.dial(t)

	require.Equal(t, "sessions=3,online=2,users=1;2", ts.srv.GetStats())
}

func TestShutdown_Marks_Everyone_Offline(t *testing.T) {
	req := require.New(t)
	ts, database := setupDurableServer(t)

	alice := ts.dial(t)
	alice.authenticate(1, "alice", "🦄")
	bob := ts.dial(t)
	bob.authenticate(2, "bob", "🔨")
	alice.readResponse(protocol.TypeUserJoined)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(ts.srv.Shutdown(ctx))

	// Then every client is disconnected without user_left fan-out
	for _, c := range []*testClient{alice, bob} {
		select {
		case <-c.done:
		case <-time.After(eventTimeout):
			t.Fatal("client was not disconnected")
		}
		req.Empty(c.events)
	}
	req.Zero(ts.registry.Len())
	req.Empty(ts.srv.Conns())

	users, err := database.ListUsers(context.Background())
	req.NoError(err)
	for _, u := range users {
		req.Equal(models.StatusOffline, u.Status)
		req.NotNil(u.LastSeen)
	}
}

func TestShutdown_Rejects_New_Sessions(t *testing.T) {
	req := require.New(t)
	ts := setupTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(ts.srv.Shutdown(ctx))

	// When a client connects after shutdown has started
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)

	// Then the upgrade is refused and no handler is tracked
	if conn != nil {
		conn.Close()
	}
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusServiceUnavailable, res.StatusCode)
	req.False(ts.srv.begin())
	req.False(ts.srv.addSession(newSession(nil, "late", 1)))
	req.Empty(ts.srv.Conns())
}

func TestSession_Send_Full_And_Closed(t *testing.T) {
	req := require.New(t)
	session := newSession(nil, "test", 1)

	env, err := protocol.NewEnvelope(protocol.TypeUserLeft, protocol.UserLeftPayload{UserID: 1})
	req.NoError(err)

	req.NoError(session.Send(env))
	req.ErrorIs(session.Send(env), presence.ErrSendFull)

	session.close()
	session.close()
	req.ErrorIs(session.Send(env), presence.ErrConnClosed)
}

func TestSession_Identity(t *testing.T) {
	req := require.New(t)
	session := newSession(nil, "test", 1)

	_, ok := session.Identity()
	req.False(ok)

	session.bind(5, "eve")
	id, ok := session.Identity()
	req.True(ok)
	req.Equal(int64(5), id)
	req.Equal("eve", session.Username())

	session.unbind()
	_, ok = session.Identity()
	req.False(ok)
}
