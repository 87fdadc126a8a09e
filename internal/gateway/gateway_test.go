package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"signalhub/internal/auth"
	"signalhub/internal/bus"
	"signalhub/internal/config"
	"signalhub/internal/history"
	"signalhub/internal/ratelimit"
	"signalhub/internal/registry"
	"signalhub/internal/room"
	"signalhub/pkg/types"
)

type fixture struct {
	registry *registry.Registry
	rooms    *room.Manager
	history  *history.Store
	limiter  *ratelimit.Limiter
	bus      *bus.Bus
	gateway  *Gateway
	server   *httptest.Server
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		PingInterval:  config.Duration{Duration: time.Minute},
		ReadTimeout:   config.Duration{Duration: time.Minute},
		WriteTimeout:  config.Duration{Duration: 5 * time.Second},
		WriteBuffer:   100,
		WelcomeReplay: 25,
	}
}

func newFixture(t *testing.T, limits ratelimit.Limits, validator auth.Validator) *fixture {
	t.Helper()

	reg := registry.New()
	hist := history.NewStore(100)
	b := bus.New()
	rooms := room.NewManager(reg, hist, b)
	limiter := ratelimit.NewLimiter(limits)
	gw := New(reg, rooms, hist, nil, limiter, b, validator, testGatewayConfig())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", gw.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		gw.Shutdown()
		srv.Close()
	})

	return &fixture{
		registry: reg,
		rooms:    rooms,
		history:  hist,
		limiter:  limiter,
		bus:      b,
		gateway:  gw,
		server:   srv,
	}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

func dial(t *testing.T, f *fixture, query string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL()+query, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var frame map[string]any
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readUntil drains frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, ws)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("never received frame of type %s", frameType)
	return nil
}

func send(t *testing.T, ws *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestGateway_WelcomeFrame(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	welcome := readFrame(t, ws)

	if welcome["type"] != "welcome" {
		t.Fatalf("expected welcome, got %v", welcome["type"])
	}
	if welcome["room"] != types.DefaultRoom {
		t.Errorf("expected default room, got %v", welcome["room"])
	}
	if welcome["connection_id"] == "" {
		t.Error("welcome should carry the connection id")
	}
}

func TestGateway_WelcomeReplaysHistory(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)
	f.history.Append(types.DefaultRoom, &types.Message{
		ID: "m1", Room: types.DefaultRoom, Body: "earlier", SenderID: "x", Timestamp: time.Now(),
	})

	ws := dial(t, f, "", nil)
	welcome := readFrame(t, ws)

	hist, ok := welcome["history"].([]any)
	if !ok || len(hist) != 1 {
		t.Fatalf("expected 1 replayed message, got %v", welcome["history"])
	}
}

func TestGateway_AuthGuard(t *testing.T) {
	validator := auth.NewStaticValidator(map[string]types.Principal{
		"good-token": {UserID: "alice", Role: "operator"},
	})
	f := newFixture(t, ratelimit.DefaultLimits(), validator)

	// Invalid token fails the handshake.
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token=bad", nil)
	if err == nil {
		t.Fatal("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}

	// Valid token via query parameter attaches a principal.
	ws := dial(t, f, "?token=good-token", nil)
	readFrame(t, ws) // welcome

	conns := f.registry.ListAll()
	if len(conns) != 1 || conns[0].Principal == nil || conns[0].Principal.UserID != "alice" {
		t.Errorf("expected authenticated principal, got %+v", conns)
	}

	// Bearer header works too.
	header := http.Header{"Authorization": []string{"Bearer good-token"}}
	ws2 := dial(t, f, "", header)
	readFrame(t, ws2)
	if len(f.registry.ListAll()) != 2 {
		t.Error("second authenticated connection should register")
	}
}

func TestGateway_ConnectionRateLimit(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits.Connection = 1
	f := newFixture(t, limits, nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	if err == nil {
		t.Fatal("expected second handshake to be rate limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %v", resp)
	}
}

func TestGateway_JoinRoom(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)
	f.rooms.Create("ops", types.RoomOptions{}, "admin")

	ws := dial(t, f, "", nil)
	readFrame(t, ws) // welcome

	send(t, ws, map[string]any{"type": "join_room", "room": "ops"})
	joined := readUntil(t, ws, "room_joined")

	if joined["room"] != "ops" {
		t.Errorf("expected room ops, got %v", joined["room"])
	}
	if joined["member_count"].(float64) != 1 {
		t.Errorf("expected member_count 1, got %v", joined["member_count"])
	}
}

func TestGateway_JoinDeniedForWrongPassword(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)
	f.rooms.Create("secret", types.RoomOptions{IsPrivate: true, Password: "hunter2"}, "admin")

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "join_room", "room": "secret", "password": "wrong"})
	errFrame := readUntil(t, ws, "error")

	if errFrame["reason"] != ReasonAccessDenied {
		t.Errorf("expected access_denied, got %v", errFrame["reason"])
	}
}

func TestGateway_JoinUnknownRoom(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "join_room", "room": "ghost"})
	errFrame := readUntil(t, ws, "error")

	if errFrame["reason"] != ReasonRoomNotFound {
		t.Errorf("expected room_not_found, got %v", errFrame["reason"])
	}
}

func TestGateway_LeaveDefaultRoomRejected(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "leave_room", "room": types.DefaultRoom})
	errFrame := readUntil(t, ws, "error")

	if errFrame["reason"] != ReasonForbidden {
		t.Errorf("expected forbidden, got %v", errFrame["reason"])
	}
}

func TestGateway_SendMessageRoundTrip(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)
	f.rooms.Create("ops", types.RoomOptions{}, "admin")

	sender := dial(t, f, "", nil)
	readFrame(t, sender)
	receiver := dial(t, f, "", nil)
	readFrame(t, receiver)

	send(t, sender, map[string]any{"type": "join_room", "room": "ops"})
	readUntil(t, sender, "room_joined")
	send(t, receiver, map[string]any{"type": "join_room", "room": "ops"})
	readUntil(t, receiver, "room_joined")

	send(t, sender, map[string]any{"type": "send_message", "room": "ops", "body": "deploy done"})

	ack := readUntil(t, sender, "message_sent")
	if ack["id"] == "" {
		t.Error("ack should carry the generated message id")
	}

	incoming := readUntil(t, receiver, "new_message")
	msg := incoming["message"].(map[string]any)
	if msg["body"] != "deploy done" {
		t.Errorf("expected body to survive the round trip, got %v", msg["body"])
	}

	// The message is also retrievable from history and search.
	recent := f.history.Recent("ops", 1)
	if len(recent) != 1 || recent[0].Body != "deploy done" {
		t.Errorf("history should hold the message, got %v", recent)
	}
	if len(f.history.Search("ops", "deploy", 10)) != 1 {
		t.Error("search should find the message")
	}
}

func TestGateway_SendMessageRejectsEmptyBody(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "send_message", "room": types.DefaultRoom, "body": "   "})
	errFrame := readUntil(t, ws, "error")

	if errFrame["reason"] != ReasonInvalidInput {
		t.Errorf("expected invalid_input, got %v", errFrame["reason"])
	}
}

func TestGateway_SendMessageRequiresMembership(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)
	f.rooms.Create("ops", types.RoomOptions{}, "admin")

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "send_message", "room": "ops", "body": "hi"})
	errFrame := readUntil(t, ws, "error")

	if errFrame["reason"] != ReasonAccessDenied {
		t.Errorf("expected access_denied, got %v", errFrame["reason"])
	}
}

func TestGateway_MessageRateLimit(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits.Message = 2
	f := newFixture(t, limits, nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	for i := 0; i < 2; i++ {
		send(t, ws, map[string]any{"type": "send_message", "room": types.DefaultRoom, "body": "hello"})
		readUntil(t, ws, "message_sent")
	}

	send(t, ws, map[string]any{"type": "send_message", "room": types.DefaultRoom, "body": "hello"})
	errFrame := readUntil(t, ws, "error")
	if errFrame["reason"] != ReasonRateLimited {
		t.Errorf("expected rate_limited, got %v", errFrame["reason"])
	}
}

func TestGateway_TypingRelayExcludesSender(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	alice := dial(t, f, "", nil)
	readFrame(t, alice)
	bob := dial(t, f, "", nil)
	readFrame(t, bob)

	send(t, alice, map[string]any{"type": "typing", "room": types.DefaultRoom, "is_typing": true})

	typing := readUntil(t, bob, "user_typing")
	if typing["is_typing"] != true {
		t.Errorf("expected is_typing true, got %v", typing["is_typing"])
	}

	// Sender gets a pong for a follow-up ping but never its own typing echo.
	send(t, alice, map[string]any{"type": "ping"})
	frame := readUntil(t, alice, "pong")
	if frame["type"] != "pong" {
		t.Errorf("expected pong, got %v", frame["type"])
	}
}

func TestGateway_PingPong(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "ping"})
	pong := readUntil(t, ws, "pong")
	if pong["timestamp"] == nil {
		t.Error("pong should carry a timestamp")
	}
}

func TestGateway_GetStats(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "get_stats"})
	stats := readUntil(t, ws, "stats")

	if stats["total_connections"].(float64) != 1 {
		t.Errorf("expected 1 connection, got %v", stats["total_connections"])
	}
	conn := stats["connection"].(map[string]any)
	rooms := conn["rooms"].([]any)
	if len(rooms) != 1 || rooms[0] != types.DefaultRoom {
		t.Errorf("expected [lobby], got %v", rooms)
	}
}

func TestGateway_UnknownOperation(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "self_destruct"})
	errFrame := readUntil(t, ws, "error")
	if errFrame["reason"] != ReasonUnknownOp {
		t.Errorf("expected unknown_operation, got %v", errFrame["reason"])
	}
}

func TestGateway_DisconnectCascade(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)
	f.rooms.Create("ops", types.RoomOptions{}, "admin")

	var disconnects []bus.Event
	done := make(chan struct{})
	f.bus.Subscribe(bus.TopicClientDisconnected, func(e bus.Event) {
		disconnects = append(disconnects, e)
		close(done)
	})

	ws := dial(t, f, "", nil)
	readFrame(t, ws)
	send(t, ws, map[string]any{"type": "join_room", "room": "ops"})
	readUntil(t, ws, "room_joined")

	ws.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client.disconnected never published")
	}

	if len(f.registry.ListAll()) != 0 {
		t.Error("registry should be empty after disconnect")
	}
	if f.registry.MemberCount("ops") != 0 {
		t.Error("room membership should be cleared")
	}
	if len(disconnects) != 1 {
		t.Errorf("expected 1 disconnect event, got %d", len(disconnects))
	}
}

func TestGateway_RoomDeletedNotifiesMembers(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)
	f.rooms.Create("ops", types.RoomOptions{}, "admin")

	ws := dial(t, f, "", nil)
	readFrame(t, ws)
	send(t, ws, map[string]any{"type": "join_room", "room": "ops"})
	readUntil(t, ws, "room_joined")

	if _, err := f.rooms.Delete("ops", "admin"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	removed := readUntil(t, ws, "room_removed")
	if removed["room"] != "ops" {
		t.Errorf("expected room ops, got %v", removed["room"])
	}
}

func TestGateway_MalformedFrame(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	readFrame(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	errFrame := readUntil(t, ws, "error")
	if errFrame["reason"] != ReasonInvalidInput {
		t.Errorf("expected invalid_input, got %v", errFrame["reason"])
	}

	// The connection survives malformed input.
	send(t, ws, map[string]any{"type": "ping"})
	readUntil(t, ws, "pong")
}

func TestGateway_JSONFrameShape(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits(), nil)

	ws := dial(t, f, "", nil)
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("welcome frame is not valid JSON: %v", err)
	}
	if _, ok := frame["timestamp"]; !ok {
		t.Error("welcome frame should carry a timestamp")
	}
}
