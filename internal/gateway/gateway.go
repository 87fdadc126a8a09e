package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"signalhub/internal/archive"
	"signalhub/internal/auth"
	"signalhub/internal/bus"
	"signalhub/internal/config"
	"signalhub/internal/history"
	"signalhub/internal/ratelimit"
	"signalhub/internal/registry"
	"signalhub/internal/room"
	"signalhub/pkg/types"
)

// Protocol operation names accepted from clients.
const (
	opJoinRoom    = "join_room"
	opLeaveRoom   = "leave_room"
	opSendMessage = "send_message"
	opTyping      = "typing"
	opPing        = "ping"
	opGetStats    = "get_stats"
)

type inboundFrame struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	Password string `json:"password,omitempty"`
	Body     string `json:"body,omitempty"`
	Kind     string `json:"kind,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
}

// Gateway terminates bidirectional WebSocket connections, runs the guard
// chain on each handshake, dispatches protocol operations, and mirrors bus
// events back onto member sockets.
type Gateway struct {
	upgrader  websocket.Upgrader
	registry  *registry.Registry
	rooms     *room.Manager
	history   *history.Store
	archive   *archive.Archive
	limiter   *ratelimit.Limiter
	bus       *bus.Bus
	validator auth.Validator
	cfg       config.GatewayConfig

	mu    sync.Mutex
	conns map[string]*Conn
	subs  []func()
}

// New wires the gateway and registers its bus subscriptions. archive and
// validator may be nil; a nil validator rejects every supplied token.
func New(reg *registry.Registry, rooms *room.Manager, hist *history.Store, arc *archive.Archive,
	limiter *ratelimit.Limiter, b *bus.Bus, validator auth.Validator, cfg config.GatewayConfig) *Gateway {

	g := &Gateway{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		registry:  reg,
		rooms:     rooms,
		history:   hist,
		archive:   arc,
		limiter:   limiter,
		bus:       b,
		validator: validator,
		cfg:       cfg,
		conns:     make(map[string]*Conn),
	}

	g.subs = append(g.subs,
		b.Subscribe(bus.TopicMessageSent, g.onMessageSent),
		b.Subscribe(bus.TopicClientJoined, g.onMembership("client_joined")),
		b.Subscribe(bus.TopicClientLeft, g.onMembership("client_left")),
		b.Subscribe(bus.TopicRoomDeleted, g.onRoomDeleted),
		b.Subscribe(bus.TopicUserTyping, g.onTyping),
	)
	return g
}

// HandleWebSocket runs the guard chain (token, connection rate limit),
// upgrades the socket and starts the connection's read loop.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := g.authenticate(r)
	if err != nil {
		http.Error(w, types.ErrAuthenticationFailed.Error(), http.StatusUnauthorized)
		return
	}

	rateKey := remoteHost(r)
	if principal != nil {
		rateKey = principal.UserID
	}
	if !g.limiter.Allow(rateKey, ratelimit.CategoryConnection) {
		http.Error(w, types.ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := newConn(uuid.New().String(), ws, g.cfg.WriteBuffer, g.cfg.WriteTimeout.Duration)
	g.registry.Register(conn.ID(), registry.Meta{
		Principal:  principal,
		UserAgent:  r.UserAgent(),
		RemoteAddr: remoteHost(r),
		Pusher:     conn,
	})

	g.mu.Lock()
	g.conns[conn.ID()] = conn
	g.mu.Unlock()

	g.bus.Publish(bus.TopicClientConnected, types.DefaultRoom, map[string]any{
		"connection_id":     conn.ID(),
		"user_id":           userID(principal),
		"total_connections": len(g.registry.ListAll()),
	})

	g.sendWelcome(conn)

	go g.readLoop(conn, principal)
}

// authenticate extracts a token from the Authorization header, then the
// token query parameter, then the access_token query parameter. Absent
// token means anonymous; a present but invalid token fails the handshake.
func (g *Gateway) authenticate(r *http.Request) (*types.Principal, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return nil, nil
	}
	if g.validator == nil {
		return nil, auth.ErrInvalidToken
	}
	return g.validator.Validate(r.Context(), token)
}

func (g *Gateway) sendWelcome(conn *Conn) {
	welcome := map[string]any{
		"type":          "welcome",
		"connection_id": conn.ID(),
		"room":          types.DefaultRoom,
		"history":       g.history.Recent(types.DefaultRoom, g.cfg.WelcomeReplay),
		"timestamp":     time.Now(),
	}
	if err := conn.Push(welcome); err != nil {
		log.Printf("Failed to send welcome frame to %s: %v", conn.ID(), err)
	}
}

// readLoop pumps inbound frames until the socket closes, keeping the
// connection alive with control pings. On exit it runs the full disconnect
// cascade.
func (g *Gateway) readLoop(conn *Conn, principal *types.Principal) {
	defer g.teardown(conn)

	if err := conn.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout.Duration)); err != nil {
		return
	}
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout.Duration))
	})

	ticker := time.NewTicker(g.cfg.PingInterval.Duration)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout.Duration)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error on %s: %v", conn.ID(), err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		g.dispatch(conn, principal, data)
	}
}

func (g *Gateway) teardown(conn *Conn) {
	g.mu.Lock()
	delete(g.conns, conn.ID())
	g.mu.Unlock()

	rooms := g.rooms.Disconnect(conn.ID())
	g.bus.Publish(bus.TopicClientDisconnected, types.DefaultRoom, map[string]any{
		"connection_id":     conn.ID(),
		"rooms":             rooms,
		"total_connections": len(g.registry.ListAll()),
	})
	_ = conn.Close()
}

// dispatch routes one inbound frame. Handler failures become structured
// error replies on the same connection; they never take down the read loop
// or other connections.
func (g *Gateway) dispatch(conn *Conn, principal *types.Principal, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Handler panic on connection %s: %v", conn.ID(), r)
			g.sendError(conn, "unknown", ReasonInternal, types.ErrInternal.Error())
		}
	}()

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.sendError(conn, "unknown", ReasonInvalidInput, "malformed frame")
		return
	}

	clientKey := conn.ID()
	if principal != nil {
		clientKey = principal.UserID
	}

	switch frame.Type {
	case opSendMessage:
		if !g.limiter.Allow(clientKey, ratelimit.CategoryMessage) {
			g.sendError(conn, frame.Type, ReasonRateLimited, "message rate limit exceeded")
			return
		}
		g.handleSendMessage(conn, principal, frame)

	case opJoinRoom:
		if !g.allowEvent(clientKey, frame.Type) {
			g.sendError(conn, frame.Type, ReasonRateLimited, "event rate limit exceeded")
			return
		}
		g.handleJoinRoom(conn, frame)

	case opLeaveRoom:
		if !g.allowEvent(clientKey, frame.Type) {
			g.sendError(conn, frame.Type, ReasonRateLimited, "event rate limit exceeded")
			return
		}
		g.handleLeaveRoom(conn, frame)

	case opTyping:
		// Best-effort: dropped silently when limited or invalid.
		if g.allowEvent(clientKey, frame.Type) {
			g.handleTyping(conn, frame)
		}

	case opPing:
		if g.allowEvent(clientKey, frame.Type) {
			g.handlePing(conn)
		}

	case opGetStats:
		if !g.allowEvent(clientKey, frame.Type) {
			g.sendError(conn, frame.Type, ReasonRateLimited, "event rate limit exceeded")
			return
		}
		g.handleGetStats(conn)

	default:
		g.sendError(conn, frame.Type, ReasonUnknownOp, "unknown operation")
	}
}

func (g *Gateway) allowEvent(clientKey, event string) bool {
	return g.limiter.Allow(clientKey+"|"+event, ratelimit.CategoryEvent)
}

func (g *Gateway) handleJoinRoom(conn *Conn, frame inboundFrame) {
	if err := g.rooms.Authorize(conn.ID(), frame.Room, frame.Password); err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			g.sendError(conn, opJoinRoom, ReasonRoomNotFound, err.Error())
		} else {
			g.sendError(conn, opJoinRoom, ReasonAccessDenied, err.Error())
		}
		return
	}

	count, err := g.rooms.Join(conn.ID(), frame.Room)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotRegistered):
			g.sendError(conn, opJoinRoom, ReasonNotFound, "connection not registered")
		case errors.Is(err, room.ErrRoomNotFound):
			g.sendError(conn, opJoinRoom, ReasonRoomNotFound, "room not found")
		default:
			g.sendError(conn, opJoinRoom, ReasonAccessDenied, err.Error())
		}
		return
	}

	g.registry.Touch(conn.ID())
	_ = conn.Push(map[string]any{
		"type":         "room_joined",
		"room":         frame.Room,
		"member_count": count,
	})
}

func (g *Gateway) handleLeaveRoom(conn *Conn, frame inboundFrame) {
	if _, err := g.rooms.Leave(conn.ID(), frame.Room); err != nil {
		reason := ReasonInvalidInput
		if errors.Is(err, room.ErrProtectedRoom) {
			reason = ReasonForbidden
		}
		g.sendError(conn, opLeaveRoom, reason, err.Error())
		return
	}

	g.registry.Touch(conn.ID())
	_ = conn.Push(map[string]any{
		"type": "room_left",
		"room": frame.Room,
	})
}

func (g *Gateway) handleSendMessage(conn *Conn, principal *types.Principal, frame inboundFrame) {
	if !g.registry.IsMember(conn.ID(), frame.Room) {
		g.sendError(conn, opSendMessage, ReasonAccessDenied, "not a member of room")
		return
	}
	if !types.IsValidMessageBody(frame.Body) {
		g.sendError(conn, opSendMessage, ReasonInvalidInput, "message body is empty")
		return
	}

	kind := frame.Kind
	if kind == "" {
		kind = types.MessageKindChat
	}
	msg := &types.Message{
		ID:          uuid.New().String(),
		SenderID:    conn.ID(),
		Room:        frame.Room,
		Body:        frame.Body,
		Kind:        kind,
		Timestamp:   time.Now(),
		PrincipalID: userID(principal),
	}

	g.history.Append(frame.Room, msg)
	if g.archive != nil {
		g.archive.Store(msg)
	}
	g.registry.Touch(conn.ID())

	g.bus.Publish(bus.TopicMessageSent, frame.Room, map[string]any{
		"message": msg,
	})

	_ = conn.Push(map[string]any{
		"type": "message_sent",
		"id":   msg.ID,
		"room": frame.Room,
	})
}

// handleTyping publishes a typing indicator. Not persisted, never
// acknowledged; onTyping relays it to every other member of the room.
func (g *Gateway) handleTyping(conn *Conn, frame inboundFrame) {
	if !g.registry.IsMember(conn.ID(), frame.Room) {
		return
	}
	g.bus.Publish(bus.TopicUserTyping, frame.Room, map[string]any{
		"client_id": conn.ID(),
		"room":      frame.Room,
		"is_typing": frame.IsTyping,
	})
}

func (g *Gateway) handlePing(conn *Conn) {
	g.registry.Touch(conn.ID())
	_ = conn.Push(map[string]any{
		"type":      "pong",
		"timestamp": time.Now(),
	})
}

func (g *Gateway) handleGetStats(conn *Conn) {
	snapshot, exists := g.registry.Get(conn.ID())
	if !exists {
		g.sendError(conn, opGetStats, ReasonNotFound, "connection not registered")
		return
	}
	_ = conn.Push(map[string]any{
		"type":              "stats",
		"connection":        snapshot,
		"total_connections": len(g.registry.ListAll()),
	})
}

func (g *Gateway) sendError(conn *Conn, op, reason, message string) {
	err := conn.Push(map[string]any{
		"type":    "error",
		"op":      op,
		"reason":  reason,
		"message": message,
	})
	if err != nil {
		log.Printf("Failed to send error reply to %s: %v", conn.ID(), err)
	}
}

// onMessageSent fans a published message out to every socket in the room.
func (g *Gateway) onMessageSent(event bus.Event) {
	msg, ok := event.Payload["message"].(*types.Message)
	if !ok {
		return
	}
	g.registry.BroadcastRoom(event.Room, map[string]any{
		"type":    "new_message",
		"room":    event.Room,
		"message": msg,
	}, "")
}

// onMembership mirrors join/leave events to the affected room's sockets.
func (g *Gateway) onMembership(frameType string) bus.Handler {
	return func(event bus.Event) {
		frame := map[string]any{"type": frameType}
		for k, v := range event.Payload {
			frame[k] = v
		}
		g.registry.BroadcastRoom(event.Room, frame, "")
	}
}

// onTyping relays a typing indicator to the room, sender excluded.
func (g *Gateway) onTyping(event bus.Event) {
	sender, _ := event.Payload["client_id"].(string)
	g.registry.BroadcastRoom(event.Room, map[string]any{
		"type":      "user_typing",
		"room":      event.Room,
		"client_id": sender,
		"is_typing": event.Payload["is_typing"],
	}, sender)
}

// onRoomDeleted notifies still-joined members before the manager detaches
// them.
func (g *Gateway) onRoomDeleted(event bus.Event) {
	g.registry.BroadcastRoom(event.Room, map[string]any{
		"type":   "room_removed",
		"room":   event.Room,
		"reason": "deleted",
	}, "")
}

// ConnectionCount reports how many sockets the gateway currently owns.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown unsubscribes from the bus and closes every live socket.
func (g *Gateway) Shutdown() {
	for _, unsub := range g.subs {
		unsub()
	}

	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[string]*Conn)
	g.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userID(p *types.Principal) string {
	if p == nil {
		return ""
	}
	return p.UserID
}
