package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"signalhub/internal/archive"
	"signalhub/internal/bus"
	"signalhub/internal/history"
	"signalhub/internal/ratelimit"
	"signalhub/internal/registry"
	"signalhub/internal/room"
	"signalhub/internal/sse"

	"github.com/google/uuid"

	"signalhub/pkg/types"
)

// Server is the administrative HTTP surface. It reads the same registries
// the gateway mutates and publishes through the same bus, so dashboard
// actions and socket traffic share one event timeline.
type Server struct {
	rooms    *room.Manager
	registry *registry.Registry
	history  *history.Store
	archive  *archive.Archive
	limiter  *ratelimit.Limiter
	bus      *bus.Bus
	bridge   *sse.Bridge
	started  time.Time
}

// NewServer wires the admin API. archive may be nil when persistence is
// disabled.
func NewServer(rooms *room.Manager, reg *registry.Registry, hist *history.Store,
	arc *archive.Archive, limiter *ratelimit.Limiter, b *bus.Bus, bridge *sse.Bridge) *Server {
	return &Server{
		rooms:    rooms,
		registry: reg,
		history:  hist,
		archive:  arc,
		limiter:  limiter,
		bus:      b,
		bridge:   bridge,
		started:  time.Now(),
	}
}

// Routes mounts the admin endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /rooms", s.createRoom)
	mux.HandleFunc("GET /rooms", s.listRooms)
	mux.HandleFunc("GET /rooms/{name}", s.getRoom)
	mux.HandleFunc("DELETE /rooms/{name}", s.deleteRoom)
	mux.HandleFunc("GET /rooms/{name}/messages", s.roomMessages)
	mux.HandleFunc("POST /rooms/{name}/messages", s.postMessage)
	mux.HandleFunc("GET /rooms/{name}/search", s.searchMessages)
	mux.HandleFunc("GET /rooms/{name}/stats", s.roomStats)
	mux.HandleFunc("GET /rooms/{name}/clients", s.roomClients)
	mux.HandleFunc("GET /stats", s.globalStats)
	mux.HandleFunc("GET /connections", s.listConnections)
	mux.HandleFunc("GET /connections/{id}", s.getConnection)
	mux.HandleFunc("POST /cleanup", s.cleanup)
	mux.HandleFunc("GET /health", s.health)
}

type createRoomRequest struct {
	Name      string             `json:"name"`
	Options   *types.RoomOptions `json:"options,omitempty"`
	CreatedBy string             `json:"createdBy,omitempty"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON"})
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "room name is required"})
		return
	}

	opts := types.RoomOptions{}
	if req.Options != nil {
		opts = *req.Options
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = "admin"
	}

	created, err := s.rooms.Create(req.Name, opts, createdBy)
	if err != nil {
		// Business-rule failure keeps 2xx; malformed names are 4xx.
		if errors.Is(err, room.ErrInvalidName) {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "room": created})
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.rooms.List()
	out := make([]map[string]any, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, map[string]any{
			"room":         rm,
			"member_count": s.registry.MemberCount(rm.Name),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rm, exists := s.rooms.Get(name)
	if !exists {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "room not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"room":         rm,
		"member_count": s.registry.MemberCount(name),
	})
}

type deleteRoomRequest struct {
	DeletedBy string `json:"deletedBy,omitempty"`
}

func (s *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req deleteRoomRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	actor := req.DeletedBy
	if actor == "" {
		actor = "admin"
	}

	deleted, err := s.rooms.Delete(name, actor)
	if err != nil {
		// Deleting the default room is a forbidden operation, not a
		// business-rule miss.
		s.writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if !deleted {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "room not found"})
		return
	}

	if s.archive != nil {
		if _, err := s.archive.PurgeRoom(r.Context(), name); err != nil {
			log.Printf("Failed to purge archive for room %s: %v", name, err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "room": name})
}

func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, exists := s.rooms.Get(name); !exists {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "room not found"})
		return
	}
	limit := queryInt(r, "limit", 50)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"room":     name,
		"messages": s.history.Recent(name, limit),
	})
}

func (s *Server) searchMessages(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "query parameter q is required"})
		return
	}
	limit := queryInt(r, "limit", 50)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"room":    name,
		"query":   query,
		"matches": s.history.Search(name, query, limit),
	})
}

type postMessageRequest struct {
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// postMessage injects a message into a room from the admin surface. It goes
// through the same history append and bus publish as a socket-sent message.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, exists := s.rooms.Get(name); !exists {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "room not found"})
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON"})
		return
	}
	if !types.IsValidMessageBody(req.Message) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "message body is empty"})
		return
	}

	sender := req.ClientID
	if sender == "" {
		sender = "system"
	}
	kind := req.Type
	if kind == "" {
		kind = types.MessageKindSystem
	}

	msg := &types.Message{
		ID:          uuid.New().String(),
		SenderID:    sender,
		Room:        name,
		Body:        req.Message,
		Kind:        kind,
		Timestamp:   time.Now(),
		PrincipalID: req.UserID,
	}
	s.history.Append(name, msg)
	if s.archive != nil {
		s.archive.Store(msg)
	}
	s.bus.Publish(bus.TopicMessageSent, name, map[string]any{"message": msg})

	s.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": msg.ID})
}

func (s *Server) roomStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rm, exists := s.rooms.Get(name)
	if !exists {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "room not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"room":          rm,
		"member_count":  s.registry.MemberCount(name),
		"history_count": s.history.Len(name),
	})
}

func (s *Server) roomClients(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, exists := s.rooms.Get(name); !exists {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "room not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"room":    name,
		"clients": s.registry.ListByRoom(name),
	})
}

func (s *Server) globalStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"registry":       s.registry.Stats(),
		"rooms":          s.rooms.Stats(),
		"history":        s.history.Stats(),
		"bus_subscribers": s.bus.SubscriberCount(),
		"rate_limiter": map[string]int{
			"active_windows": s.limiter.ActiveWindows(),
		},
	}
	if s.bridge != nil {
		stats["sse"] = s.bridge.Stats()
	}
	if s.archive != nil {
		if n, err := s.archive.Count(r.Context()); err == nil {
			stats["archive"] = map[string]int64{"messages": n}
		}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"connections": s.registry.ListAll()})
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, exists := s.registry.Get(r.PathValue("id"))
	if !exists {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "connection not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, conn)
}

type cleanupRequest struct {
	MaxAgeHours int `json:"maxAgeHours,omitempty"`
}

// cleanup runs the age-based sweeps on demand: in-memory history, the
// archive, expired rate-limit windows and stale SSE state.
func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.MaxAgeHours <= 0 {
		req.MaxAgeHours = 24
	}
	maxAge := time.Duration(req.MaxAgeHours) * time.Hour
	cutoff := time.Now().Add(-maxAge)

	result := map[string]any{
		"success":          true,
		"max_age_hours":    req.MaxAgeHours,
		"messages_removed": s.history.PurgeOlderThan(cutoff),
		"windows_removed":  s.limiter.Cleanup(),
	}
	if s.archive != nil {
		n, err := s.archive.PurgeOlderThan(r.Context(), cutoff)
		if err != nil {
			log.Printf("Archive cleanup failed: %v", err)
		}
		result["archived_removed"] = n
	}
	if s.bridge != nil {
		streams, events := s.bridge.Sweep(maxAge)
		result["sse_streams_removed"] = streams
		result["sse_events_removed"] = events
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	archiveStatus := "disabled"
	if s.archive != nil {
		archiveStatus = "healthy"
		if err := s.archive.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			archiveStatus = err.Error()
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":      status,
		"archive":     archiveStatus,
		"timestamp":   time.Now(),
		"connections": s.registry.Stats(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
