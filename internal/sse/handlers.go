package sse

import (
	"encoding/json"
	"errors"
	"net/http"
)

// control request bodies for the /sse management endpoints.
type subscribeRequest struct {
	ConnectionID string `json:"connectionId"`
	EventType    string `json:"eventType"`
}

type sendRequest struct {
	ConnectionID string `json:"connectionId"`
	EventType    string `json:"eventType"`
	Data         any    `json:"data"`
}

type broadcastRequest struct {
	EventType string `json:"eventType"`
	Data      any    `json:"data"`
}

// Routes mounts the SSE surface on mux under /sse/.
func (br *Bridge) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sse/connect", br.HandleConnect)
	mux.HandleFunc("POST /sse/subscribe", br.handleSubscribe)
	mux.HandleFunc("POST /sse/unsubscribe", br.handleUnsubscribe)
	mux.HandleFunc("POST /sse/send", br.handleSend)
	mux.HandleFunc("POST /sse/broadcast", br.handleBroadcast)
	mux.HandleFunc("GET /sse/stats", br.handleStats)
	mux.HandleFunc("GET /sse/connections", br.handleConnections)
	mux.HandleFunc("GET /sse/connections/{id}", br.handleConnection)
	mux.HandleFunc("GET /sse/history/{topic}", br.handleHistory)
}

func (br *Bridge) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON"})
		return
	}
	if err := br.Subscribe(req.ConnectionID, req.EventType); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "connectionId": req.ConnectionID, "eventType": req.EventType})
}

func (br *Bridge) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON"})
		return
	}
	if err := br.Unsubscribe(req.ConnectionID, req.EventType); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "connectionId": req.ConnectionID, "eventType": req.EventType})
}

func (br *Bridge) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON"})
		return
	}
	if req.EventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "eventType is required"})
		return
	}
	if err := br.SendTo(req.ConnectionID, req.EventType, req.Data); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (br *Bridge) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON"})
		return
	}
	if req.EventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "eventType is required"})
		return
	}
	sent := br.Publish(req.EventType, req.Data)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sent": sent})
}

func (br *Bridge) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, br.Stats())
}

func (br *Bridge) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": br.Connections()})
}

func (br *Bridge) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, exists := br.Get(r.PathValue("id"))
	if !exists {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "connection not found"})
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (br *Bridge) handleHistory(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "events": br.History(topic)})
}

// Business-rule failures keep 2xx with a success:false body; validation
// failures use 4xx.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrStreamNotFound):
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
	case errors.Is(err, ErrInvalidTopic):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
