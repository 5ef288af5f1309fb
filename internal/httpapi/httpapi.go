// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package httpapi exposes the introspection HTTP surface named in spec.md
// section 6: health, Prometheus metrics, a realtime WebSocket feed off the
// bus, and a test endpoint for enqueuing downlink commands. It is explicitly
// not a full REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetwatch/internal/bus"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
)

// CommandStore is the subset of store.Store the command-enqueue endpoint needs.
type CommandStore interface {
	DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error)
	EnqueueCommand(ctx context.Context, cmd *model.CommandQueue) (string, error)
}

// Server is the introspection HTTP surface.
type Server struct {
	router   *mux.Router
	bus      *bus.Bus
	store    CommandStore
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// New builds a Server. store may be nil if command enqueueing is disabled.
func New(realtime *bus.Bus, store CommandStore, logger *logging.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		bus:    realtime,
		store:  store,
		logger: logger.WithComponent("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/ws/devices/{imei}", s.handleWebSocket).Methods("GET")
	s.router.HandleFunc("/commands", s.handleEnqueueCommand).Methods("POST")
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleWebSocket upgrades the connection and relays bus messages for one
// device's IMEI to the client until it disconnects, per spec.md section 6's
// realtime feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	imei := vars["imei"]

	device, err := s.deviceByIMEI(r.Context(), imei)
	if err != nil {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "websocket upgrade failed", "imei", imei, "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(device.ID)
	defer sub.Close()

	for msg := range sub.Messages() {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (s *Server) deviceByIMEI(ctx context.Context, imei string) (*model.Device, error) {
	if s.store == nil {
		return nil, http.ErrNotSupported
	}
	return s.store.DeviceByIMEI(ctx, imei)
}

type enqueueCommandRequest struct {
	IMEI        string `json:"imei"`
	CommandType string `json:"command_type"`
	Payload     string `json:"payload"`
}

// handleEnqueueCommand implements spec.md section 4.6's append to the
// downlink queue.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "command queue disabled", http.StatusServiceUnavailable)
		return
	}

	var req enqueueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	device, err := s.store.DeviceByIMEI(ctx, req.IMEI)
	if err != nil {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	id, err := s.store.EnqueueCommand(ctx, &model.CommandQueue{
		DeviceID:    device.ID,
		CommandType: req.CommandType,
		Payload:     req.Payload,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue command", "imei", req.IMEI, "error", err)
		http.Error(w, "failed to enqueue command", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"command_id": id, "status": "queued"})
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
