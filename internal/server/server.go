// Package server runs the dashboard: static assets, a WebSocket feed of hub
// events and a small REST API that forwards commands to the hub.
package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/config"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/session"
)

var ErrNoHub = errors.New("server: hub not connected")

// Hub is the part of session.Session the API drives.
type Hub interface {
	RequestNodeInfo() error
	RequestTestpointInfo() error
	StartMeasurement() error
	StopMeasurement() error
	StartPowerMonitor() error
	StopPowerMonitor() error
	Alive() bool
	Version() string
}

// Calibrator starts and cancels a potentiostat calibration.
type Calibrator interface {
	Start() error
	Cancel()
}

var _ Hub = (*session.Session)(nil)

// Server fans events out to WebSocket clients and serves the API.
type Server struct {
	cfg     *config.Config
	webFS   fs.FS
	log     *logrus.Entry
	metrics http.Handler
	cal     Calibrator

	hubMu sync.RWMutex
	hub   Hub

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	// Latest listing and status events, replayed to new clients.
	lastMu sync.Mutex
	last   map[events.Type][]byte

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

type Option func(*Server)

func WithLogger(log *logrus.Entry) Option { return func(s *Server) { s.log = log } }
func WithMetrics(h http.Handler) Option   { return func(s *Server) { s.metrics = h } }
func WithCalibrator(c Calibrator) Option  { return func(s *Server) { s.cal = c } }
func WithWebFS(webFS fs.FS) Option        { return func(s *Server) { s.webFS = webFS } }

func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		log:     logging.Discard(),
		clients: make(map[*wsClient]struct{}),
		last:    make(map[events.Type][]byte),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHub replaces the session commands go to. nil marks the hub offline.
func (s *Server) SetHub(h Hub) {
	s.hubMu.Lock()
	s.hub = h
	s.hubMu.Unlock()
}

func (s *Server) currentHub() Hub {
	s.hubMu.RLock()
	defer s.hubMu.RUnlock()
	return s.hub
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/measurement/start", s.command(Hub.StartMeasurement))
	mux.HandleFunc("POST /api/measurement/stop", s.command(Hub.StopMeasurement))
	mux.HandleFunc("POST /api/info/nodes", s.command(Hub.RequestNodeInfo))
	mux.HandleFunc("POST /api/info/testpoints", s.command(Hub.RequestTestpointInfo))
	mux.HandleFunc("POST /api/power/start", s.command(Hub.StartPowerMonitor))
	mux.HandleFunc("POST /api/power/stop", s.command(Hub.StopPowerMonitor))

	mux.HandleFunc("POST /api/calibration/start", s.handleCalibration(true))
	mux.HandleFunc("POST /api/calibration/cancel", s.handleCalibration(false))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Infof("listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error  string `json:"error"`
	Result string `json:"result,omitempty"`
}

// command adapts one hub request to a POST handler.
func (s *Server) command(send func(Hub) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := s.currentHub()
		if h == nil || !h.Alive() {
			writeJSON(w, http.StatusServiceUnavailable, apiError{Error: ErrNoHub.Error()})
			return
		}
		if err := send(h); err != nil {
			s.log.WithError(err).Warnf("%s failed", r.URL.Path)
			writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error(), Result: session.ResultOf(err).String()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleCalibration(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cal == nil {
			writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "no potentiostat device"})
			return
		}
		if !start {
			s.cal.Cancel()
		} else if err := s.cal.Start(); err != nil {
			writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type health struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Version   string `json:"version,omitempty"`
	Clients   int    `json:"clients"`
	LastError string `json:"lastError,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := health{Status: "ok", Clients: s.Clients(), LastError: session.LastError()}
	if h := s.currentHub(); h != nil && h.Alive() {
		resp.Connected = true
		resp.Version = h.Version()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.WithError(err).Warn("config save failed")
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Replay under clientsMu so no broadcast slips in between.
	s.clientsMu.Lock()
	s.lastMu.Lock()
	for _, data := range s.last {
		client.send <- data
	}
	s.lastMu.Unlock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Infof("ws client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.drop(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(c *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	if ok {
		delete(s.clients, c)
		close(c.send)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()
	if ok {
		s.log.Infof("ws client disconnected (%d total)", n)
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Name and Publish make the server an events.Sink.
func (s *Server) Name() string { return "websocket" }

func (s *Server) Publish(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	switch e.Type {
	case events.NodeInfo, events.TestpointInfo, events.MeasurementStatus, events.HubStatus:
		s.lastMu.Lock()
		s.last[e.Type] = data
		s.lastMu.Unlock()
	}

	s.broadcast(data)
	return nil
}

// broadcast queues data for every client. Slow clients miss messages.
func (s *Server) broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}
