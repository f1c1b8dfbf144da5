package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
	"github.com/DNSGeek/mmbasic-link/internal/debug"
	"github.com/DNSGeek/mmbasic-link/internal/files"
	"github.com/DNSGeek/mmbasic-link/internal/logger"
	"github.com/DNSGeek/mmbasic-link/internal/transport"
	"github.com/gorilla/websocket"
)

// Server exposes the device connection over HTTP and streams the serial
// transcript to WebSocket clients.
type Server struct {
	cfg     *Config
	ch      *channel.Channel
	files   *files.Browser
	session *debug.Session
	logger  *logger.Logger
	webFS   fs.FS

	listPorts func() ([]transport.PortInfo, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Entry  *channel.Entry `json:"entry,omitempty"`
	Status *Status        `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
	Stamp  int64          `json:"stamp"` // Unix ms
}

// Status describes the connection and debug session.
type Status struct {
	Connected   bool   `json:"connected"`
	State       string `json:"state"`
	Port        string `json:"port,omitempty"`
	Baud        int    `json:"baud,omitempty"`
	LineEnding  string `json:"lineEnding"`
	Debugging   bool   `json:"debugging"`
	CurrentLine int    `json:"currentLine,omitempty"`
	Logging     bool   `json:"logging"`
}

// New creates a new Server and subscribes it to the channel's transcript.
func New(cfg *Config, ch *channel.Channel, browser *files.Browser, session *debug.Session, lg *logger.Logger, webFS fs.FS) *Server {
	s := &Server{
		cfg:       cfg,
		ch:        ch,
		files:     browser,
		session:   session,
		logger:    lg,
		webFS:     webFS,
		listPorts: transport.ListPorts,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	ch.AddSink(channel.SinkFunc(func(e channel.Entry) {
		s.broadcast(Frame{Entry: &e, Stamp: e.Time.UnixMilli()})
	}))
	ch.OnStateChange(func(transport.Event) {
		st := s.status()
		s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
	})
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ports", s.handlePorts)

	// Connection and raw commands
	mux.HandleFunc("/api/connect", post(s.handleConnect))
	mux.HandleFunc("/api/disconnect", post(s.handleDisconnect))
	mux.HandleFunc("/api/send", post(s.handleSend))
	mux.HandleFunc("/api/program", post(s.handleProgram))
	mux.HandleFunc("/api/run", post(s.simple(s.ch.RunProgram)))
	mux.HandleFunc("/api/stop", post(s.simple(s.ch.StopProgram)))
	mux.HandleFunc("/api/files", post(s.simple(s.ch.ListFiles)))

	// File browser
	mux.HandleFunc("/api/roots", s.handleRoots)
	mux.HandleFunc("/api/dir", s.handleDir)
	mux.HandleFunc("/api/file", s.handleFile)

	// Debugging
	mux.HandleFunc("/api/debug/start", post(s.handleDebugStart))
	mux.HandleFunc("/api/debug/stop", post(func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, s.session.Stop(r.Context()))
	}))
	mux.HandleFunc("/api/debug/step", post(s.simple(s.session.Step)))
	mux.HandleFunc("/api/debug/continue", post(s.simple(s.session.Continue)))
	mux.HandleFunc("/api/debug/inspect", post(s.handleInspect))
	mux.HandleFunc("/api/debug/evaluate", post(s.handleEvaluate))
	mux.HandleFunc("/api/debug/breakpoints", s.handleBreakpoints)
	mux.HandleFunc("/api/debug/variables", s.handleVariables)

	return mux
}

// Run starts the HTTP server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.ListenAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		if s.logger != nil {
			s.logger.Close()
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	// Initial status frame, queued before the client can receive broadcasts
	st := s.status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: each text message is sent to the device as a command
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if kind != websocket.TextMessage {
				continue
			}
			if err := s.ch.SendCommand(string(msg)); err != nil {
				s.sendTo(client, Frame{Error: err.Error(), Stamp: time.Now().UnixMilli()})
			}
		}
	}()
}

func (s *Server) sendTo(c *wsClient, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) status() Status {
	st := Status{
		Connected:  s.ch.IsConnected(),
		State:      s.ch.State().String(),
		Port:       s.ch.Port(),
		LineEnding: s.ch.LineEnding(),
	}
	if st.Connected {
		st.Baud = s.ch.Baud()
	}
	if s.session != nil {
		st.Debugging = s.session.IsActive()
		st.CurrentLine = s.session.CurrentLine()
	}
	if s.logger != nil {
		st.Logging = s.logger.IsEnabled()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
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
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}

		// Apply the settings that can change without a restart
		s.ch.SetLineEnding(s.cfg.SerialSettings().LineEnding)
		if s.logger != nil {
			s.logger.SetEnabled(s.cfg.LoggingSettings().Enabled)
		}
		st := s.status()
		s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type portJSON struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		USB         bool   `json:"usb"`
	}
	out := make([]portJSON, 0, len(ports))
	for _, p := range ports {
		out = append(out, portJSON{Name: p.Name, Description: p.Description(), USB: p.IsUSB})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port string `json:"port"`
		Baud int    `json:"baud"`
	}
	if !decode(w, r, &req) {
		return
	}
	serial := s.cfg.SerialSettings()
	if req.Port == "" {
		req.Port = serial.Port
	}
	if req.Baud == 0 {
		req.Baud = serial.BaudRate
	}
	if req.Port == "" {
		http.Error(w, "no port given or configured", http.StatusBadRequest)
		return
	}
	if err := s.ch.Connect(req.Port, req.Baud); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.session != nil && s.session.IsActive() {
		s.session.Stop(r.Context())
	}
	s.reply(w, s.ch.Disconnect())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.ch.SendCommand(req.Text))
}

func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Run    bool   `json:"run"`
	}
	if !decode(w, r, &req) {
		return
	}
	err := s.ch.SendProgram(r.Context(), req.Source)
	if err == nil && req.Run {
		err = s.ch.RunProgram()
	}
	s.reply(w, err)
}

func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, files.Roots())
}

func (s *Server) handleDir(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "A:"
	}
	entries, err := s.files.ListDirectory(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	switch r.Method {
	case http.MethodGet:
		content, err := s.files.DownloadFile(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "content": content})

	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.reply(w, s.files.UploadFile(r.Context(), string(body), name))

	case http.MethodDelete:
		s.reply(w, s.files.DeleteFile(r.Context(), name))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDebugStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.Start(r.Context(), req.Source))
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	v, err := s.session.Inspect(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, debug.Variable{Name: req.Name, Value: v})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
	}
	if !decode(w, r, &req) {
		return
	}
	v, err := s.session.Evaluate(r.Context(), req.Expression)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"expression": req.Expression, "value": v})
}

func (s *Server) handleBreakpoints(w http.ResponseWriter, r *http.Request) {
	bp := s.session.Breakpoints
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, bp.All())

	case http.MethodPost:
		var req struct {
			Source string `json:"source"`
			Line   int    `json:"line"`
		}
		if !decode(w, r, &req) {
			return
		}
		s.session.SetBreakpoint(req.Source, req.Line)
		writeJSON(w, http.StatusOK, bp.Lines(req.Source))

	case http.MethodDelete:
		q := r.URL.Query()
		source := q.Get("source")
		if source == "" {
			s.session.ClearBreakpoints()
			writeJSON(w, http.StatusOK, bp.All())
			return
		}
		line, err := strconv.Atoi(q.Get("line"))
		if err != nil {
			http.Error(w, "bad line", http.StatusBadRequest)
			return
		}
		s.session.RemoveBreakpoint(source, line)
		writeJSON(w, http.StatusOK, bp.Lines(source))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Variables())
}

// simple adapts a no-argument operation to a handler.
func (s *Server) simple(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, op())
	}
}

func (s *Server) reply(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// decode reads an optional JSON body into v. An empty body leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, files.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, files.ErrDevice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, channel.ErrNotConnected),
		errors.Is(err, channel.ErrAlreadyConnected),
		errors.Is(err, debug.ErrNotDebugging):
		return http.StatusConflict
	case errors.Is(err, channel.ErrPortUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, channel.ErrOpenFailed),
		errors.Is(err, channel.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, channel.ErrResponseTimeout),
		errors.Is(err, debug.ErrEvaluationFailed):
		return http.StatusGatewayTimeout
	case errors.Is(err, channel.ErrEmptyResponse):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
