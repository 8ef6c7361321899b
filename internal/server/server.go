package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"psss-processing-go/internal/manager"
	"psss-processing-go/internal/preview"
	"psss-processing-go/internal/types"
)

const APIPrefix = "/api/v1"

// Bodies larger than this are rejected; a full-size background fits well
// below it.
const maxBodyBytes = 30 << 20

// Controller is the processing manager as seen by the control surface.
type Controller interface {
	Start() (manager.Status, error)
	Stop() manager.Status
	Status() manager.Status
	Err() error
	ROI() types.ROI
	SetROI(value any) (types.ROI, error)
	Parameters() types.Parameters
	SetParameters(update types.ParameterUpdate) (types.Parameters, error)
	SetBackground(name string, rows [][]uint32) error
	Statistics() map[string]any
	LastProcessed() (manager.Preview, bool)
}

type Server struct {
	ctrl     Controller
	log      zerolog.Logger
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

func New(ctrl Controller, log zerolog.Logger) *Server {
	return &Server{
		ctrl: ctrl,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Run serves the control surface on port until ctx is cancelled. Snapshots
// read from live are broadcast to websocket clients.
func Run(ctx context.Context, port int, srv *Server, live <-chan types.SpectrumSnapshot) error {
	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go srv.broadcast(ctx, live)

	srv.log.Info().Str("addr", httpServer.Addr).Msg("control surface listening")
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+APIPrefix+"/start", s.handleStart)
	mux.HandleFunc("POST "+APIPrefix+"/stop", s.handleStop)
	mux.HandleFunc("GET "+APIPrefix+"/status", s.handleStatus)
	mux.HandleFunc("GET "+APIPrefix+"/roi", s.handleGetROI)
	mux.HandleFunc("POST "+APIPrefix+"/roi", s.handleSetROI)
	mux.HandleFunc("GET "+APIPrefix+"/parameters", s.handleGetParameters)
	mux.HandleFunc("POST "+APIPrefix+"/parameters", s.handleSetParameters)
	mux.HandleFunc("POST "+APIPrefix+"/background", s.handleBackground)
	mux.HandleFunc("GET "+APIPrefix+"/statistics", s.handleStatistics)
	mux.HandleFunc("GET "+APIPrefix+"/image", s.handleImage)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "PUT, GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Origin, Accept, Content-Type, X-Requested-With, X-CSRF-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	status, err := s.ctrl.Start()
	if err != nil {
		s.log.Error().Err(err).Msg("start failed")
		s.writeError(w, err)
		return
	}
	s.writeOK(w, status, nil)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, s.ctrl.Stop(), nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	extra := map[string]any{"ws_clients": s.clientCount()}
	if err := s.ctrl.Err(); err != nil {
		extra["last_error"] = err.Error()
	}
	s.writeOK(w, s.ctrl.Status(), extra)
}

func (s *Server) handleGetROI(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, s.ctrl.Status(), map[string]any{"roi": s.ctrl.ROI()})
}

func (s *Server) handleSetROI(w http.ResponseWriter, r *http.Request) {
	var value any
	if err := decodeBody(w, r, &value); err != nil {
		s.writeError(w, err)
		return
	}
	roi, err := s.ctrl.SetROI(value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Ints("roi", roi.List()).Msg("roi updated")
	s.writeOK(w, s.ctrl.Status(), map[string]any{"roi": roi})
}

func (s *Server) handleGetParameters(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, s.ctrl.Status(), map[string]any{"parameters": s.ctrl.Parameters()})
}

func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	var update types.ParameterUpdate
	if err := decodeBody(w, r, &update); err != nil {
		s.writeError(w, err)
		return
	}
	params, err := s.ctrl.SetParameters(update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Interface("parameters", params).Msg("parameters updated")
	s.writeOK(w, s.ctrl.Status(), map[string]any{"parameters": params})
}

type backgroundRequest struct {
	Filename string     `json:"filename"`
	Data     [][]uint32 `json:"data"`
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	var req backgroundRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ctrl.SetBackground(req.Filename, req.Data); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Str("background", req.Filename).Int("rows", len(req.Data)).Msg("background updated")
	s.writeOK(w, s.ctrl.Status(), nil)
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, s.ctrl.Status(), map[string]any{"statistics": s.ctrl.Statistics()})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	opts, err := previewOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	last, ok := s.ctrl.LastProcessed()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"state": "error", "status": preview.ErrEmptyImage.Error()})
		return
	}
	rendered, err := preview.Render(last.Image, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := preview.WritePNG(w, rendered); err != nil {
		s.log.Debug().Err(err).Msg("write preview")
	}
}

func previewOptions(r *http.Request) (preview.Options, error) {
	q := r.URL.Query()
	opts := preview.Options{Colormap: q.Get("colormap")}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"scale", &opts.Scale},
		{"min_value", &opts.MinValue},
		{"max_value", &opts.MaxValue},
	}
	for _, f := range fields {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return opts, &types.ValidationError{Field: f.name, Reason: fmt.Sprintf("%q is not a number", raw)}
		}
		*f.dst = v
	}
	if _, err := preview.LookupColormap(opts.Colormap); err != nil {
		return opts, &types.ValidationError{Field: "colormap", Reason: err.Error()}
	}
	if opts.Scale < 0 {
		return opts, &types.ValidationError{Field: "scale", Reason: "must be positive"}
	}
	return opts, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, map[string]any{
		"type":       "status",
		"status":     s.ctrl.Status(),
		"statistics": s.ctrl.Statistics(),
	})

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			if request["type"] == "snapshot_request" {
				if snapshot, ok := s.snapshot(); ok {
					_ = s.writeJSON(conn, writeMu, snapshot)
				}
			}
		}
	}()
}

// snapshot rebuilds the live message for the last published frame.
func (s *Server) snapshot() (types.SpectrumSnapshot, bool) {
	last, ok := s.ctrl.LastProcessed()
	if !ok {
		return types.SpectrumSnapshot{}, false
	}
	snap := types.SpectrumSnapshot{Type: "spectrum", PulseID: last.PulseID, Spectrum: last.Spectrum}
	if last.Fit != nil {
		snap.Center = types.FinitePtr(last.Fit.Center)
		snap.FWHM = types.FinitePtr(last.Fit.FWHM())
	}
	return snap, true
}

func (s *Server) broadcast(ctx context.Context, live <-chan types.SpectrumSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-live:
			if !ok {
				return
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				s.log.Debug().Err(err).Uint64("pulse_id", snapshot.PulseID).Msg("encode live snapshot")
				continue
			}
			var stale []*websocket.Conn
			s.mu.Lock()
			for conn, writeMu := range s.clients {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()
			for _, conn := range stale {
				s.removeClient(conn)
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func (s *Server) writeOK(w http.ResponseWriter, status manager.Status, extra map[string]any) {
	payload := map[string]any{"state": "ok", "status": status}
	for k, v := range extra {
		payload[k] = v
	}
	writeJSON(w, http.StatusOK, payload)
}

// writeError maps validation failures to 400 and everything else, startup
// timeouts and worker failures included, to 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var verr *types.ValidationError
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &verr), errors.As(err, &syntax), errors.As(err, &typeErr):
		code = http.StatusBadRequest
	case errors.As(err, &tooLarge):
		code = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, code, map[string]any{"state": "error", "status": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &types.ValidationError{Field: "body", Reason: "request body is empty"}
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
