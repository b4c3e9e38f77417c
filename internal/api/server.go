package api

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/kserial/internal/db"
	"github.com/banshee-data/kserial/internal/export"
	"github.com/banshee-data/kserial/internal/httputil"
	"github.com/banshee-data/kserial/internal/ingest"
	"github.com/banshee-data/kserial/internal/kserial"
	"github.com/banshee-data/kserial/internal/serialmux"
	"github.com/banshee-data/kserial/internal/stream"
	"github.com/banshee-data/kserial/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Engine is the view of the ingest worker the API needs.
type Engine interface {
	Status() ingest.Status
	History() []stream.Packet
	Reset()
	EnableLossDetection(enabled bool)
}

// LiveFeed hands out packet batch subscriptions.
type LiveFeed interface {
	Subscribe() chan ingest.Batch
	Unsubscribe(chan ingest.Batch)
}

// SessionStore is the read side of the persistence layer.
type SessionStore interface {
	Sessions() ([]db.SessionInfo, error)
	Packets(sessionID string, limit int) ([]db.StoredPacket, error)
	LatestStats(sessionID string) (db.StatsRecord, error)
}

var (
	_ Engine       = (*ingest.Worker)(nil)
	_ LiveFeed     = (*ingest.Hub)(nil)
	_ SessionStore = (*db.DB)(nil)
)

type Server struct {
	m      serialmux.SerialMuxInterface
	engine Engine
	live   LiveFeed
	store  SessionStore
}

// NewServer returns an API server. live and store may be nil, in which case
// the routes that need them answer 503.
func NewServer(m serialmux.SerialMuxInterface, engine Engine, live LiveFeed, store SessionStore) *Server {
	return &Server{
		m:      m,
		engine: engine,
		live:   live,
		store:  store,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// websocket upgrade needs for Hijack.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the websocket handler hijacks the connection
		if r.URL.Path == "/api/live" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/history", s.showHistory)
	mux.HandleFunc("/api/history.csv", s.downloadHistoryCSV)
	mux.HandleFunc("/api/history/summary", s.showHistorySummary)
	mux.HandleFunc("/api/reset", s.resetSession)
	mux.HandleFunc("/api/loss", s.setLossDetection)
	mux.HandleFunc("/api/send", s.sendFrame)
	mux.HandleFunc("/api/device", s.sendDeviceCommand)
	mux.HandleFunc("/api/live", s.serveLive)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/packets", s.listSessionPackets)
	mux.HandleFunc("/api/sessions/stats", s.showSessionStats)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Status())
}

// historyLimit trims packets to the newest ?limit entries.
func historyLimit(r *http.Request, packets []stream.Packet) ([]stream.Packet, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return packets, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		return nil, fmt.Errorf("invalid 'limit' parameter")
	}
	if n < len(packets) {
		packets = packets[len(packets)-n:]
	}
	return packets, nil
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	packets, err := historyLimit(r, s.engine.History())
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if packets == nil {
		packets = []stream.Packet{}
	}
	httputil.WriteJSONOK(w, packets)
}

func (s *Server) downloadHistoryCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	packets, err := historyLimit(r, s.engine.History())
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	filename := fmt.Sprintf("kserial-history-%s.csv", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := export.WriteCSV(w, packets); err != nil {
		// headers are already out; all we can do is log
		log.Printf("failed to write history csv: %v", err)
	}
}

func (s *Server) showHistorySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	packets, err := historyLimit(r, s.engine.History())
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	summary := export.Summarize(packets)
	if summary == nil {
		summary = []export.FieldSummary{}
	}
	httputil.WriteJSONOK(w, summary)
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.engine.Reset()
	httputil.WriteJSONOK(w, s.engine.Status())
}

func (s *Server) setLossDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		httputil.BadRequest(w, "invalid 'enabled' parameter")
		return
	}
	s.engine.EnableLossDetection(enabled)
	httputil.WriteJSONOK(w, s.engine.Status())
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	Type   string    `json:"type"`
	Params [2]int    `json:"params"`
	Values []float64 `json:"values"`
}

// SendResponse reports the frame that was written.
type SendResponse struct {
	Bytes int    `json:"bytes"`
	Frame string `json:"frame"`
}

func (s *Server) sendFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req SendRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	t, err := kserial.ParseDataType(req.Type)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var params [2]byte
	for i, p := range req.Params {
		if p < 0 || p > 0xFF {
			httputil.BadRequest(w, fmt.Sprintf("param %d out of range: %d", i+1, p))
			return
		}
		params[i] = byte(p)
	}
	frame, err := kserial.PackValues(params, t, req.Values)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.writeFrame(w, frame)
}

// DeviceRequest is the body of POST /api/device.
type DeviceRequest struct {
	Command string `json:"command"`
	Value   uint32 `json:"value,omitempty"`
}

// deviceFrame builds the R0 frame for one of the named board commands.
func deviceFrame(req DeviceRequest) ([]byte, error) {
	switch strings.ToLower(req.Command) {
	case "check_device":
		return kserial.CheckDevice(), nil
	case "baud_rate":
		if req.Value == 0 {
			return nil, errors.New("baud_rate needs a non-zero value")
		}
		return kserial.SetBaudRate(req.Value), nil
	case "update_rate":
		if req.Value == 0 {
			return nil, errors.New("update_rate needs a non-zero value")
		}
		return kserial.SetUpdateRate(req.Value), nil
	case "mode":
		if req.Value > 0xFF {
			return nil, fmt.Errorf("mode %d out of range", req.Value)
		}
		return kserial.SetMode(uint8(req.Value)), nil
	case "get_value":
		if req.Value > 0xFF {
			return nil, fmt.Errorf("item %d out of range", req.Value)
		}
		return kserial.GetValue(uint8(req.Value)), nil
	case "twi_scan":
		return kserial.TWIScanDevice(), nil
	}
	return nil, fmt.Errorf("unknown device command %q", req.Command)
}

func (s *Server) sendDeviceCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req DeviceRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	frame, err := deviceFrame(req)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.writeFrame(w, frame)
}

func (s *Server) writeFrame(w http.ResponseWriter, frame []byte) {
	if err := s.m.Send(frame); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to send frame: %v", err))
		return
	}
	httputil.WriteJSONOK(w, SendResponse{Bytes: len(frame), Frame: fmt.Sprintf("% X", frame)})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "persistence is disabled")
		return
	}
	sessions, err := s.store.Sessions()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.SessionInfo{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listSessionPackets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "persistence is disabled")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		httputil.BadRequest(w, "missing 'id' parameter")
		return
	}
	limit := 1000 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	packets, err := s.store.Packets(id, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load packets: %v", err))
		return
	}
	if packets == nil {
		packets = []db.StoredPacket{}
	}
	httputil.WriteJSONOK(w, packets)
}

func (s *Server) showSessionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "persistence is disabled")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		httputil.BadRequest(w, "missing 'id' parameter")
		return
	}
	rec, err := s.store.LatestStats(id)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, "no stats recorded for session")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load stats: %v", err))
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Current())
}
