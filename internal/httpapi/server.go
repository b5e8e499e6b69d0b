package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdougie/uicollage/internal/analyzer"
	"github.com/bdougie/uicollage/internal/collage"
	"github.com/bdougie/uicollage/internal/preview"
	"github.com/bdougie/uicollage/internal/realtime"
)

const (
	defaultUser = "anonymous"
	// maxJSONBody bounds JSON request bodies; nine data URLs fit comfortably
	maxJSONBody = 64 << 20
)

// Generator is the reference generation server
type Generator interface {
	RequestReferences(ctx context.Context, images []string) ([]string, error)
	Ping(ctx context.Context) (string, error)
}

// Config wires the dependencies of the HTTP server.
type Config struct {
	Workspaces *collage.Service
	Generator  Generator
	Analyzer   analyzer.Analyzer
	Previews   *preview.Registry
	Hub        *realtime.Hub
	Logger     *slog.Logger
	// MaxUploadBytes bounds multipart uploads
	MaxUploadBytes int64
}

// Server exposes the collage workspace, the critique and generation routes
// and the chat stream over HTTP.
type Server struct {
	workspaces     *collage.Service
	generator      Generator
	analyzer       analyzer.Analyzer
	previews       *preview.Registry
	hub            *realtime.Hub
	logger         *slog.Logger
	mux            *http.ServeMux
	maxUploadBytes int64
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 64 << 20
	}
	s := &Server{
		workspaces:     cfg.Workspaces,
		generator:      cfg.Generator,
		analyzer:       cfg.Analyzer,
		previews:       cfg.Previews,
		hub:            cfg.Hub,
		logger:         logger,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return withRequestLog(s.logger, withCORS(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /calculation", s.handleCalculation)
	s.mux.HandleFunc("POST /ux-feedback", s.handleUXFeedback)
	s.mux.HandleFunc("GET /api/ping", s.handlePing)

	s.mux.HandleFunc("GET /api/images", s.handleListImages)
	s.mux.HandleFunc("POST /api/images", s.handleUploadImages)
	s.mux.HandleFunc("DELETE /api/images/{id}", s.handleDeleteImage)
	s.mux.HandleFunc("GET /api/previews/{key...}", s.handlePreview)

	s.mux.HandleFunc("POST /api/video", s.handleUploadVideo)
	s.mux.HandleFunc("DELETE /api/video", s.handleDeleteVideo)
	s.mux.HandleFunc("GET /api/video/marks", s.handleMarks)
	s.mux.HandleFunc("POST /api/video/marks/save", s.handleSaveMarks)
	s.mux.HandleFunc("POST /api/video/marks/{slot}", s.handleMark)

	s.mux.HandleFunc("POST /api/submit", s.handleSubmit)
	s.mux.HandleFunc("POST /api/rating", s.handleRating)
	s.mux.HandleFunc("GET /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/chat", s.handleSendChat)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/history/similar", s.handleSimilar)

	s.mux.HandleFunc("GET /ws/chat", s.handleChatStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID is taken from the user query parameter
func userID(r *http.Request) string {
	if u := strings.TrimSpace(r.URL.Query().Get("user")); u != "" {
		return u
	}
	return defaultUser
}

func (s *Server) workspace(r *http.Request) *collage.Workspace {
	return s.workspaces.Workspace(userID(r))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func withRequestLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		logger.Info(
			"http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"user", userID(r),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
