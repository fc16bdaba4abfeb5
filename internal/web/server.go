package web

import (
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"stoppagemap/internal/logging"
	"stoppagemap/internal/storage"
	"stoppagemap/internal/trace"
)

//go:embed templates/*.html
var templatesFS embed.FS

const pageTitle = "Vehicle Stoppage Identification and Visualization"

// Reloader runs a new load cycle.
type Reloader interface {
	Run(ctx context.Context) (*trace.Snapshot, error)
}

type TraceLister interface {
	ListTraces(ctx context.Context, limit int) ([]storage.TraceRecord, error)
}

// MapOptions is handed to the map widget as-is. Icon URLs are passed here
// rather than patched into the widget's defaults.
type MapOptions struct {
	CenterLat     float64 `json:"centerLat"`
	CenterLon     float64 `json:"centerLon"`
	Zoom          int     `json:"zoom"`
	TileURL       string  `json:"tileURL"`
	Attribution   string  `json:"attribution"`
	IconURL       string  `json:"iconURL"`
	IconRetinaURL string  `json:"iconRetinaURL"`
	ShadowURL     string  `json:"shadowURL"`
	SnapshotURL   string  `json:"snapshotURL"`
}

type Config struct {
	Publisher *trace.Publisher
	Reloader  Reloader
	Archive   TraceLister
	Map       MapOptions
	Lang      string
	Metrics   http.Handler
	Logger    *slog.Logger
}

type Server struct {
	publisher *trace.Publisher
	reloader  Reloader
	archive   TraceLister
	mapOpts   MapOptions
	lang      string
	metrics   http.Handler
	logger    *slog.Logger
	page      *template.Template
}

type pageData struct {
	Title string
	Lang  string
	Map   MapOptions
}

func NewServer(cfg Config) (*Server, error) {
	page, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	mapOpts := cfg.Map
	if mapOpts.SnapshotURL == "" {
		mapOpts.SnapshotURL = "/api/snapshot"
	}
	if mapOpts.Attribution == "" {
		mapOpts.Attribution = `&copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a> contributors`
	}
	lang := cfg.Lang
	if lang == "" {
		lang = "en"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		publisher: cfg.Publisher,
		reloader:  cfg.Reloader,
		archive:   cfg.Archive,
		mapOpts:   mapOpts,
		lang:      lang,
		metrics:   cfg.Metrics,
		logger:    logger,
		page:      page,
	}, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.MapPage)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
		r.Get("/snapshot", s.Snapshot)
		r.Get("/path", s.Path)
		r.Get("/stoppages", s.Stoppages)
		r.Get("/traces", s.Traces)
		r.Post("/reload", s.Reload)
	})

	return r
}

func (s *Server) MapPage(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: pageTitle, Lang: s.lang, Map: s.mapOpts}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.ExecuteTemplate(w, "base", data); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "template render failed", err)
		http.Error(w, "template render failed", http.StatusInternalServerError)
	}
}

func (s *Server) Snapshot(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, r, http.StatusOK, s.publisher.Current())
}

func (s *Server) Path(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, r, http.StatusOK, s.publisher.Current().Path)
}

func (s *Server) Stoppages(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, r, http.StatusOK, s.publisher.Current().Stoppages)
}

type traceView struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	LoadedAt    time.Time `json:"loadedAt"`
	SampleCount int       `json:"sampleCount"`
}

func (s *Server) Traces(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.sendError(w, r, http.StatusNotFound, "archive not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.sendError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	traces, err := s.archive.ListTraces(r.Context(), limit)
	if err != nil {
		logging.LogError(logging.FromContext(r.Context()), "list traces failed", err)
		s.sendError(w, r, http.StatusInternalServerError, "failed to list traces")
		return
	}
	views := make([]traceView, 0, len(traces))
	for _, t := range traces {
		views = append(views, traceView{ID: t.ID, Source: t.Source, LoadedAt: t.LoadedAt, SampleCount: t.SampleCount})
	}
	s.sendJSON(w, r, http.StatusOK, views)
}

type reloadResponse struct {
	ID        string        `json:"id"`
	Summary   trace.Summary `json:"summary"`
	LoadError string        `json:"loadError,omitempty"`
}

// Reload runs a load cycle. A failed load still replaces the snapshot with
// the empty one, so the response is 200 with loadError set.
func (s *Server) Reload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		s.sendError(w, r, http.StatusNotFound, "reload not configured")
		return
	}
	snap, err := s.reloader.Run(r.Context())
	if snap == nil {
		logging.LogError(logging.FromContext(r.Context()), "reload abandoned", err)
		s.sendError(w, r, http.StatusServiceUnavailable, "reload abandoned")
		return
	}
	s.sendJSON(w, r, http.StatusOK, reloadResponse{ID: snap.ID, Summary: snap.Summary, LoadError: snap.LoadError})
}

func (s *Server) sendJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to encode response", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, status int, text string) {
	s.sendJSON(w, r, status, struct {
		Code int    `json:"code"`
		Text string `json:"text"`
	}{Code: status, Text: text})
}

// logRequests attaches a logger carrying the request ID to the request
// context and logs each request once it is served.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())
		logger := s.logger.With(slog.String("request_id", requestID))
		r = r.WithContext(logging.WithLogger(r.Context(), logger))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logging.LogHTTPRequest(logger, r.Method, r.URL.Path, status,
			float64(time.Since(start).Microseconds())/1000)
	})
}
