// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/finance-pipeline/internal/logging"
	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/orchestrator"
	"github.com/example/finance-pipeline/internal/store"
)

const maxBodyBytes = 1 << 20

// QueryRunner is satisfied by *orchestrator.Coordinator.
type QueryRunner interface {
	ProcessQuery(ctx context.Context, q models.Query) (*models.Response, error)
}

// HistoryReader is satisfied by *store.History.
type HistoryReader interface {
	Get(ctx context.Context, id string) (models.QueryRecord, error)
	List(ctx context.Context, limit int) ([]models.QueryRecord, error)
}

// Options configures the optional parts of the server. Nil History or Hub
// disables the matching routes.
type Options struct {
	History        HistoryReader
	Hub            *orchestrator.Hub
	ImagesDir      string
	ImagesURL      string
	AllowedOrigins []string
	Logger         *zap.Logger
	KeepAlive      time.Duration
}

type Server struct {
	runner QueryRunner
	opts   Options
	log    *zap.Logger
}

func NewServer(runner QueryRunner, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ImagesURL == "" {
		opts.ImagesURL = "/images"
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	return &Server{runner: runner, opts: opts, log: opts.Logger}
}

// Handler returns the routes wrapped in the CORS and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.cors(s.logRequests(mux))
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /queries", s.handleListQueries)
	mux.HandleFunc("GET /queries/{id}", s.handleGetQuery)
	mux.HandleFunc("GET /events", s.handleEvents)

	if s.opts.ImagesDir != "" {
		prefix := strings.TrimRight(s.opts.ImagesURL, "/") + "/"
		mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(s.opts.ImagesDir))))
	}
}

type queryRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
}

// queryResponse keeps the two references as explicit nulls when absent.
type queryResponse struct {
	QueryID          string    `json:"query_id"`
	Text             string    `json:"text"`
	VisualizationURL *string   `json:"visualization_url"`
	ImageURL         *string   `json:"image_url"`
	CreatedAt        time.Time `json:"created_at"`
	Warnings         []string  `json:"warnings,omitempty"`
}

func newQueryResponse(r *models.Response) queryResponse {
	return queryResponse{
		QueryID:          r.QueryID,
		Text:             r.Text,
		VisualizationURL: r.VisualizationURL(),
		ImageURL:         r.ImageURL(),
		CreatedAt:        r.CreatedAt,
		Warnings:         r.Warnings,
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondDetail(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondDetail(w, http.StatusBadRequest, "Query cannot be empty", nil)
		return
	}

	q := models.NewQuery(req.Query, req.Context)
	q.RequestID = requestID(r.Context())
	resp, err := s.runner.ProcessQuery(r.Context(), q)
	if err != nil {
		s.respondQueryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newQueryResponse(resp))
}

func (s *Server) respondQueryError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())
	var (
		se *orchestrator.StageError
		ie *orchestrator.InternalError
	)
	switch {
	case errors.Is(err, orchestrator.ErrEmptyQuery):
		respondDetail(w, http.StatusBadRequest, "Query cannot be empty", nil)
	case errors.As(err, &se):
		log.Warn("query failed", zap.String("stage", se.Stage), zap.Error(err))
		respondDetail(w, http.StatusInternalServerError, "Error processing query: "+se.Error(), map[string]any{"stage": se.Stage})
	case errors.As(err, &ie):
		log.Error("internal error", zap.Error(err))
		respondDetail(w, http.StatusInternalServerError, ie.UserMessage(), nil)
	default:
		log.Error("unexpected error", zap.Error(err))
		respondDetail(w, http.StatusInternalServerError, orchestrator.FallbackMessage, nil)
	}
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		respondDetail(w, http.StatusNotFound, "Query history is disabled", nil)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			respondDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q", v), nil)
			return
		}
		limit = n
	}
	recs, err := s.opts.History.List(r.Context(), limit)
	if err != nil {
		logging.FromContext(r.Context()).Error("listing history failed", zap.Error(err))
		respondDetail(w, http.StatusInternalServerError, orchestrator.FallbackMessage, nil)
		return
	}
	if recs == nil {
		recs = []models.QueryRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		respondDetail(w, http.StatusNotFound, "Query history is disabled", nil)
		return
	}
	rec, err := s.opts.History.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondDetail(w, http.StatusNotFound, "Query not found", nil)
	case err != nil:
		logging.FromContext(r.Context()).Error("reading history failed", zap.Error(err))
		respondDetail(w, http.StatusInternalServerError, orchestrator.FallbackMessage, nil)
	default:
		respondJSON(w, http.StatusOK, rec)
	}
}

// handleEvents streams hub events as Server-Sent Events until the client
// goes away. Without query_id every query is streamed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		respondDetail(w, http.StatusNotFound, "Event streaming is disabled", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondDetail(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}
	queryID := r.URL.Query().Get("query_id")
	if queryID == "" {
		queryID = orchestrator.AllQueries
	}
	events, unsubscribe := s.opts.Hub.Subscribe(queryID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	ping := time.NewTicker(s.opts.KeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case b, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func respondDetail(w http.ResponseWriter, status int, detail string, extra map[string]any) {
	body := map[string]any{"detail": detail}
	for k, v := range extra {
		body[k] = v
	}
	respondJSON(w, status, body)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests assigns the correlation id (X-Request-ID or a fresh uuid),
// stores a request logger in the context and logs each request on completion.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		log := s.log.With(zap.String("request_id", id))
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = logging.WithLogger(ctx, log)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
