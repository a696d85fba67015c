// Package server exposes jobs, live updates, reruns and write-back over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/config"
	"github.com/sells-group/crm-notes/internal/jobs"
	"github.com/sells-group/crm-notes/internal/pipeline"
	"github.com/sells-group/crm-notes/internal/search"
	"github.com/sells-group/crm-notes/internal/store"
)

var errBadRequest = errors.New("server: bad request")

// Options configures the API.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	AllowedOrigins []string
	PreviewLimit   int
	// IndexTTL is how long the cross-job search index is reused.
	IndexTTL time.Duration
}

// Server holds the handlers and their dependencies. Handlers reach job
// state only through the service and the job store's methods.
type Server struct {
	svc      *pipeline.Service
	index    *search.Index
	opts     Options
	validate *validator.Validate
	upgrader websocket.Upgrader

	// base bounds job workers started by requests.
	base context.Context
}

// New creates a server. ctx outlives individual requests and is handed to
// job workers.
func New(ctx context.Context, svc *pipeline.Service, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.IndexTTL <= 0 {
		opts.IndexTTL = search.DefaultTTL
	}
	return &Server{
		svc:      svc,
		index:    search.New(svc.Artifacts, search.WithTTL(opts.IndexTTL)),
		opts:     opts,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		base: ctx,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/preview", s.handlePreview)
		r.Post("/jobs", s.handleStartJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/search", s.handleSearch)
		r.Get("/search/{jobID}/{contactID}", s.handleFindContact)

		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleSnapshot)
			r.Get("/review", s.handleReview)
			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.handleWebsocket)
			r.Post("/push", s.handlePushJob)

			r.Route("/contacts/{contactID}", func(r chi.Router) {
				r.Get("/", s.handleContact)
				r.Post("/verify", s.handleVerify)
				r.Post("/rerun/step3", s.handleRerunSummary)
				r.Post("/rerun/step4", s.handleRerunRender)
				r.Post("/push", s.handlePushContact)
				r.Get("/artifacts/{name}", s.handleArtifact)
			})
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		verrs validator.ValidationErrors
		cerr  *config.Error
	)
	switch {
	case errors.As(err, &verrs):
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
	case errors.Is(err, errBadRequest), errors.Is(err, store.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: cerr.Error()})
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrContactNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, search.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, pipeline.ErrContactBusy), errors.Is(err, pipeline.ErrContactLocked):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		zap.L().Error("server: request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
