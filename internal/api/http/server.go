package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appDispute "github.com/mediation-hub/mediation-hub/internal/application/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
)

// StaffChecker reports whether an actor belongs to mediation staff.
type StaffChecker interface {
	IsStaff(ctx context.Context, actorID string) (bool, error)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	disputeSvc *appDispute.Service
	staff      StaffChecker
	sseHub     notification.SSEHub
	jwtSecret  []byte
	logger     zerolog.Logger
}

func NewServer(
	disputeSvc *appDispute.Service,
	staff StaffChecker,
	sseHub notification.SSEHub,
	jwtSecret string,
	logger zerolog.Logger,
) *Server {
	var secret []byte
	if jwtSecret != "" {
		secret = []byte(jwtSecret)
	}
	return &Server{
		disputeSvc: disputeSvc,
		staff:      staff,
		sseHub:     sseHub,
		jwtSecret:  secret,
		logger:     logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		// the stream outlives any request timeout
		r.Get("/stream", s.stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/disputes", func(r chi.Router) {
				r.Post("/", s.openDispute)
				r.Get("/", s.listDisputes)
				r.Get("/{disputeId}", s.getDispute)
				r.Post("/{disputeId}/messages", s.appendMessage)
				r.Get("/{disputeId}/messages", s.listMessages)
				r.Post("/{disputeId}/transitions", s.transition)
				r.Put("/{disputeId}/priority", s.setPriority)
			})

			r.Route("/admin", func(r chi.Router) {
				r.With(s.requireStaff).Post("/directory/rebuild", s.rebuildDirectory)
			})
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimit(r *http.Request, defaultLimit, maxLimit int) (int, error) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 0 {
			return 0, errInvalidParam("limit")
		}
		limit = l
	}
	if limit == 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

func parseCursor(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errInvalidParam(key)
	}
	return n, nil
}
