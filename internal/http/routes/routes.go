package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/dataswift/hatsync/engine"
	"github.com/dataswift/hatsync/internal/http/middleware"
	"github.com/dataswift/hatsync/queue"
	"github.com/dataswift/hatsync/reconcile"
)

// Server is the local status and control API of a sync engine
type Server struct {
	Router  *chi.Mux
	Engine  *engine.Engine
	Trigger engine.Trigger // when set, /sync hands passes to the worker
	Log     zerolog.Logger
}

type ServerOptions struct {
	Engine  *engine.Engine
	Trigger engine.Trigger
	// APIToken guards the routes that change state, open when empty
	APIToken string
	Log      zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Engine: opts.Engine, Trigger: opts.Trigger, Log: opts.Log}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Get("/queue", s.handleQueueCounts)
	r.Get("/queue/{type}", s.handlePending)
	r.Get("/dead", s.handleDeadLetters)
	r.Get("/dead/{type}", s.handleDeadLetters)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(opts.APIToken))
		r.Post("/sync", s.handleSyncAll)
		r.Post("/sync/{type}", s.handleSync)
		r.Post("/dead/{id}/requeue", s.handleRequeue)
	})

	return s
}

type mutationView struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	Kind       string     `json:"kind"`
	Type       string     `json:"type"`
	LocalRef   string     `json:"local_ref"`
	RemoteID   string     `json:"remote_id,omitempty"`
	State      string     `json:"state"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
}

func viewOf(m *queue.Mutation) mutationView {
	return mutationView{
		ID:         m.ID,
		Seq:        m.Seq,
		Kind:       string(m.Kind),
		Type:       m.ResourceType,
		LocalRef:   m.LocalRef,
		RemoteID:   m.RemoteID,
		State:      string(m.State),
		Attempts:   m.Attempts,
		LastError:  m.LastError,
		EnqueuedAt: m.EnqueuedAt.UTC(),
	}
}

type resultView struct {
	Type         string `json:"type"`
	Applied      int    `json:"applied"`
	Dropped      int    `json:"dropped"`
	DeadLettered int    `json:"dead_lettered"`
	Remaining    int    `json:"remaining"`
	Stopped      string `json:"stopped,omitempty"`
}

func resultOf(res reconcile.Result) resultView {
	v := resultView{
		Type:         res.ResourceType,
		Applied:      res.Applied,
		Dropped:      res.Dropped,
		DeadLettered: res.DeadLettered,
		Remaining:    res.Remaining,
	}
	if res.Stopped != nil {
		v.Stopped = res.Stopped.Error()
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reconcile.ErrUnknownType):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrUnknownDeadLetter):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

// known rejects resource types the engine has no adapter for
func (s *Server) known(w http.ResponseWriter, r *http.Request, resourceType string) bool {
	if _, ok := s.Engine.Registry().Get(resourceType); ok {
		return true
	}
	s.writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "unknown resource type " + resourceType})
	return false
}

func (s *Server) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Engine.Queue().Counts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make(map[string]int)
	for _, t := range s.Engine.Registry().List() {
		out[t] = counts[t]
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"pending": out})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	if !s.known(w, r, resourceType) {
		return
	}
	pending, err := s.Engine.Queue().Pending(r.Context(), resourceType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]mutationView, 0, len(pending))
	for _, m := range pending {
		views = append(views, viewOf(m))
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

// handleSync runs a pass now, or queues it for the worker when a trigger is
// configured.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	if !s.known(w, r, resourceType) {
		return
	}

	if s.Trigger != nil {
		if err := s.Trigger.Trigger(r.Context(), resourceType); err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "queued", "type": resourceType})
		return
	}

	res, err := s.Engine.Reconcile(r.Context(), resourceType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, resultOf(res))
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	if s.Trigger != nil {
		if err := s.Trigger.Trigger(r.Context(), ""); err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	results, err := s.Engine.ReconcileAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]resultView, 0, len(results))
	for _, t := range s.Engine.Registry().List() {
		views = append(views, resultOf(results[t]))
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	if resourceType != "" && !s.known(w, r, resourceType) {
		return
	}
	dead, err := s.Engine.Queue().DeadLetters(r.Context(), resourceType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]mutationView, 0, len(dead))
	for _, d := range dead {
		v := viewOf(d.Mutation)
		v.State = "dead"
		failed := d.FailedAt.UTC()
		v.FailedAt = &failed
		views = append(views, v)
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	m, err := s.Engine.Queue().Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("mutation", m.ID).Str("type", m.ResourceType).Msg("dead letter requeued")
	s.writeJSON(w, r, http.StatusOK, viewOf(m))
}
