package httpapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/itsandyd/ppr-academy-sub023/internal/engine"
	"github.com/itsandyd/ppr-academy-sub023/internal/ingest"
	"github.com/itsandyd/ppr-academy-sub023/internal/middleware"
	"github.com/itsandyd/ppr-academy-sub023/internal/observability"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

// InboundHandler consumes raw platform webhook bodies.
type InboundHandler interface {
	HandleInboundEvent(ctx context.Context, payload []byte)
}

type Options struct {
	PubKey      *rsa.PublicKey
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks on webhook posts.
	AppSecret   string
	CORSOrigins []string
	Metrics     http.Handler
	Tracer      oteltrace.Tracer
}

type Server struct {
	repo     *store.Repo
	engine   *engine.Engine
	inbound  InboundHandler
	ingestor *ingest.Ingestor
	opts     Options

	// inflight tracks webhook bodies still being dispatched.
	inflight sync.WaitGroup
}

func New(repo *store.Repo, eng *engine.Engine, inbound InboundHandler, ing *ingest.Ingestor, opts Options) *Server {
	return &Server{repo: repo, engine: eng, inbound: inbound, ingestor: ing, opts: opts}
}

// Wait blocks until dispatches started by webhook posts have returned.
func (s *Server) Wait() { s.inflight.Wait() }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.opts.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(s.opts.Tracer))
	}
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Get("/webhooks/instagram", s.handleWebhookVerify)
	r.Post("/webhooks/instagram", s.handleWebhookEvent)

	// WebSocket routes are authenticated at the gateway, which does not
	// forward credentials upstream.
	r.Get("/api/campaigns/runs/{run_id}/ws", s.handleRunEventsWS)

	r.Route("/api/campaigns", func(r chi.Router) {
		if s.opts.PubKey == nil {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusInternalServerError, "jwt public key not configured")
				})
			})
			return
		}
		r.Use(middleware.JWTAuthMiddlewareRS256(s.opts.PubKey))
		r.Use(middleware.RoleAtLeastMiddleware(middleware.RoleCreator))

		r.Get("/nodes", s.handleNodes)

		r.Get("/workflows", s.handleListWorkflows)
		r.Post("/workflows", s.handleCreateWorkflow)
		r.Route("/workflows/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Put("/", s.handleUpdateWorkflow)
			r.Post("/enable", s.handleEnableWorkflow(true))
			r.Post("/disable", s.handleEnableWorkflow(false))
			r.Post("/enroll", s.handleEnroll)
			r.Get("/runs", s.handleListRuns)
			r.Get("/ab/{node_id}", s.handleABReport)
			r.With(middleware.RoleAtLeastMiddleware(middleware.RoleAdmin)).Delete("/", s.handleDeleteWorkflow)
		})
		r.Post("/abtests", s.handleCreateABTest)
		r.Post("/templates", s.handleCreateTemplate)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Post("/events", s.handleIngestEvent)

		r.Get("/runs/{run_id}", s.handleGetRun)
		r.Post("/runs/{run_id}/cancel", s.handleCancelRun)

		r.Get("/automations", s.handleListAutomations)
		r.Post("/automations", s.handleCreateAutomation)
		r.Put("/automations/{id}", s.handleUpdateAutomation)
		r.Get("/automations/{id}/conversations/{sender_id}", s.handleConversation)
	})

	return r
}

func (s *Server) handleRunEventsWS(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.engine.SubscribeRunEvents(runID)
	defer cancel()

	// Read pump only detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

// canAccess reports whether the caller may touch a resource of storeID.
// Admins and services see every store; creators only their own.
func canAccess(r *http.Request, storeID string) bool {
	c := middleware.GetClaims(r)
	if c == nil {
		return false
	}
	if middleware.HasRole(c.Role, middleware.RoleAdmin) {
		return true
	}
	return c.StoreID != "" && c.StoreID == storeID
}

// callerStore resolves the store a create request acts on.
func callerStore(r *http.Request, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	c := middleware.GetClaims(r)
	if c == nil {
		return "", false
	}
	if requested == "" {
		requested = c.StoreID
	}
	if requested == "" {
		return "", false
	}
	return requested, canAccess(r, requested)
}

func callerSubject(r *http.Request) string {
	if c := middleware.GetClaims(r); c != nil {
		return c.Subject
	}
	return ""
}

func parseID(w http.ResponseWriter, r *http.Request, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit"))); err == nil && n > 0 {
		limit = n
	}
	if limit > max {
		limit = max
	}
	return limit
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}

func writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	slog.Error("store operation failed", "what", what, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}
