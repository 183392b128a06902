// Package server is the HTTP facade over the review engine: task
// lifecycle, document upload, approval, introspection, and the SSE
// event stream.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redlineai/redline/pkg/agent"
	"github.com/redlineai/redline/pkg/auth"
	"github.com/redlineai/redline/pkg/blob"
	"github.com/redlineai/redline/pkg/clausetree"
	"github.com/redlineai/redline/pkg/domain"
	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/observability"
	"github.com/redlineai/redline/pkg/quota"
	"github.com/redlineai/redline/pkg/review"
	"github.com/redlineai/redline/pkg/session"
	"github.com/redlineai/redline/pkg/skill"
	"github.com/redlineai/redline/pkg/workflow"
)

const defaultMaxUploadBytes = 20 << 20

var errNoPrimaryDocument = errors.New("no primary document attached")

// DocumentInfo describes one attached upload.
type DocumentInfo struct {
	Role         string `json:"role"`
	Filename     string `json:"filename"`
	SizeBytes    int64  `json:"size_bytes"`
	TotalClauses int    `json:"total_clauses,omitempty"`
	Language     string `json:"language,omitempty"`
}

// reviewTask is the server-side task entry: upload metadata plus the
// parsed document context the graph and skills read from.
type reviewTask struct {
	mu sync.Mutex

	id       string
	userID   string
	domainID string
	subtype  string
	language string
	ourParty string

	autoStart bool
	launched  bool

	documents []DocumentInfo
	doc       *skill.DocumentContext
	chats     map[string][]ChatTurn
}

// Server wires the HTTP surface over the engine components.
type Server struct {
	provider  llms.Provider
	domains   *domain.Registry
	catalog   *skill.Registry
	runner    *review.Runner
	store     session.Store
	gate      quota.Gate
	bus       *events.Bus
	blobs     *blob.Store
	wf        workflow.Runner
	metrics   *observability.Metrics
	validator *auth.Validator

	maxUploadBytes int64

	mu    sync.Mutex
	tasks map[string]*reviewTask
}

type Option func(*Server)

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) { s.maxUploadBytes = n }
}

// WithAuthValidator enables bearer-token authentication. Without it the
// server runs in dev mode.
func WithAuthValidator(v *auth.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithWorkflowRunner enables remote skill dispatch.
func WithWorkflowRunner(wf workflow.Runner) Option {
	return func(s *Server) { s.wf = wf }
}

func New(provider llms.Provider, domains *domain.Registry, catalog *skill.Registry,
	runner *review.Runner, store session.Store, gate quota.Gate, bus *events.Bus,
	blobs *blob.Store, metrics *observability.Metrics, opts ...Option) *Server {

	s := &Server{
		provider:       provider,
		domains:        domains,
		catalog:        catalog,
		runner:         runner,
		store:          store,
		gate:           gate,
		bus:            bus,
		blobs:          blobs,
		metrics:        metrics,
		maxUploadBytes: defaultMaxUploadBytes,
		tasks:          make(map[string]*reviewTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.validator))

		r.Route("/review", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Post("/upload", s.handleUpload)
				r.Get("/documents", s.handleDocuments)
				r.Post("/run", s.handleRun)
				r.Post("/approve", s.handleApprove)
				r.Post("/resume", s.handleResume)
				r.Get("/status", s.handleStatus)
				r.Post("/rehydrate", s.handleRehydrate)
				r.Get("/clause/{clauseID}/context", s.handleClauseContext)
				r.Get("/stream", s.handleStream)
				r.Route("/diff/{diffID}/chat", func(r chi.Router) {
					r.Post("/", s.handleChatPost)
					r.Get("/", s.handleChatGet)
				})
			})
		})

		r.Get("/domains", s.handleDomains)
		r.Get("/domains/{domainID}", s.handleDomain)
		r.Get("/skills", s.handleSkills)
		r.Get("/skills/{skillID}", s.handleSkill)
		r.Get("/skills/by-domain/{domainID}", s.handleSkillsByDomain)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// task returns the server-side entry, enforcing ownership.
func (s *Server) task(taskID, userID string) (*reviewTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, review.ErrTaskNotFound
	}
	if t.userID != userID {
		return nil, review.ErrNotOwner
	}
	return t, nil
}

// buildGraph assembles a graph for a task: per-task skill registry over
// its document, catalog skills merged in, fresh agent loop.
func (s *Server) buildGraph(t *reviewTask, state *review.GraphState) (*review.Graph, error) {
	plugin, ok := s.domains.Get(t.domainID)
	if !ok {
		return nil, fmt.Errorf("unknown domain: %s", t.domainID)
	}
	if t.doc == nil || t.doc.Tree == nil {
		return nil, errNoPrimaryDocument
	}

	reg := skill.NewRegistry()
	if err := skill.RegisterBuiltins(reg, t.doc); err != nil {
		return nil, err
	}
	if s.catalog != nil {
		for _, extra := range s.catalog.List() {
			if _, exists := reg.Get(extra.ID); exists {
				continue
			}
			if err := reg.Register(extra); err != nil {
				slog.Warn("Skipping catalog skill", "skill", extra.ID, "error", err)
			}
		}
	}
	dispatcher := skill.NewDispatcher(reg, s.wf, s.metrics)
	loop := agent.NewLoop(s.provider, dispatcher, s.bus)

	return review.NewGraph(state, t.doc, plugin, loop, s.provider, s.bus, s.metrics), nil
}

// parsePrimary extracts text and builds the document context.
func parsePrimary(plugin *domain.Plugin, filename string, data []byte) (*skill.DocumentContext, int, error) {
	text, err := extractText(filename, data)
	if err != nil {
		return nil, 0, err
	}
	res, err := clausetree.Parse(text, plugin.ParserConfig)
	if err != nil {
		return nil, 0, err
	}
	doc := &skill.DocumentContext{
		Tree:        res.Tree,
		CrossRefs:   res.CrossRefs,
		Definitions: res.Definitions,
	}
	return doc, res.Tree.Len(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	body := map[string]any{"error": code}
	if detail != "" {
		body["detail"] = detail
	}
	writeJSON(w, status, body)
}

// writeEngineError maps engine errors onto the HTTP taxonomy.
func writeEngineError(w http.ResponseWriter, err error) {
	var incomplete *review.DecisionsIncompleteError
	switch {
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":            "decisions_incomplete",
			"missing_diff_ids": incomplete.MissingDiffIDs,
		})
	case errors.Is(err, quota.ErrQuotaExhausted):
		writeError(w, http.StatusPaymentRequired, "quota_exhausted", "")
	case errors.Is(err, review.ErrTaskNotFound), errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", "")
	case errors.Is(err, review.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden", "")
	case errors.Is(err, review.ErrNotAwaitingApproval):
		writeError(w, http.StatusConflict, "not_awaiting_approval", "")
	case errors.Is(err, session.ErrStaleRevision):
		writeError(w, http.StatusConflict, "task_exists", "")
	default:
		slog.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
