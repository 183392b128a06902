package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/redlineai/redline/pkg/auth"
	"github.com/redlineai/redline/pkg/clausetree"
	"github.com/redlineai/redline/pkg/domain"
	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/extract"
	"github.com/redlineai/redline/pkg/review"
	"github.com/redlineai/redline/pkg/session"
	"github.com/redlineai/redline/pkg/skill"
)

const defaultDomainID = "general"

// Upload roles.
const (
	RolePrimary   = "primary"
	RoleBaseline  = "baseline"
	RoleReference = "reference"
)

type startRequest struct {
	TaskID        string `json:"task_id,omitempty"`
	DomainID      string `json:"domain_id,omitempty"`
	DomainSubtype string `json:"domain_subtype,omitempty"`
	AutoStart     bool   `json:"auto_start,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.DomainID == "" {
		req.DomainID = defaultDomainID
	}
	plugin, ok := s.domains.Get(req.DomainID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_domain", req.DomainID)
		return
	}
	if !plugin.SupportsSubtype(req.DomainSubtype) {
		writeError(w, http.StatusBadRequest, "unsupported_subtype", req.DomainSubtype)
		return
	}

	if err := s.gate.Check(r.Context(), userID); err != nil {
		writeEngineError(w, err)
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.tasks[taskID]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "task_exists", taskID)
		return
	}
	t := &reviewTask{
		id:        taskID,
		userID:    userID,
		domainID:  req.DomainID,
		subtype:   req.DomainSubtype,
		autoStart: req.AutoStart,
		chats:     make(map[string][]ChatTurn),
	}
	s.tasks[taskID] = t
	s.mu.Unlock()

	rec := &session.Record{
		TaskID:   taskID,
		UserID:   userID,
		DomainID: req.DomainID,
		Status:   session.StatusCreated,
		Revision: 1,
	}
	if err := s.store.Save(r.Context(), rec); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id": taskID,
		"status":  session.StatusCreated,
	})
}

func extractText(filename string, data []byte) (string, error) {
	if !extract.Supported(filename) {
		return "", fmt.Errorf("unsupported file type: %s", filename)
	}
	return extract.Text(filename, data)
}

func parseTree(plugin *domain.Plugin, text string) (*clausetree.Tree, error) {
	res, err := clausetree.Parse(text, plugin.ParserConfig)
	if err != nil {
		return nil, err
	}
	return res.Tree, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)
	taskID := chi.URLParam(r, "taskID")

	t, err := s.task(taskID, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "upload_too_large",
			fmt.Sprintf("limit is %d bytes", s.maxUploadBytes))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	role := r.FormValue("role")
	if role == "" {
		role = RolePrimary
	}
	if role != RolePrimary && role != RoleBaseline && role != RoleReference {
		writeError(w, http.StatusBadRequest, "invalid_role", role)
		return
	}
	if !extract.Supported(header.Filename) {
		writeError(w, http.StatusBadRequest, "unsupported_file_type", header.Filename)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload_failed", err.Error())
		return
	}

	plugin, ok := s.domains.Get(t.domainID)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	totalClauses := 0
	t.mu.Lock()
	switch role {
	case RolePrimary:
		doc, n, perr := parsePrimary(plugin, header.Filename, data)
		if perr != nil {
			t.mu.Unlock()
			writeError(w, http.StatusBadRequest, "parse_failed", perr.Error())
			return
		}
		if t.doc != nil && t.doc.Baseline != nil {
			doc.Baseline = t.doc.Baseline
		}
		t.doc = doc
		totalClauses = n

	case RoleBaseline:
		text, perr := extractText(header.Filename, data)
		if perr != nil {
			t.mu.Unlock()
			writeError(w, http.StatusBadRequest, "parse_failed", perr.Error())
			return
		}
		res, perr := parseTree(plugin, text)
		if perr != nil {
			t.mu.Unlock()
			writeError(w, http.StatusBadRequest, "parse_failed", perr.Error())
			return
		}
		if t.doc == nil {
			t.doc = &skill.DocumentContext{}
		}
		t.doc.Baseline = res
		totalClauses = res.Len()

	case RoleReference:
		// Stored for human reference only; not parsed.
	}

	if v := r.FormValue("our_party"); v != "" {
		t.ourParty = v
	}
	if v := r.FormValue("language"); v != "" {
		t.language = v
	}
	t.documents = append(t.documents, DocumentInfo{
		Role:         role,
		Filename:     header.Filename,
		SizeBytes:    int64(len(data)),
		TotalClauses: totalClauses,
		Language:     t.language,
	})
	launch := role == RolePrimary && t.autoStart && !t.launched
	t.mu.Unlock()

	if _, err := s.blobs.Save(userID, taskID, role, header.Filename, bytes.NewReader(data)); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_failed", "")
		return
	}

	if role == RolePrimary {
		if err := s.store.UpdateStatus(r.Context(), taskID, session.StatusReady, ""); err != nil {
			writeEngineError(w, err)
			return
		}
	}

	if launch {
		if err := s.launch(r, t); err != nil {
			writeEngineError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"role":          role,
		"total_clauses": totalClauses,
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	t, err := s.task(chi.URLParam(r, "taskID"), auth.UserID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	t.mu.Lock()
	docs := append([]DocumentInfo(nil), t.documents...)
	t.mu.Unlock()
	if docs == nil {
		docs = []DocumentInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// launch builds the graph and hands it to the runner.
func (s *Server) launch(r *http.Request, t *reviewTask) error {
	plugin, _ := s.domains.Get(t.domainID)

	t.mu.Lock()
	if t.launched {
		t.mu.Unlock()
		return errTaskAlreadyRunning
	}
	state := review.NewGraphState(t.id, plugin, t.language)
	g, err := s.buildGraph(t, state)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.launched = true
	t.mu.Unlock()

	if err := s.runner.Start(r.Context(), t.userID, g); err != nil {
		t.mu.Lock()
		t.launched = false
		t.mu.Unlock()
		return err
	}
	return nil
}

var errTaskAlreadyRunning = errors.New("task already running")

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	t, err := s.task(chi.URLParam(r, "taskID"), auth.UserID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if err := s.launch(r, t); err != nil {
		switch {
		case errors.Is(err, errTaskAlreadyRunning):
			writeError(w, http.StatusConflict, "already_running", "")
		case errors.Is(err, errNoPrimaryDocument):
			writeError(w, http.StatusBadRequest, "no_primary_document", "upload a primary document first")
		default:
			writeEngineError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": session.StatusReviewing})
}

type approveRequest struct {
	DiffID   string `json:"diff_id"`
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)
	taskID := chi.URLParam(r, "taskID")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.DiffID == "" || req.Decision == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "diff_id and decision are required")
		return
	}

	if err := s.runner.Approve(taskID, userID, req.DiffID, req.Decision, req.Feedback); err != nil {
		if errors.Is(err, review.ErrTaskNotFound) || errors.Is(err, review.ErrNotOwner) ||
			errors.Is(err, review.ErrNotAwaitingApproval) {
			writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_decision", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)
	taskID := chi.URLParam(r, "taskID")

	if err := s.runner.Resume(taskID, userID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": session.StatusReviewing})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)
	taskID := chi.URLParam(r, "taskID")

	if snap, err := s.runner.Status(taskID, userID); err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	} else if errors.Is(err, review.ErrNotOwner) {
		writeEngineError(w, err)
		return
	}

	// Not resident in the active-graphs table; answer from the store.
	rec, err := s.store.Load(r.Context(), taskID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if rec.UserID != userID {
		writeEngineError(w, review.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":     rec.TaskID,
		"status":      rec.Status,
		"is_complete": rec.IsComplete,
		"error":       rec.Error,
	})
}

func (s *Server) handleRehydrate(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)
	taskID := chi.URLParam(r, "taskID")

	err := s.runner.Rehydrate(r.Context(), taskID, userID, func(state *review.GraphState) (*review.Graph, error) {
		t, terr := s.reviveTask(r, taskID, userID, state.DomainID)
		if terr != nil {
			return nil, terr
		}
		return s.buildGraph(t, state)
	})
	if err != nil {
		if errors.Is(err, review.ErrNotOwner) || errors.Is(err, session.ErrNotFound) {
			writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "rehydrate_failed", err.Error())
		return
	}

	snap, err := s.runner.Status(taskID, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": snap.Status})
}

// reviveTask returns the in-memory task entry, rebuilding it from blob
// storage after a process restart.
func (s *Server) reviveTask(r *http.Request, taskID, userID, domainID string) (*reviewTask, error) {
	if t, err := s.task(taskID, userID); err == nil {
		if t.doc != nil {
			return t, nil
		}
	}

	plugin, ok := s.domains.Get(domainID)
	if !ok {
		return nil, fmt.Errorf("unknown domain: %s", domainID)
	}

	files, err := s.blobs.List(userID, taskID, RolePrimary)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no stored primary document to rebuild from")
	}
	rc, err := s.blobs.OpenFile(userID, taskID, RolePrimary, files[0])
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	doc, n, err := parsePrimary(plugin, files[0], data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		t = &reviewTask{
			id:       taskID,
			userID:   userID,
			domainID: domainID,
			chats:    make(map[string][]ChatTurn),
		}
		s.tasks[taskID] = t
	}
	s.mu.Unlock()

	t.mu.Lock()
	t.doc = doc
	t.launched = true
	if len(t.documents) == 0 {
		t.documents = []DocumentInfo{{
			Role:         RolePrimary,
			Filename:     files[0],
			SizeBytes:    int64(len(data)),
			TotalClauses: n,
		}}
	}
	t.mu.Unlock()
	return t, nil
}

func (s *Server) handleClauseContext(w http.ResponseWriter, r *http.Request) {
	t, err := s.task(chi.URLParam(r, "taskID"), auth.UserID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	clauseID := chi.URLParam(r, "clauseID")

	t.mu.Lock()
	doc := t.doc
	t.mu.Unlock()
	if doc == nil {
		writeError(w, http.StatusBadRequest, "no_primary_document", "")
		return
	}
	clause := doc.Tree.Get(clauseID)
	if clause == nil {
		writeError(w, http.StatusNotFound, "clause_not_found", clauseID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clause_id":    clause.ID,
		"title":        clause.Title,
		"text":         doc.Tree.FullText(clause.ID),
		"level":        clause.Depth,
		"start_offset": clause.StartOffset,
		"end_offset":   clause.EndOffset,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)
	taskID := chi.URLParam(r, "taskID")

	// Ownership: the task may live in the table or only in the store.
	if _, err := s.task(taskID, userID); err != nil {
		if rec, lerr := s.store.Load(r.Context(), taskID); lerr != nil || rec.UserID != userID {
			writeEngineError(w, err)
			return
		}
	}

	var lastSeq uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastSeq, _ = strconv.ParseUint(v, 10, 64)
	} else if v := r.URL.Query().Get("last_seq"); v != "" {
		lastSeq, _ = strconv.ParseUint(v, 10, 64)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	replay, live, cancel := s.bus.Subscribe(taskID, lastSeq)
	defer cancel()

	for _, ev := range replay {
		if err := events.WriteSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				return
			}
			if err := events.WriteSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
