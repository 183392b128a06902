package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redlineai/redline/pkg/auth"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/review"
)

// ChatTurn is one message of a per-diff refinement chat. Assistant turns
// snapshot the suggested replacement text current at that point.
type ChatTurn struct {
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	SuggestedText string    `json:"suggested_text,omitempty"`
	Time          time.Time `json:"time"`
}

type chatRequest struct {
	Message string `json:"message"`
}

// findPendingDiff resolves a diff id against the task's pending set.
func (s *Server) findPendingDiff(taskID, userID, diffID string) (*review.DocumentDiff, error) {
	diffs, err := s.runner.PendingDiffs(taskID, userID)
	if err != nil {
		return nil, err
	}
	for i := range diffs {
		if diffs[i].DiffID == diffID {
			return &diffs[i], nil
		}
	}
	return nil, fmt.Errorf("diff %s is not pending", diffID)
}

func (s *Server) handleChatPost(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)
	taskID := chi.URLParam(r, "taskID")
	diffID := chi.URLParam(r, "diffID")

	t, err := s.task(taskID, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "message is required")
		return
	}

	diff, err := s.findPendingDiff(taskID, userID, diffID)
	if err != nil {
		writeError(w, http.StatusNotFound, "diff_not_found", err.Error())
		return
	}

	plugin, ok := s.domains.Get(t.domainID)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	t.mu.Lock()
	history := append([]ChatTurn(nil), t.chats[diffID]...)
	clauseText := ""
	if t.doc != nil && t.doc.Tree != nil {
		clauseText = t.doc.Tree.FullText(diff.ClauseID)
	}
	t.mu.Unlock()

	messages := []llms.Message{
		{Role: llms.RoleSystem, Content: plugin.SystemPrompt + `

The user is refining one proposed change before deciding on it. Answer
their question or revise the suggested text; keep replies short.`},
		{Role: llms.RoleUser, Content: fmt.Sprintf(
			"Clause %s:\n%s\n\nProposed change (%s):\noriginal: %s\nproposed: %s\nreason: %s",
			diff.ClauseID, clauseText, diff.Action, diff.OriginalText, diff.ProposedText, diff.Reason)},
	}
	for _, turn := range history {
		role := llms.RoleUser
		if turn.Role == "assistant" {
			role = llms.RoleAssistant
		}
		messages = append(messages, llms.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: req.Message})

	reply, err := s.provider.Chat(r.Context(), messages, llms.Options{})
	if err != nil {
		writeError(w, http.StatusBadGateway, "provider_failed", "")
		return
	}

	now := time.Now().UTC()
	userTurn := ChatTurn{Role: "user", Content: req.Message, Time: now}
	assistantTurn := ChatTurn{
		Role:          "assistant",
		Content:       reply,
		SuggestedText: diff.ProposedText,
		Time:          now,
	}

	t.mu.Lock()
	t.chats[diffID] = append(t.chats[diffID], userTurn, assistantTurn)
	t.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"reply": assistantTurn})
}

func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r)
	taskID := chi.URLParam(r, "taskID")
	diffID := chi.URLParam(r, "diffID")

	t, err := s.task(taskID, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	t.mu.Lock()
	turns := append([]ChatTurn(nil), t.chats[diffID]...)
	t.mu.Unlock()
	if turns == nil {
		turns = []ChatTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}
