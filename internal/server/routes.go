package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/convokit/agendad/internal/planner"
	"github.com/convokit/agendad/internal/store"
)

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var ec planner.EvalContext
	if err := json.NewDecoder(r.Body).Decode(&ec); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if ec.UserID == "" || ec.SessionID == "" {
		http.Error(w, `{"error":"user_id and session_id required"}`, http.StatusBadRequest)
		return
	}

	// Fire-and-forget path: failures are logged, never surfaced to the
	// user-facing response.
	if r.URL.Query().Get("async") == "1" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.planner.Evaluate(ctx, ec); err != nil {
				log.Printf("async evaluate failed for %s/%s: %v", ec.UserID, ec.SessionID, err)
			}
		}()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "evaluating"})
		return
	}

	res, err := s.planner.Evaluate(r.Context(), ec)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (s *Server) handleGetStack(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if userID == "" || sessionID == "" {
		http.Error(w, `{"error":"user_id and session_id required"}`, http.StatusBadRequest)
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}

	goals, err := s.planner.GetStack(userID, sessionID, limit)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"goals": goalsJSON(goals),
	})
}

func (s *Server) handleGetAgenda(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if userID == "" || sessionID == "" {
		http.Error(w, `{"error":"user_id and session_id required"}`, http.StatusBadRequest)
		return
	}

	agenda, err := s.planner.FormatAgenda(userID, sessionID)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"agenda": agenda,
	})
}

func (s *Server) handleSeedGoal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string         `json:"user_id"`
		SessionID  string         `json:"session_id"`
		GoalText   string         `json:"goal_text"`
		GoalType   string         `json:"goal_type"`
		Priority   int            `json:"priority"`
		Source     string         `json:"source"`
		NextAction string         `json:"next_action"`
		Context    map[string]any `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.SessionID == "" || req.GoalText == "" {
		http.Error(w, `{"error":"user_id, session_id, goal_text required"}`, http.StatusBadRequest)
		return
	}

	goal, err := s.db.Goals().SeedGoal(store.SeedInput{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		GoalText:   req.GoalText,
		GoalType:   req.GoalType,
		Priority:   req.Priority,
		Source:     req.Source,
		NextAction: req.NextAction,
		Context:    req.Context,
		Now:        time.Now().UnixMilli(),
	})
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}
	s.planner.Invalidate(req.UserID, req.SessionID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(goalJSON(*goal))
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if userID == "" || sessionID == "" {
		http.Error(w, `{"error":"user_id and session_id required"}`, http.StatusBadRequest)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.db.Goals().ListJournal(userID, sessionID, limit)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{
			"id":         e.ID,
			"event_type": e.EventType,
			"payload":    e.Payload,
			"created_at": e.CreatedAt,
		}
		if e.GoalID != nil {
			item["goal_id"] = *e.GoalID
		}
		out = append(out, item)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": out,
	})
}

func goalsJSON(goals []store.Goal) []map[string]any {
	out := make([]map[string]any, 0, len(goals))
	for _, g := range goals {
		out = append(out, goalJSON(g))
	}
	return out
}

func goalJSON(g store.Goal) map[string]any {
	m := map[string]any{
		"id":         g.ID,
		"user_id":    g.UserID,
		"session_id": g.SessionID,
		"goal_text":  g.GoalText,
		"status":     g.Status,
		"goal_type":  g.GoalType,
		"priority":   g.Priority,
		"source":     g.Source,
		"created_at": g.CreatedAt,
		"updated_at": g.UpdatedAt,
	}
	if g.NextAction != "" {
		m["next_action"] = g.NextAction
	}
	if g.ParentGoalID != "" {
		m["parent_goal_id"] = g.ParentGoalID
	}
	if g.Deadline != nil {
		m["deadline"] = *g.Deadline
	}
	if len(g.Context) > 0 {
		m["context"] = g.Context
	}
	return m
}
