package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Goal lifecycle statuses. Completed and abandoned are terminal; a goal
// is never flipped back to active — a new goal is created instead.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// Goal types. Unknown persisted values normalize to TypeGeneral at read.
const (
	TypeOnboarding     = "onboarding"
	TypePriceWatch     = "price_watch"
	TypeRecommendation = "recommendation"
	TypeUpsell         = "upsell"
	TypeGeneral        = "general"
)

// Goal sources. Only SourcePlanner goals are ever mutated by the
// planner's policy rules; other producers own their goals.
const (
	SourceClassifier       = "classifier"
	SourcePlanner          = "agenda_planner"
	SourceFunnel           = "funnel"
	SourceTaskOrchestrator = "task_orchestrator"
	SourceManual           = "manual"
)

var validGoalTypes = map[string]bool{
	TypeOnboarding:     true,
	TypePriceWatch:     true,
	TypeRecommendation: true,
	TypeUpsell:         true,
	TypeGeneral:        true,
}

var validSources = map[string]bool{
	SourceClassifier:       true,
	SourcePlanner:          true,
	SourceFunnel:           true,
	SourceTaskOrchestrator: true,
	SourceManual:           true,
}

// ClampPriority clamps a priority into [1,10]. Idempotent.
func ClampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// Goal is a persisted conversation objective.
type Goal struct {
	ID           string
	UserID       string
	SessionID    string
	GoalText     string
	Status       string
	GoalType     string
	Priority     int
	Context      map[string]any
	NextAction   string
	Deadline     *int64
	ParentGoalID string
	Source       string
	CreatedAt    int64
	UpdatedAt    int64
}

// GoalRef identifies a goal and its session, used by cross-session sweeps.
type GoalRef struct {
	ID        string
	UserID    string
	SessionID string
}

// UpsertInput describes a planner-owned goal to create or refresh.
type UpsertInput struct {
	UserID       string
	SessionID    string
	GoalText     string
	GoalType     string
	Priority     int
	Context      map[string]any
	NextAction   string
	Deadline     *int64
	ParentGoalID string
	Now          int64
}

const goalColumns = `id, user_id, session_id, goal_text, status, goal_type, priority,
	context, next_action, deadline, parent_goal_id, source, created_at, updated_at`

// UpsertGoal finds the newest active planner-owned goal matching the
// composite key (user, session, type, parent) and refreshes it in
// place, or inserts a new active goal. The insert path rides the
// partial unique index via ON CONFLICT, so concurrent callers for the
// same key never produce two active rows even without the session lock.
// Returns the resulting goal and whether it was newly created.
func (s *GoalStore) UpsertGoal(in UpsertInput) (*Goal, bool, error) {
	goalType := in.GoalType
	if !validGoalTypes[goalType] {
		goalType = TypeGeneral
	}
	text := strings.TrimSpace(in.GoalText)
	priority := ClampPriority(in.Priority)

	existing, err := s.findActiveByKey(in.UserID, in.SessionID, goalType, in.ParentGoalID)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		merged := mergeContext(existing.Context, in.Context)
		ctxJSON, err := marshalContext(merged)
		if err != nil {
			return nil, false, err
		}
		_, err = s.q.Exec(`
			UPDATE goals SET goal_text = ?, priority = ?, context = ?, next_action = NULLIF(?, ''),
				deadline = ?, source = ?, updated_at = ?
			WHERE id = ?
		`, text, priority, ctxJSON, in.NextAction, in.Deadline, SourcePlanner, in.Now, existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("update goal %s: %w", existing.ID, err)
		}
		existing.GoalText = text
		existing.Priority = priority
		existing.Context = merged
		existing.NextAction = in.NextAction
		existing.Deadline = in.Deadline
		existing.Source = SourcePlanner
		existing.UpdatedAt = in.Now
		return existing, false, nil
	}

	ctxJSON, err := marshalContext(in.Context)
	if err != nil {
		return nil, false, err
	}

	id := uuid.NewString()
	_, err = s.q.Exec(`
		INSERT INTO goals (id, user_id, session_id, goal_text, status, goal_type, priority,
			context, next_action, deadline, parent_goal_id, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT (user_id, session_id, goal_type, COALESCE(parent_goal_id, ''))
			WHERE status = 'active' AND source = 'agenda_planner'
		DO UPDATE SET goal_text = excluded.goal_text, priority = excluded.priority,
			context = excluded.context, next_action = excluded.next_action,
			deadline = excluded.deadline, updated_at = excluded.updated_at
	`, id, in.UserID, in.SessionID, text, goalType, priority,
		ctxJSON, in.NextAction, in.Deadline, in.ParentGoalID, SourcePlanner, in.Now, in.Now)
	if err != nil {
		return nil, false, fmt.Errorf("insert goal: %w", err)
	}

	// Re-read by key: if a concurrent writer won the race, the surviving
	// row keeps its original id and the conflict clause refreshed it.
	stored, err := s.findActiveByKey(in.UserID, in.SessionID, goalType, in.ParentGoalID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("upsert goal: row vanished after insert")
	}
	return stored, stored.ID == id, nil
}

func (s *GoalStore) findActiveByKey(userID, sessionID, goalType, parentID string) (*Goal, error) {
	row := s.q.QueryRow(`
		SELECT `+goalColumns+`
		FROM goals
		WHERE user_id = ? AND session_id = ? AND goal_type = ?
			AND COALESCE(parent_goal_id, '') = ?
			AND status = 'active' AND source = 'agenda_planner'
		ORDER BY updated_at DESC LIMIT 1
	`, userID, sessionID, goalType, parentID)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active goal: %w", err)
	}
	return g, nil
}

// GetGoal returns a goal by id, or nil if not found.
func (s *GoalStore) GetGoal(id string) (*Goal, error) {
	row := s.q.QueryRow(`SELECT `+goalColumns+` FROM goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get goal: %w", err)
	}
	return g, nil
}

// LoadActiveGoals returns the session's active planner-owned goals,
// ordered by (priority desc, updated_at desc).
func (s *GoalStore) LoadActiveGoals(userID, sessionID string, limit int) ([]Goal, error) {
	rows, err := s.q.Query(`
		SELECT `+goalColumns+`
		FROM goals
		WHERE user_id = ? AND session_id = ? AND status = 'active' AND source = 'agenda_planner'
		ORDER BY priority DESC, updated_at DESC
		LIMIT ?
	`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load active goals: %w", err)
	}
	defer rows.Close()
	return scanGoals(rows)
}

// CompleteGoalsByType transitions active planner-owned goals of the
// given types to status. Returns affected ids; empty when none matched.
func (s *GoalStore) CompleteGoalsByType(userID, sessionID string, types []string, status string, now int64) ([]string, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := []any{userID, sessionID}
	for _, t := range types {
		args = append(args, t)
	}

	ids, err := s.collectIDs(`
		SELECT id FROM goals
		WHERE user_id = ? AND session_id = ? AND status = 'active' AND source = 'agenda_planner'
			AND goal_type IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	return ids, s.setStatus(ids, status, now)
}

// CompleteGoalByID transitions a single goal to status, only if it is
// still active and planner-owned. Returns the id when it matched.
func (s *GoalStore) CompleteGoalByID(id, status string, now int64) ([]string, error) {
	ids, err := s.collectIDs(`
		SELECT id FROM goals
		WHERE id = ? AND status = 'active' AND source = 'agenda_planner'
	`, id)
	if err != nil {
		return nil, err
	}
	return ids, s.setStatus(ids, status, now)
}

// CompleteAllActiveGoals transitions every active planner-owned goal in
// the session to status. Returns affected ids.
func (s *GoalStore) CompleteAllActiveGoals(userID, sessionID, status string, now int64) ([]string, error) {
	ids, err := s.collectIDs(`
		SELECT id FROM goals
		WHERE user_id = ? AND session_id = ? AND status = 'active' AND source = 'agenda_planner'
	`, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return ids, s.setStatus(ids, status, now)
}

// MostRecentActiveGoal returns the most recently updated active
// planner-owned goal for the session, or nil.
func (s *GoalStore) MostRecentActiveGoal(userID, sessionID string) (*Goal, error) {
	row := s.q.QueryRow(`
		SELECT `+goalColumns+`
		FROM goals
		WHERE user_id = ? AND session_id = ? AND status = 'active' AND source = 'agenda_planner'
		ORDER BY updated_at DESC LIMIT 1
	`, userID, sessionID)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("most recent active goal: %w", err)
	}
	return g, nil
}

// TrimExcessGoals completes every active planner-owned goal ranked
// below keepTopN by (priority desc, updated_at desc). Returns the
// trimmed ids.
func (s *GoalStore) TrimExcessGoals(userID, sessionID string, keepTopN int, now int64) ([]string, error) {
	ids, err := s.collectIDs(`
		SELECT id FROM goals
		WHERE user_id = ? AND session_id = ? AND status = 'active' AND source = 'agenda_planner'
		ORDER BY priority DESC, updated_at DESC
		LIMIT -1 OFFSET ?
	`, userID, sessionID, keepTopN)
	if err != nil {
		return nil, err
	}
	return ids, s.setStatus(ids, StatusCompleted, now)
}

// AbandonStaleGoals abandons the session's active planner-owned goals
// untouched since staleBefore. Returns affected ids.
func (s *GoalStore) AbandonStaleGoals(userID, sessionID string, staleBefore, now int64) ([]string, error) {
	ids, err := s.collectIDs(`
		SELECT id FROM goals
		WHERE user_id = ? AND session_id = ? AND status = 'active' AND source = 'agenda_planner'
			AND updated_at < ?
	`, userID, sessionID, staleBefore)
	if err != nil {
		return nil, err
	}
	return ids, s.setStatus(ids, StatusAbandoned, now)
}

// AbandonStaleGoalsAll abandons stale active planner-owned goals across
// every session. Used by the background sweeper; per-session staleness
// is otherwise handled inside evaluate.
func (s *GoalStore) AbandonStaleGoalsAll(staleBefore, now int64) ([]GoalRef, error) {
	rows, err := s.q.Query(`
		SELECT id, user_id, session_id FROM goals
		WHERE status = 'active' AND source = 'agenda_planner' AND updated_at < ?
	`, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("find stale goals: %w", err)
	}
	defer rows.Close()

	var refs []GoalRef
	var ids []string
	for rows.Next() {
		var r GoalRef
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID); err != nil {
			return nil, fmt.Errorf("scan stale goal: %w", err)
		}
		refs = append(refs, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, s.setStatus(ids, StatusAbandoned, now)
}

// ClearParent nulls the parent pointer on all children of a goal.
// Hierarchy is display-only: children's status is never cascaded.
func (s *GoalStore) ClearParent(parentID string) error {
	_, err := s.q.Exec(`UPDATE goals SET parent_goal_id = NULL WHERE parent_goal_id = ?`, parentID)
	if err != nil {
		return fmt.Errorf("clear parent %s: %w", parentID, err)
	}
	return nil
}

// SeedInput describes a goal inserted on behalf of an external producer.
type SeedInput struct {
	UserID       string
	SessionID    string
	GoalText     string
	GoalType     string
	Priority     int
	Source       string
	Context      map[string]any
	NextAction   string
	Deadline     *int64
	ParentGoalID string
	Now          int64
}

// SeedGoal inserts an active goal owned by an external producer
// (funnel, task orchestrator, manual) and journals a seeded event.
// The planner's policy rules never mutate these goals.
func (s *GoalStore) SeedGoal(in SeedInput) (*Goal, error) {
	source := in.Source
	if !validSources[source] || source == SourcePlanner {
		source = SourceManual
	}
	goalType := in.GoalType
	if !validGoalTypes[goalType] {
		goalType = TypeGeneral
	}
	ctxJSON, err := marshalContext(in.Context)
	if err != nil {
		return nil, err
	}

	g := &Goal{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		SessionID:    in.SessionID,
		GoalText:     strings.TrimSpace(in.GoalText),
		Status:       StatusActive,
		GoalType:     goalType,
		Priority:     ClampPriority(in.Priority),
		Context:      in.Context,
		NextAction:   in.NextAction,
		Deadline:     in.Deadline,
		ParentGoalID: in.ParentGoalID,
		Source:       source,
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
	}

	_, err = s.q.Exec(`
		INSERT INTO goals (id, user_id, session_id, goal_text, status, goal_type, priority,
			context, next_action, deadline, parent_goal_id, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?)
	`, g.ID, g.UserID, g.SessionID, g.GoalText, g.GoalType, g.Priority,
		ctxJSON, g.NextAction, g.Deadline, g.ParentGoalID, g.Source, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("seed goal: %w", err)
	}

	if err := s.AppendJournal(in.UserID, in.SessionID, &g.ID, EventSeeded, map[string]any{
		"goal_type": g.GoalType,
		"source":    g.Source,
	}, in.Now); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *GoalStore) collectIDs(query string, args ...any) ([]string, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select goal ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan goal id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *GoalStore) setStatus(ids []string, status string, now int64) error {
	for _, id := range ids {
		if _, err := s.q.Exec(`UPDATE goals SET status = ?, updated_at = ? WHERE id = ?`, status, now, id); err != nil {
			return fmt.Errorf("set goal %s %s: %w", id, status, err)
		}
	}
	return nil
}

func marshalContext(ctx map[string]any) (any, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal goal context: %w", err)
	}
	return string(data), nil
}

// mergeContext shallow-merges next over prev: new keys override, old
// keys absent from next are preserved.
func mergeContext(prev, next map[string]any) map[string]any {
	if len(next) == 0 {
		return prev
	}
	merged := make(map[string]any, len(prev)+len(next))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanGoal reads one goal row, normalizing malformed persisted values
// instead of failing: unknown type/source fall back to general/
// classifier, priority is clamped, NULL timestamps become epoch.
func scanGoal(row rowScanner) (*Goal, error) {
	var g Goal
	var ctxJSON, nextAction, parentID sql.NullString
	var deadline, createdAt, updatedAt sql.NullInt64
	err := row.Scan(&g.ID, &g.UserID, &g.SessionID, &g.GoalText, &g.Status, &g.GoalType, &g.Priority,
		&ctxJSON, &nextAction, &deadline, &parentID, &g.Source, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if !validGoalTypes[g.GoalType] {
		g.GoalType = TypeGeneral
	}
	if !validSources[g.Source] {
		g.Source = SourceClassifier
	}
	g.Priority = ClampPriority(g.Priority)
	g.NextAction = nextAction.String
	g.ParentGoalID = parentID.String
	g.CreatedAt = createdAt.Int64
	g.UpdatedAt = updatedAt.Int64
	if deadline.Valid {
		g.Deadline = &deadline.Int64
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		// Unparsable context degrades to empty, never an error.
		var m map[string]any
		if err := json.Unmarshal([]byte(ctxJSON.String), &m); err == nil {
			g.Context = m
		}
	}
	return &g, nil
}

func scanGoals(rows *sql.Rows) ([]Goal, error) {
	var goals []Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		goals = append(goals, *g)
	}
	return goals, rows.Err()
}
