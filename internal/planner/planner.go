package planner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/convokit/agendad/internal/cache"
	"github.com/convokit/agendad/internal/config"
	"github.com/convokit/agendad/internal/lock"
	"github.com/convokit/agendad/internal/store"
)

// Goal-type priority baselines and pulse deltas are product-tuning
// constants. Preserve the exact values unless product changes them.
const (
	onboardingPriority = 9
	upsellPriority     = 9
	priceWatchBase     = 7
	recommendationBase = 6
	generalBase        = 5
)

// Planner maintains the per-session goal stack: it mutates the stack in
// response to each inbound message and serves the bounded agenda used
// for prompt construction.
type Planner struct {
	db     *store.DB
	locks  *lock.Coordinator
	stacks *cache.StackCache
	cfg    config.PlannerConfig
	stopCh chan struct{}
}

// New creates a Planner over the given database.
func New(db *store.DB, cfg config.PlannerConfig) *Planner {
	return &Planner{
		db:     db,
		locks:  lock.New(db),
		stacks: cache.New(time.Duration(cfg.CacheTTLMs)*time.Millisecond, nil),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// EvalContext is one turn's input: the inbound message plus the
// external signals supplied by the classifier, pulse scorer, and
// profile store.
type EvalContext struct {
	UserID            string    `json:"user_id"`
	SessionID         string    `json:"session_id"`
	Message           string    `json:"message"`
	Now               time.Time `json:"-"`
	DisplayName       string    `json:"display_name,omitempty"`
	HomeLocation      string    `json:"home_location,omitempty"`
	PulseState        string    `json:"pulse_state,omitempty"`
	ClassifierGoal    string    `json:"classifier_goal,omitempty"`
	MessageComplexity string    `json:"message_complexity,omitempty"`
	ActiveToolName    string    `json:"active_tool_name,omitempty"`
	HasToolResult     bool      `json:"has_tool_result,omitempty"`
}

// EvalResult reports what one evaluate turn did. Id lists are
// de-duplicated; Stack is the freshly re-read top-N after all
// mutations.
type EvalResult struct {
	Stack            []store.Goal `json:"stack"`
	CreatedGoalIDs   []string     `json:"created_goal_ids"`
	PromotedGoalIDs  []string     `json:"promoted_goal_ids"`
	CompletedGoalIDs []string     `json:"completed_goal_ids"`
	AbandonedGoalIDs []string     `json:"abandoned_goal_ids"`
	Actions          []string     `json:"actions"`
}

// turn accumulates one evaluate call's mutations before they are
// folded into the EvalResult.
type turn struct {
	created   []string
	promoted  []string
	completed []string
	abandoned []string
	actions   []string
}

func (t *turn) act(tag string) { t.actions = append(t.actions, tag) }

// Evaluate runs the rule sequence for one inbound message inside the
// session lock. Any failure rolls back the whole transaction; no
// partial mutation is ever visible. Re-running with an unchanged
// context promotes existing goals instead of duplicating them.
func (p *Planner) Evaluate(ctx context.Context, ec EvalContext) (*EvalResult, error) {
	if ec.UserID == "" || ec.SessionID == "" {
		return nil, fmt.Errorf("evaluate: user_id and session_id required")
	}
	now := ec.Now
	if now.IsZero() {
		now = time.Now()
	}
	nowMs := now.UnixMilli()

	var t turn
	var stack []store.Goal

	err := p.locks.WithSessionLock(ctx, ec.UserID, ec.SessionID, func(gs *store.GoalStore) error {
		if err := p.runRules(gs, ec, nowMs, &t); err != nil {
			return err
		}

		// Snapshot: one session-level journal row recording the turn.
		if err := gs.AppendJournal(ec.UserID, ec.SessionID, nil, store.EventSnapshot, map[string]any{
			"actions":     t.actions,
			"pulse_state": ec.PulseState,
		}, nowMs); err != nil {
			return err
		}

		var err error
		stack, err = gs.LoadActiveGoals(ec.UserID, ec.SessionID, p.cfg.StackLimit)
		return err
	})
	if err != nil {
		return nil, err
	}

	// The writer's own process always re-reads fresh.
	p.stacks.Invalidate(ec.UserID, ec.SessionID)

	return &EvalResult{
		Stack:            stack,
		CreatedGoalIDs:   dedupe(t.created),
		PromotedGoalIDs:  dedupe(t.promoted),
		CompletedGoalIDs: dedupe(t.completed),
		AbandonedGoalIDs: dedupe(t.abandoned),
		Actions:          t.actions,
	}, nil
}

func (p *Planner) runRules(gs *store.GoalStore, ec EvalContext, nowMs int64, t *turn) error {
	// 1. Stale sweep: goals idle beyond the staleness window are
	// abandoned before any other rule sees the stack.
	staleBefore := nowMs - int64(p.cfg.StaleGoalHours)*int64(time.Hour/time.Millisecond)
	staleIDs, err := gs.AbandonStaleGoals(ec.UserID, ec.SessionID, staleBefore, nowMs)
	if err != nil {
		return err
	}
	for _, id := range staleIDs {
		id := id
		if err := gs.AppendJournal(ec.UserID, ec.SessionID, &id, store.EventAbandoned, map[string]any{
			"reason": "stale",
		}, nowMs); err != nil {
			return err
		}
	}
	if len(staleIDs) > 0 {
		t.abandoned = append(t.abandoned, staleIDs...)
		t.act("abandoned_stale")
	}

	// 2. Onboarding gate.
	if ec.DisplayName == "" || ec.HomeLocation == "" {
		missing := []string{}
		if ec.DisplayName == "" {
			missing = append(missing, "display_name")
		}
		if ec.HomeLocation == "" {
			missing = append(missing, "home_location")
		}
		goal, created, err := gs.UpsertGoal(store.UpsertInput{
			UserID:    ec.UserID,
			SessionID: ec.SessionID,
			GoalText:  "Collect missing profile basics (name, home location)",
			GoalType:  store.TypeOnboarding,
			Priority:  onboardingPriority,
			Context:   map[string]any{"missing": missing},
			Now:       nowMs,
		})
		if err != nil {
			return err
		}
		if err := p.journalUpsert(gs, ec, goal, created, "onboarding", nowMs, t); err != nil {
			return err
		}
	} else {
		doneIDs, err := gs.CompleteGoalsByType(ec.UserID, ec.SessionID, []string{store.TypeOnboarding}, store.StatusCompleted, nowMs)
		if err != nil {
			return err
		}
		for _, id := range doneIDs {
			id := id
			if err := gs.AppendJournal(ec.UserID, ec.SessionID, &id, store.EventCompleted, map[string]any{
				"reason": "profile_complete",
			}, nowMs); err != nil {
				return err
			}
		}
		if len(doneIDs) > 0 {
			t.completed = append(t.completed, doneIDs...)
			t.act("completed_onboarding")
		}
	}

	// 3. Cancellation branch. When it fires, the intent rules below are
	// skipped for this turn.
	switch detectCancellation(ec.Message) {
	case cancelAll:
		ids, err := gs.CompleteAllActiveGoals(ec.UserID, ec.SessionID, store.StatusAbandoned, nowMs)
		if err != nil {
			return err
		}
		for _, id := range ids {
			id := id
			if err := gs.AppendJournal(ec.UserID, ec.SessionID, &id, store.EventAbandoned, map[string]any{
				"reason": "user_cancelled_all",
			}, nowMs); err != nil {
				return err
			}
		}
		if len(ids) > 0 {
			t.abandoned = append(t.abandoned, ids...)
		}
		t.act("abandoned_all")
		return p.trim(gs, ec, nowMs, t)

	case cancelSingle:
		latest, err := gs.MostRecentActiveGoal(ec.UserID, ec.SessionID)
		if err != nil {
			return err
		}
		if latest != nil {
			ids, err := gs.CompleteGoalByID(latest.ID, store.StatusAbandoned, nowMs)
			if err != nil {
				return err
			}
			for _, id := range ids {
				id := id
				if err := gs.AppendJournal(ec.UserID, ec.SessionID, &id, store.EventAbandoned, map[string]any{
					"reason": "user_cancelled",
				}, nowMs); err != nil {
					return err
				}
			}
			t.abandoned = append(t.abandoned, ids...)
		}
		t.act("abandoned_latest")
		return p.trim(gs, ec, nowMs, t)
	}

	// 4. Intent rules.
	boost := pulseBoost(ec.PulseState)

	priceFired, topic := detectPriceIntent(ec.Message, ec.ActiveToolName, ec.HasToolResult)
	if priceFired {
		text := "Track and compare prices for the user's current request"
		if topic == "delivery platforms" {
			text = "Compare prices across delivery platforms for the user's current request"
		}
		parent, created, err := gs.UpsertGoal(store.UpsertInput{
			UserID:    ec.UserID,
			SessionID: ec.SessionID,
			GoalText:  text,
			GoalType:  store.TypePriceWatch,
			Priority:  priceWatchBase + boost,
			Context:   map[string]any{"topic": topic},
			Now:       nowMs,
		})
		if err != nil {
			return err
		}
		if err := p.journalUpsert(gs, ec, parent, created, "price_watch", nowMs, t); err != nil {
			return err
		}

		child, childCreated, err := gs.UpsertGoal(store.UpsertInput{
			UserID:       ec.UserID,
			SessionID:    ec.SessionID,
			GoalText:     "Recommend the best option once prices are in",
			GoalType:     store.TypeRecommendation,
			Priority:     recommendationBase + boost,
			ParentGoalID: parent.ID,
			Now:          nowMs,
		})
		if err != nil {
			return err
		}
		if err := p.journalUpsert(gs, ec, child, childCreated, "recommendation", nowMs, t); err != nil {
			return err
		}
	}

	if detectBookingIntent(ec.Message) {
		satisfied, err := gs.CompleteGoalsByType(ec.UserID, ec.SessionID,
			[]string{store.TypePriceWatch, store.TypeRecommendation}, store.StatusCompleted, nowMs)
		if err != nil {
			return err
		}
		for _, id := range satisfied {
			id := id
			if err := gs.AppendJournal(ec.UserID, ec.SessionID, &id, store.EventCompleted, map[string]any{
				"reason": "satisfied_by_booking",
			}, nowMs); err != nil {
				return err
			}
		}
		if len(satisfied) > 0 {
			t.completed = append(t.completed, satisfied...)
			t.act("completed_price_goals")
		}

		upsell, created, err := gs.UpsertGoal(store.UpsertInput{
			UserID:    ec.UserID,
			SessionID: ec.SessionID,
			GoalText:  "Offer a relevant add-on or upgrade after booking",
			GoalType:  store.TypeUpsell,
			Priority:  upsellPriority,
			Now:       nowMs,
		})
		if err != nil {
			return err
		}
		if err := p.journalUpsert(gs, ec, upsell, created, "upsell", nowMs, t); err != nil {
			return err
		}
	}

	// General fallback: only when price intent did not already claim
	// the turn.
	if !priceFired && complexEnough(ec.MessageComplexity) && len(ec.Message) > 12 {
		label := ec.ClassifierGoal
		if label == "" {
			label = "assist with the user's current request"
		}
		g := generalBase + boost
		if g < generalBase {
			g = generalBase // general goals never drop below baseline
		}
		goal, created, err := gs.UpsertGoal(store.UpsertInput{
			UserID:    ec.UserID,
			SessionID: ec.SessionID,
			GoalText:  label,
			GoalType:  store.TypeGeneral,
			Priority:  g,
			Context:   map[string]any{"classifier_goal": ec.ClassifierGoal},
			Now:       nowMs,
		})
		if err != nil {
			return err
		}
		if err := p.journalUpsert(gs, ec, goal, created, "general", nowMs, t); err != nil {
			return err
		}
	}

	return p.trim(gs, ec, nowMs, t)
}

// trim enforces the MaxActiveGoals cap; overflow goals are completed.
func (p *Planner) trim(gs *store.GoalStore, ec EvalContext, nowMs int64, t *turn) error {
	ids, err := gs.TrimExcessGoals(ec.UserID, ec.SessionID, p.cfg.MaxActiveGoals, nowMs)
	if err != nil {
		return err
	}
	for _, id := range ids {
		id := id
		if err := gs.AppendJournal(ec.UserID, ec.SessionID, &id, store.EventCompleted, map[string]any{
			"reason": "trimmed_low_priority",
		}, nowMs); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		t.completed = append(t.completed, ids...)
		t.act("trimmed")
	}
	return nil
}

// journalUpsert records an upsert outcome: a created row gets a
// created event, a refreshed row gets a promoted one.
func (p *Planner) journalUpsert(gs *store.GoalStore, ec EvalContext, goal *store.Goal, created bool, tag string, nowMs int64, t *turn) error {
	event := store.EventPromoted
	if created {
		event = store.EventCreated
		t.created = append(t.created, goal.ID)
		t.act("created_" + tag)
	} else {
		t.promoted = append(t.promoted, goal.ID)
		t.act("promoted_" + tag)
	}
	return gs.AppendJournal(ec.UserID, ec.SessionID, &goal.ID, event, map[string]any{
		"goal_type": goal.GoalType,
		"priority":  goal.Priority,
	}, nowMs)
}

// GetStack returns up to limit active goals for a session, serving
// from the cache when a fresh window exists. Lock-free; may trail a
// concurrent writer in another process by up to the cache TTL.
func (p *Planner) GetStack(userID, sessionID string, limit int) ([]store.Goal, error) {
	if limit <= 0 {
		limit = p.cfg.StackLimit
	}
	if limit > p.cfg.MaxActiveGoals {
		limit = p.cfg.MaxActiveGoals
	}

	if goals, ok := p.stacks.Get(userID, sessionID); ok {
		return sliceStack(goals, limit), nil
	}

	goals, err := p.db.Goals().LoadActiveGoals(userID, sessionID, p.cfg.MaxActiveGoals)
	if err != nil {
		return nil, fmt.Errorf("load stack: %w", err)
	}
	p.stacks.Put(userID, sessionID, goals)
	return sliceStack(goals, limit), nil
}

// FormatAgenda renders the session's current agenda block for prompt
// injection using the configured budget.
func (p *Planner) FormatAgenda(userID, sessionID string) (string, error) {
	goals, err := p.GetStack(userID, sessionID, p.cfg.MaxActiveGoals)
	if err != nil {
		return "", err
	}
	return FormatAgendaForPrompt(goals, FormatOptions{
		MaxGoals: p.cfg.MaxPromptGoals,
		MaxChars: p.cfg.MaxPromptChars,
	}), nil
}

// Invalidate drops the session's cached stack. Exposed for writers
// that mutate goals outside Evaluate (seeding).
func (p *Planner) Invalidate(userID, sessionID string) {
	p.stacks.Invalidate(userID, sessionID)
}

// StartSweepTimer abandons stale goals across all sessions on startup
// and then on the configured cadence. Failures are logged, never fatal.
func (p *Planner) StartSweepTimer() {
	p.sweep()

	go func() {
		ticker := time.NewTicker(time.Duration(p.cfg.SweepIntervalMinutes) * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the planner's background goroutines.
func (p *Planner) Stop() {
	close(p.stopCh)
}

func (p *Planner) sweep() {
	nowMs := time.Now().UnixMilli()
	staleBefore := nowMs - int64(p.cfg.StaleGoalHours)*int64(time.Hour/time.Millisecond)

	gs := p.db.Goals()
	refs, err := gs.AbandonStaleGoalsAll(staleBefore, nowMs)
	if err != nil {
		log.Printf("sweep error: %v", err)
		return
	}
	for _, r := range refs {
		r := r
		if err := gs.AppendJournal(r.UserID, r.SessionID, &r.ID, store.EventAbandoned, map[string]any{
			"reason": "stale_sweep",
		}, nowMs); err != nil {
			log.Printf("sweep journal: %v", err)
		}
		p.stacks.Invalidate(r.UserID, r.SessionID)
	}
	if len(refs) > 0 {
		log.Printf("sweep: abandoned %d stale goals", len(refs))
	}
}

func sliceStack(goals []store.Goal, limit int) []store.Goal {
	if len(goals) > limit {
		goals = goals[:limit]
	}
	out := make([]store.Goal, len(goals))
	copy(out, goals)
	return out
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
