package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convokit/agendad/internal/config"
	"github.com/convokit/agendad/internal/store"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func newTestPlanner(t *testing.T) (*Planner, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, config.Default().Planner), db
}

// baseCtx is a turn with a complete profile and neutral pulse.
func baseCtx(msg string) EvalContext {
	return EvalContext{
		UserID:       "u1",
		SessionID:    "s1",
		Message:      msg,
		Now:          t0,
		DisplayName:  "Asha",
		HomeLocation: "Bengaluru",
		PulseState:   PulseCurious,
	}
}

func TestOnboardingIdempotent(t *testing.T) {
	p, _ := newTestPlanner(t)

	ec := baseCtx("hi there")
	ec.DisplayName = ""
	ec.HomeLocation = ""

	first, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, first.CreatedGoalIDs, 1)
	assert.Contains(t, first.Actions, "created_onboarding")

	ec.Now = t0.Add(time.Minute)
	second, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Empty(t, second.CreatedGoalIDs)
	require.Len(t, second.PromotedGoalIDs, 1)
	assert.Equal(t, first.CreatedGoalIDs[0], second.PromotedGoalIDs[0])

	// Exactly one onboarding goal exists.
	stack, err := p.GetStack("u1", "s1", 6)
	require.NoError(t, err)
	require.Len(t, stack, 1)
	assert.Equal(t, store.TypeOnboarding, stack[0].GoalType)
	assert.Equal(t, 9, stack[0].Priority)
}

func TestOnboardingCompletesWhenProfileFilled(t *testing.T) {
	p, _ := newTestPlanner(t)

	ec := baseCtx("hi")
	ec.DisplayName = ""
	first, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, first.CreatedGoalIDs, 1)

	ec = baseCtx("thanks")
	ec.Now = t0.Add(time.Minute)
	second, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Contains(t, second.Actions, "completed_onboarding")
	assert.Equal(t, first.CreatedGoalIDs, second.CompletedGoalIDs)
	assert.Empty(t, second.Stack)
}

func TestPriceIntentCreatesParentAndChild(t *testing.T) {
	p, _ := newTestPlanner(t)

	res, err := p.Evaluate(context.Background(), baseCtx("compare biryani deals on swiggy and zomato"))
	require.NoError(t, err)
	require.Len(t, res.CreatedGoalIDs, 2)
	assert.Contains(t, res.Actions, "created_price_watch")
	assert.Contains(t, res.Actions, "created_recommendation")

	var parent, child *store.Goal
	for i := range res.Stack {
		switch res.Stack[i].GoalType {
		case store.TypePriceWatch:
			parent = &res.Stack[i]
		case store.TypeRecommendation:
			child = &res.Stack[i]
		}
	}
	require.NotNil(t, parent)
	require.NotNil(t, child)
	assert.Equal(t, parent.ID, child.ParentGoalID)
	// CURIOUS pulse: no boost
	assert.Equal(t, 7, parent.Priority)
	assert.Equal(t, 6, child.Priority)
}

func TestPriceIntentRepromotes(t *testing.T) {
	p, _ := newTestPlanner(t)

	msg := "any swiggy deals today?"
	first, err := p.Evaluate(context.Background(), baseCtx(msg))
	require.NoError(t, err)
	require.Len(t, first.CreatedGoalIDs, 2)

	ec := baseCtx(msg)
	ec.Now = t0.Add(time.Minute)
	second, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Empty(t, second.CreatedGoalIDs)
	assert.Contains(t, second.Actions, "promoted_price_watch")
	assert.Len(t, second.PromotedGoalIDs, 2)
}

func TestBookingConvertsPriceGoals(t *testing.T) {
	p, db := newTestPlanner(t)

	setup, err := p.Evaluate(context.Background(), baseCtx("compare biryani prices on zomato"))
	require.NoError(t, err)
	require.Len(t, setup.CreatedGoalIDs, 2)

	ec := baseCtx("go ahead and book it")
	ec.Now = t0.Add(time.Minute)
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	assert.ElementsMatch(t, setup.CreatedGoalIDs, res.CompletedGoalIDs)
	assert.Contains(t, res.Actions, "completed_price_goals")
	assert.Contains(t, res.Actions, "created_upsell")

	// Both price goals terminal, exactly one upsell active.
	for _, id := range setup.CreatedGoalIDs {
		g, err := db.Goals().GetGoal(id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, g.Status)
	}
	require.Len(t, res.Stack, 1)
	assert.Equal(t, store.TypeUpsell, res.Stack[0].GoalType)
	assert.Equal(t, 9, res.Stack[0].Priority)
}

func TestCancelEverything(t *testing.T) {
	p, _ := newTestPlanner(t)

	setup, err := p.Evaluate(context.Background(), baseCtx("compare biryani prices on zomato"))
	require.NoError(t, err)
	active := len(setup.CreatedGoalIDs)
	require.Equal(t, 2, active)

	ec := baseCtx("cancel everything")
	ec.Now = t0.Add(time.Minute)
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	assert.Empty(t, res.CreatedGoalIDs)
	assert.Len(t, res.AbandonedGoalIDs, active)
	assert.Contains(t, res.Actions, "abandoned_all")
	assert.Empty(t, res.Stack)
}

func TestCancelSingleAbandonsMostRecent(t *testing.T) {
	p, _ := newTestPlanner(t)

	_, err := p.Evaluate(context.Background(), baseCtx("compare prices on swiggy"))
	require.NoError(t, err)

	// A later, unrelated goal becomes the most recently updated.
	ec := baseCtx("help me plan a birthday dinner for my parents")
	ec.Now = t0.Add(time.Minute)
	ec.MessageComplexity = "moderate"
	ec.ClassifierGoal = "plan a birthday dinner"
	later, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, later.CreatedGoalIDs, 1)
	generalID := later.CreatedGoalIDs[0]

	ec = baseCtx("cancel it")
	ec.Now = t0.Add(2 * time.Minute)
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	require.Len(t, res.AbandonedGoalIDs, 1)
	assert.Equal(t, generalID, res.AbandonedGoalIDs[0])
	assert.Contains(t, res.Actions, "abandoned_latest")

	// Price goals remain active.
	assert.Len(t, res.Stack, 2)
}

func TestStaleGoalsAbandonedOnNextEvaluate(t *testing.T) {
	p, _ := newTestPlanner(t)

	setup, err := p.Evaluate(context.Background(), baseCtx("compare prices on swiggy"))
	require.NoError(t, err)
	require.Len(t, setup.CreatedGoalIDs, 2)

	ec := baseCtx("hello")
	ec.Now = t0.Add(73 * time.Hour)
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	assert.ElementsMatch(t, setup.CreatedGoalIDs, res.AbandonedGoalIDs)
	assert.Contains(t, res.Actions, "abandoned_stale")
	assert.Empty(t, res.Stack)
}

func TestStaleSweepLeavesFreshGoals(t *testing.T) {
	p, _ := newTestPlanner(t)

	old, err := p.Evaluate(context.Background(), baseCtx("compare prices on swiggy"))
	require.NoError(t, err)

	ec := baseCtx("help me plan a long weekend trip to the coast")
	ec.Now = t0.Add(72*time.Hour - time.Minute)
	ec.MessageComplexity = "complex"
	ec.ClassifierGoal = "plan a trip"
	fresh, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, fresh.CreatedGoalIDs, 1)

	ec = baseCtx("hello")
	ec.Now = t0.Add(73 * time.Hour)
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	assert.ElementsMatch(t, old.CreatedGoalIDs, res.AbandonedGoalIDs)
	require.Len(t, res.Stack, 1)
	assert.Equal(t, fresh.CreatedGoalIDs[0], res.Stack[0].ID)
}

func TestClassifierGoalsNeverMutated(t *testing.T) {
	p, db := newTestPlanner(t)

	seeded, err := db.Goals().SeedGoal(store.SeedInput{
		UserID: "u1", SessionID: "s1",
		GoalText: "classifier-owned objective", GoalType: store.TypeGeneral,
		Priority: 8, Source: store.SourceClassifier, Now: t0.UnixMilli(),
	})
	require.NoError(t, err)

	ec := baseCtx("cancel everything")
	ec.Now = t0.Add(time.Minute)
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Empty(t, res.AbandonedGoalIDs)

	// Still active after a stale-window evaluate too.
	ec = baseCtx("hello")
	ec.Now = t0.Add(100 * time.Hour)
	_, err = p.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	g, err := db.Goals().GetGoal(seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, g.Status)
	assert.Equal(t, store.SourceClassifier, g.Source)
}

func TestPulseBoostAdjustsPriority(t *testing.T) {
	p, _ := newTestPlanner(t)

	cases := []struct {
		pulse      string
		session    string
		wantParent int
		wantChild  int
	}{
		{PulseProactive, "sp", 9, 8},
		{PulseEngaged, "se", 8, 7},
		{PulseCurious, "sc", 7, 6},
		{PulsePassive, "sx", 6, 5},
		{"", "sn", 6, 5},
	}
	for _, c := range cases {
		ec := baseCtx("compare prices on swiggy")
		ec.SessionID = c.session
		ec.PulseState = c.pulse
		res, err := p.Evaluate(context.Background(), ec)
		require.NoError(t, err, c.pulse)

		byType := map[string]int{}
		for _, g := range res.Stack {
			byType[g.GoalType] = g.Priority
		}
		assert.Equal(t, c.wantParent, byType[store.TypePriceWatch], "pulse %q parent", c.pulse)
		assert.Equal(t, c.wantChild, byType[store.TypeRecommendation], "pulse %q child", c.pulse)
	}
}

func TestGeneralFallback(t *testing.T) {
	p, _ := newTestPlanner(t)

	ec := baseCtx("I need help organising my cousin's wedding events")
	ec.MessageComplexity = "moderate"
	ec.ClassifierGoal = "organise wedding events"
	ec.PulseState = PulseEngaged
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	require.Len(t, res.Stack, 1)
	g := res.Stack[0]
	assert.Equal(t, store.TypeGeneral, g.GoalType)
	assert.Equal(t, "organise wedding events", g.GoalText)
	assert.Equal(t, 6, g.Priority) // 5 + ENGAGED boost
}

func TestGeneralFallbackSkipsShortOrSimpleMessages(t *testing.T) {
	p, _ := newTestPlanner(t)

	// Simple complexity: no goal.
	ec := baseCtx("tell me something interesting about space")
	ec.MessageComplexity = "simple"
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Empty(t, res.CreatedGoalIDs)

	// Short message: no goal.
	ec = baseCtx("help me")
	ec.MessageComplexity = "complex"
	res, err = p.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Empty(t, res.CreatedGoalIDs)
}

func TestTrimEnforcedDuringEvaluate(t *testing.T) {
	p, db := newTestPlanner(t)

	// Pre-load six high-priority planner goals with distinct keys.
	gs := db.Goals()
	for i := 0; i < 6; i++ {
		_, _, err := gs.UpsertGoal(store.UpsertInput{
			UserID: "u1", SessionID: "s1",
			GoalText: "held objective", GoalType: store.TypeGeneral,
			Priority: 8, ParentGoalID: "anchor-" + string(rune('a'+i)),
			Now: t0.UnixMilli(),
		})
		require.NoError(t, err)
	}

	ec := baseCtx("compare prices on swiggy")
	ec.Now = t0.Add(time.Minute)
	res, err := p.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	assert.Contains(t, res.Actions, "trimmed")
	active, err := gs.LoadActiveGoals("u1", "s1", 20)
	require.NoError(t, err)
	assert.Len(t, active, 6)
}

func TestSnapshotJournaledLast(t *testing.T) {
	p, db := newTestPlanner(t)

	_, err := p.Evaluate(context.Background(), baseCtx("compare prices on swiggy"))
	require.NoError(t, err)

	entries, err := db.Goals().ListJournal("u1", "s1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// Newest first: the snapshot closes the turn.
	snap := entries[0]
	assert.Equal(t, store.EventSnapshot, snap.EventType)
	assert.Nil(t, snap.GoalID)
	actions, ok := snap.Payload["actions"].([]any)
	require.True(t, ok, "snapshot payload actions: %v", snap.Payload)
	assert.Contains(t, actions, "created_price_watch")

	// Typed rows for each mutation precede it.
	types := map[string]int{}
	for _, e := range entries[1:] {
		types[e.EventType]++
	}
	assert.Equal(t, 2, types[store.EventCreated])
}

func TestEvaluateRequiresIdentity(t *testing.T) {
	p, _ := newTestPlanner(t)

	_, err := p.Evaluate(context.Background(), EvalContext{Message: "hi"})
	assert.Error(t, err)
}

func TestGetStackCacheWindow(t *testing.T) {
	p, db := newTestPlanner(t)

	_, err := p.Evaluate(context.Background(), baseCtx("compare prices on swiggy"))
	require.NoError(t, err)

	stack, err := p.GetStack("u1", "s1", 6)
	require.NoError(t, err)
	require.Len(t, stack, 2)

	// A write that bypasses the planner is invisible until invalidation.
	_, err = db.Goals().CompleteAllActiveGoals("u1", "s1", store.StatusCompleted, t0.Add(time.Minute).UnixMilli())
	require.NoError(t, err)

	cached, err := p.GetStack("u1", "s1", 6)
	require.NoError(t, err)
	assert.Len(t, cached, 2, "cached window should serve until TTL or invalidation")

	p.Invalidate("u1", "s1")
	fresh, err := p.GetStack("u1", "s1", 6)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}
