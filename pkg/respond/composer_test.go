package respond

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichecan/AIrest/pkg/contracts"
)

type fixedTZ string

func (z fixedTZ) Timezone(string) string { return string(z) }

func newComposer(t *testing.T) *Composer {
	t.Helper()
	c, err := New(fixedTZ("America/Toronto"))
	require.NoError(t, err)
	return c
}

func availability(lang string) *contracts.IntentEnvelope {
	end := time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC)
	return &contracts.IntentEnvelope{
		IntentID: "int_1", TenantID: "t1", RestaurantID: "r1", Language: lang,
		IntentType: contracts.IntentItemAvailabilitySet, RiskLevel: contracts.RiskMedium, DSLVersion: contracts.CurrentDSLVersion,
		EffectiveWindow: &contracts.EffectiveWindow{EndAt: &end, Timezone: "America/Toronto"},
		Payload: contracts.MustPayload(contracts.AvailabilityPayload{
			ItemRef: contracts.ItemRef{ID: "congee_001", Name: "Lobster Super Bowl Congee"},
		}),
	}
}

func applied() *contracts.ConfigChange {
	return &contracts.ConfigChange{
		ChangeID: "chg_1", Kind: contracts.KindApply, Status: contracts.ChangeApplied,
		UndoToken: "undo_1", ResourceKey: "menu_item:congee_001",
	}
}

func TestCompose_AppliedEnglish(t *testing.T) {
	c := newComposer(t)
	resp := c.Compose(Outcome{Envelope: availability("en"), Status: contracts.StatusApplied, Change: applied()})

	assert.Equal(t, contracts.StatusApplied, resp.Status)
	assert.Equal(t, "chg_1", resp.ChangeID)
	assert.Equal(t, "undo_1", resp.UndoToken)
	assert.Equal(t, "Lobster Super Bowl Congee is now unavailable. Until Wed Mar 11 00:00.", resp.HumanSummary)
	assert.NotEmpty(t, resp.RiskWarning)
	assert.Equal(t, contracts.CurrentDSLVersion, resp.DSLVersion)
}

func TestCompose_AppliedChinese(t *testing.T) {
	c := newComposer(t)
	resp := c.Compose(Outcome{Envelope: availability("zh"), Status: contracts.StatusApplied, Change: applied()})

	assert.Equal(t, "菜品 Lobster Super Bowl Congee 已下架。有效期至 3月11日 00:00。", resp.HumanSummary)
	assert.Equal(t, "此变更将立即对顾客生效。", resp.RiskWarning)
}

func TestCompose_UndoTokenOnlyWhenApplied(t *testing.T) {
	c := newComposer(t)
	env := availability("en")

	dry := c.Compose(Outcome{Envelope: env, Status: contracts.StatusDryRun, Preview: &contracts.Preview{ResourceKey: "menu_item:congee_001"}})
	assert.Empty(t, dry.UndoToken)
	assert.Empty(t, dry.ChangeID)
	assert.Contains(t, dry.HumanSummary, "Preview: ")
	assert.NotNil(t, dry.Preview)

	undone := applied()
	undone.Status = contracts.ChangeUndone
	resp := c.Compose(Outcome{Envelope: env, Status: contracts.StatusApplied, Change: undone})
	assert.Empty(t, resp.UndoToken)

	comp := &contracts.ConfigChange{ChangeID: "chg_2", Kind: contracts.KindUndo, Status: contracts.ChangeApplied, ResourceKey: "menu_item:congee_001"}
	undoEnv := &contracts.IntentEnvelope{IntentID: "int_2", Language: "en", IntentType: contracts.IntentUndo, RiskLevel: contracts.RiskMedium}
	resp = c.Compose(Outcome{Envelope: undoEnv, Status: contracts.StatusApplied, Change: comp})
	assert.Empty(t, resp.UndoToken)
	assert.Equal(t, "chg_2", resp.ChangeID)
	assert.Equal(t, "Reverted menu_item:congee_001 to its previous state.", resp.HumanSummary)
}

func TestCompose_NeedsConfirmation(t *testing.T) {
	c := newComposer(t)
	start := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	expires := start.Add(15 * time.Minute)
	env := &contracts.IntentEnvelope{
		IntentID: "int_1", TenantID: "t1", Language: "en",
		IntentType: contracts.IntentTransferRuleUpsert, RiskLevel: contracts.RiskHigh,
		EffectiveWindow: &contracts.EffectiveWindow{StartAt: &start, EndAt: &end, Timezone: "America/Toronto"},
		Payload: contracts.MustPayload(contracts.TransferRulePayload{
			Trigger: "after_hours", PhoneNumber: "+14165550199", Priority: 1,
		}),
	}
	resp := c.Compose(Outcome{Envelope: env, Status: contracts.StatusNeedsConfirmation, ConfirmExpiresAt: &expires})

	assert.Equal(t, "Please confirm: Calls will transfer to +14165550199 when after_hours. From Tue Mar 10 22:00 until Wed Mar 11 06:00.", resp.HumanSummary)
	assert.Equal(t, "High-risk change: it affects live calls, hours or prices.", resp.RiskWarning)
	assert.Empty(t, resp.UndoToken)
	require.NotNil(t, resp.ConfirmExpiresAt)
}

func TestCompose_Clarifications(t *testing.T) {
	c := newComposer(t)

	entity := availability("en")
	entity.Ambiguity = &contracts.Ambiguity{
		Kind: contracts.AmbiguityEntity, Field: "item_ref", Mention: "congee",
		Candidates: []contracts.Candidate{
			{ID: "congee_001", Label: "Lobster Super Bowl Congee"},
			{ID: "congee_002", Label: "Chicken Congee"},
		},
	}
	resp := c.Compose(Outcome{Envelope: entity, Status: contracts.StatusClarificationNeeded})
	require.NotNil(t, resp.Clarification)
	assert.Equal(t, "Which one did you mean: 1) Lobster Super Bowl Congee 2) Chicken Congee?", resp.Clarification.Question)
	assert.Len(t, resp.Clarification.Options, 2)
	assert.Equal(t, resp.Clarification.Question, resp.HumanSummary)

	s1 := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)
	s2 := s1.Add(24 * time.Hour)
	temporal := availability("en")
	temporal.Ambiguity = &contracts.Ambiguity{
		Kind: contracts.AmbiguityTemporal, Field: "effective_window",
		Candidates: []contracts.Candidate{
			{ID: "1", Window: &contracts.EffectiveWindow{StartAt: &s1, Timezone: "America/Toronto"}},
			{ID: "2", Window: &contracts.EffectiveWindow{StartAt: &s2, Timezone: "America/Toronto"}},
		},
	}
	resp = c.Compose(Outcome{Envelope: temporal, Status: contracts.StatusClarificationNeeded})
	assert.Equal(t, "Which time did you mean: 1) From Tue Mar 10 22:00 2) From Wed Mar 11 22:00?", resp.Clarification.Question)

	invalid := &contracts.IntentEnvelope{
		Language: "en", IntentType: contracts.IntentTransferRuleUpsert,
		ValidationErrors: []string{"phone_number is required"},
	}
	resp = c.Compose(Outcome{Envelope: invalid, Status: contracts.StatusClarificationNeeded})
	assert.Equal(t, "Some details are missing: phone_number is required.", resp.Clarification.Question)
	assert.Equal(t, []string{"phone_number is required"}, resp.Errors)

	unknown := &contracts.IntentEnvelope{Language: "zh", IntentType: contracts.IntentUnknown, ValidationErrors: []string{"command not recognized"}}
	resp = c.Compose(Outcome{Envelope: unknown, Status: contracts.StatusClarificationNeeded})
	assert.Equal(t, "我不确定要修改什么，请换一种说法。", resp.Clarification.Question)
}

func TestCompose_Rejections(t *testing.T) {
	c := newComposer(t)
	env := availability("en")

	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("commit: %w", contracts.ErrStaleVersion), "The configuration changed while applying. Please try again."},
		{contracts.ErrAlreadyUndone, "That change was already undone."},
		{contracts.ErrConfirmationExpired, "That confirmation has expired. Please send the command again."},
		{contracts.ErrNotPending, "That request is no longer waiting for an answer."},
		{contracts.ErrNotFound, "There is nothing to undo."},
		{contracts.ErrDownstreamUnavailable, "The order system is unavailable right now."},
		{errors.New("boom"), "Execution failed."},
	}
	for _, tc := range cases {
		resp := c.Compose(Outcome{Envelope: env, Status: contracts.StatusRejected, Err: tc.err})
		assert.Equal(t, tc.want, resp.HumanSummary, tc.err.Error())
		assert.Equal(t, []string{tc.err.Error()}, resp.Errors)
		assert.Empty(t, resp.UndoToken)
	}

	resp := c.Compose(Outcome{Envelope: env, Status: contracts.StatusRejected, Cancelled: true})
	assert.Equal(t, "Cancelled. Nothing was changed.", resp.HumanSummary)
}

func TestCompose_OrderQuery(t *testing.T) {
	c := newComposer(t)
	env := &contracts.IntentEnvelope{Language: "en", IntentType: contracts.IntentOrderQuery, RiskLevel: contracts.RiskLow}

	resp := c.Compose(Outcome{Envelope: env, Status: contracts.StatusApplied, Query: &contracts.OrderQueryResult{Aggregation: contracts.AggregateCount, Count: 3}})
	assert.Equal(t, "3 orders match.", resp.HumanSummary)
	assert.Empty(t, resp.RiskWarning)
	assert.Equal(t, 3, resp.QueryResult.Count)

	resp = c.Compose(Outcome{Envelope: env, Status: contracts.StatusApplied, Query: &contracts.OrderQueryResult{Aggregation: contracts.AggregateSum, Count: 2, Sum: 45.5}})
	assert.Equal(t, "2 orders totalling 45.50.", resp.HumanSummary)

	env.Language = "zh"
	resp = c.Compose(Outcome{Envelope: env, Status: contracts.StatusApplied, Query: &contracts.OrderQueryResult{Aggregation: contracts.AggregateCount, Count: 3}})
	assert.Equal(t, "共有 3 个订单符合条件。", resp.HumanSummary)
}

func TestMatch(t *testing.T) {
	assert.Equal(t, "zh", Match("zh-CN").String())
	assert.Equal(t, "en", Match("en-CA").String())
	assert.Equal(t, "en", Match("fr").String())
	assert.Equal(t, "en", Match("not a tag").String())
}
