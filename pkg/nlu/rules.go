package nlu

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/erichecan/AIrest/pkg/catalog"
	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/normalize"
)

// Rules is the bundled keyword ruleset. It understands the fixed command
// vocabulary of restaurant operators in English and Chinese.
type Rules struct{}

func NewRules() *Rules { return &Rules{} }

var (
	rePrice   = regexp.MustCompile(`(?:\$|¥|to\s+|为|成)\s*(\d+(?:\.\d{1,2})?)`)
	reNumber  = regexp.MustCompile(`\b(\d+(?:\.\d{1,2})?)\b`)
	reChange  = regexp.MustCompile(`\bchg_[0-9a-f-]+\b`)
	weekdays  = []string{"mon", "tue", "wed", "thu", "fri"}
	allDays   = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}
	weekends  = []string{"sat", "sun"}
	pauseWord = []string{"pause", "86", "sold out", "unavailable", "take off", "disable", "暂停", "下架", "售罄", "卖完"}
	resumeWrd = []string{"resume", "available", "back on", "enable", "恢复", "上架"}
)

func (r *Rules) Parse(_ context.Context, text string, c Context) (Candidate, error) {
	n := c.Normalized
	if n == nil {
		n = &normalize.Normalized{Text: text, Language: normalize.DetectLanguage(text, "")}
	}
	lower := strings.ToLower(text)
	zh := n.Language == normalize.LangChinese

	switch {
	case containsAny(text, "撤回", "回滚", "撤销") || containsAny(lower, "undo", "roll back", "rollback", "revert"):
		payload := contracts.UndoPayload{ChangeID: reChange.FindString(lower)}
		return candidate(contracts.IntentUndo, payload, 0.98), nil

	case isOrderQuery(text, lower):
		return r.orderQuery(text, lower, n), nil

	case containsAny(text, "转接", "转人工", "转给人工") || containsAny(lower, "transfer", "forward"):
		return r.routing(text, lower, n, c), nil

	case containsAny(text, "营业时间", "营业") || containsAny(lower, "business hours", "opening hours", "hours"):
		return r.hours(text, lower, n, c), nil

	case containsAny(text, "价格", "改价", "定价") || containsAny(lower, "price", "cost"):
		return r.price(text, n, zh, c), nil

	case containsAny(text, "推荐") || containsAny(lower, "recommend", "promote", "feature"):
		return r.recommend(text, lower, n, zh), nil

	case containsAny(text, pauseWord...) || containsAny(lower, pauseWord...) ||
		containsAny(text, resumeWrd...) || containsAny(lower, resumeWrd...):
		return r.availability(text, lower, n, zh), nil
	}

	return Candidate{
		IntentType: contracts.IntentUnknown,
		Payload:    json.RawMessage(`{}`),
		Confidence: 0.4,
		Errors:     []string{"command not recognized"},
	}, nil
}

func isOrderQuery(text, lower string) bool {
	if containsAny(text, "订单", "查单") || containsAny(lower, "order") {
		return true
	}
	asks := containsAny(text, "多少", "几个", "几通", "列出") || containsAny(lower, "how many", "count", "list", "show", "total")
	about := containsAny(text, "电话", "转人工", "来电") || containsAny(lower, "call", "transferred")
	return asks && about
}

func (r *Rules) orderQuery(text, lower string, n *normalize.Normalized) Candidate {
	q := contracts.OrderQueryPayload{Aggregation: contracts.AggregateList, Limit: 20}
	switch {
	case containsAny(text, "多少", "几") || containsAny(lower, "how many", "count"):
		q.Aggregation = contracts.AggregateCount
	case containsAny(text, "总额", "营业额", "总共") || containsAny(lower, "total", "sum", "revenue"):
		q.Aggregation = contracts.AggregateSum
	}
	switch {
	case containsAny(text, "没确认", "未确认") || containsAny(lower, "pending", "unconfirmed"):
		q.Filters.Status = "pending"
	case containsAny(text, "已确认") || containsAny(lower, "confirmed"):
		q.Filters.Status = "confirmed"
	}
	if containsAny(text, "转人工", "转接") || containsAny(lower, "transferred", "transfer") {
		t := true
		q.Filters.HasTransfer = &t
	}
	if n.Time.Day != nil {
		q.Filters.From = n.Time.Day.StartAt
		q.Filters.To = n.Time.Day.EndAt
	}
	return candidate(contracts.IntentOrderQuery, q, 0.9)
}

func (r *Rules) routing(text, lower string, n *normalize.Normalized, c Context) Candidate {
	wantsHuman := containsAny(text, "转人工", "人工") || containsAny(lower, "human", "staff", "person")
	removing := containsAny(text, "删除", "取消", "停止") || containsAny(lower, "stop", "remove", "delete", "cancel")

	trigger := "always"
	conditions := map[string]any{}
	switch {
	case n.Time.AfterTime != "":
		trigger = "after_time"
		conditions["after_time"] = n.Time.AfterTime
	case containsAny(text, "占线", "忙") || containsAny(lower, "busy"):
		trigger = "busy_line"
	case containsAny(text, "下班", "打烊后") || containsAny(lower, "after hours", "closed"):
		trigger = "after_hours"
	}
	if n.Time.RangeStart != "" && trigger == "always" {
		trigger = "time_range"
		conditions["from"] = n.Time.RangeStart
		conditions["to"] = n.Time.RangeEnd
	}

	if removing {
		p := map[string]any{}
		if trigger != "always" || containsAny(lower, "always") {
			p["rule_id"] = trigger
		}
		return candidate(contracts.IntentTransferRuleDelete, p, 0.9)
	}

	if len(n.Phones) == 0 && wantsHuman {
		yes := true
		return candidate(contracts.IntentHandoffPolicySet, contracts.HandoffPolicyPayload{UserRequestsHuman: &yes}, 0.9)
	}

	p := map[string]any{
		"trigger":  trigger,
		"priority": 100,
	}
	if len(n.Phones) > 0 {
		p["phone_number"] = n.Phones[0]
	}
	if len(conditions) > 0 {
		p["conditions"] = conditions
	}
	if containsAny(lower, "all calls") || containsAny(text, "所有") {
		conditions["scope"] = "all_calls"
		p["conditions"] = conditions
	}
	conf := 0.94
	if len(n.Phones) == 0 {
		conf = 0.8
	}
	return candidate(contracts.IntentTransferRuleUpsert, p, conf)
}

func (r *Rules) hours(text, lower string, n *normalize.Normalized, c Context) Candidate {
	if n.Time.RangeStart == "" {
		cand := candidate(contracts.IntentBusinessHoursSet, map[string]any{}, 0.7)
		cand.Errors = []string{"could not parse business hour range"}
		return cand
	}
	days := allDays
	switch {
	case containsAny(text, "周末") || containsAny(lower, "weekend"):
		days = weekends
	case containsAny(text, "工作日") || containsAny(lower, "weekday"):
		days = weekdays
	}
	return candidate(contracts.IntentBusinessHoursSet, contracts.BusinessHoursPayload{
		Days:      days,
		OpenTime:  n.Time.RangeStart,
		CloseTime: n.Time.RangeEnd,
		Timezone:  c.Profile.Timezone,
	}, 0.92)
}

func (r *Rules) availability(text, lower string, n *normalize.Normalized, zh bool) Candidate {
	pausing := containsAny(text, pauseWord...) || containsAny(lower, pauseWord...)
	p := map[string]any{"available": !pausing}
	if pausing {
		p["reason"] = "sold_out"
	} else {
		p["reason"] = "manual_update"
	}
	if n.Time.Window != nil && n.Time.Window.EndAt != nil {
		p["effective_until"] = n.Time.Window.EndAt
	}

	conf, ref, cands, mention := itemConfidence(n.Items, zh)
	if ref != nil {
		p["item_ref"] = ref
	}
	cand := candidate(contracts.IntentItemAvailabilitySet, p, conf)
	cand.ItemCandidates = cands
	cand.Mention = mention
	if ref == nil && len(cands) == 0 {
		cand.Errors = []string{"no menu item matched"}
	}
	return cand
}

func (r *Rules) price(text string, n *normalize.Normalized, zh bool, c Context) Candidate {
	conf, ref, cands, mention := itemConfidence(n.Items, zh)
	p := map[string]any{}
	if ref != nil {
		p["item_ref"] = ref
	}
	price, ok := extractPrice(text)
	if ok {
		p["new_price"] = price
		p["currency"] = c.Profile.Currency
	}
	var errs []string
	switch {
	case ref == nil && len(cands) == 0:
		errs = append(errs, "no menu item matched for price update")
		conf = 0.65
	case !ok:
		errs = append(errs, "no price value found")
		conf = 0.65
	default:
		if conf > 0.93 {
			conf = 0.93
		}
	}
	cand := candidate(contracts.IntentItemPriceSet, p, conf)
	cand.ItemCandidates = cands
	cand.Mention = mention
	cand.Errors = errs
	return cand
}

func (r *Rules) recommend(text, lower string, n *normalize.Normalized, zh bool) Candidate {
	weight := "high"
	if containsAny(text, "不推荐", "少推荐") || containsAny(lower, "less", "lower", "stop recommending", "don't recommend") {
		weight = "low"
	}
	_, ref, cands, mention := itemConfidence(n.Items, zh)
	p := map[string]any{"weight": weight}
	if ref != nil {
		p["item_ref"] = ref
	}
	cand := candidate(contracts.IntentItemWeightSet, p, 0.88)
	cand.ItemCandidates = cands
	cand.Mention = mention
	if ref == nil && len(cands) == 0 {
		cand.Errors = []string{"no menu item matched"}
	}
	return cand
}

// itemConfidence maps a catalog resolution onto parser confidence: a strong
// unique match is safe to auto-apply, a weak unique match is not.
func itemConfidence(res catalog.Result, zh bool) (float64, *contracts.ItemRef, []contracts.Candidate, string) {
	if res.Best != nil {
		item := res.Best.Item
		ref := &contracts.ItemRef{ID: item.ID, Name: item.Name}
		if zh && item.NameZH != "" {
			ref.Name = item.NameZH
		}
		conf := 0.8
		if res.Best.Matched >= 2 || res.Best.Coverage >= 0.5 {
			conf = 0.92
		}
		return conf, ref, nil, res.Best.Mention
	}
	if len(res.Candidates) > 1 {
		cands := make([]contracts.Candidate, 0, len(res.Candidates))
		for _, m := range res.Candidates {
			label := m.Item.Name
			if zh && m.Item.NameZH != "" {
				label = m.Item.NameZH
			}
			cands = append(cands, contracts.Candidate{ID: m.Item.ID, Label: label, Score: m.Coverage})
		}
		return 0.85, nil, cands, res.Candidates[0].Mention
	}
	return 0.6, nil, nil, ""
}

func extractPrice(text string) (float64, bool) {
	m := rePrice.FindStringSubmatch(text)
	if m == nil {
		m = reNumber.FindStringSubmatch(text)
	}
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func candidate(t contracts.IntentType, payload any, conf float64) Candidate {
	return Candidate{
		IntentType: t,
		Payload:    contracts.MustPayload(payload),
		Confidence: conf,
		DSLVersion: contracts.CurrentDSLVersion,
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
