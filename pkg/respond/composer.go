// Package respond turns command outcomes into operator-facing replies in the
// operator's language.
package respond

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// TimezoneSource resolves the display timezone of a tenant.
type TimezoneSource interface {
	Timezone(tenantID string) string
}

// Outcome is everything the composer needs to describe one command result.
type Outcome struct {
	Envelope *contracts.IntentEnvelope
	Status   contracts.Status
	// Change is the applied change: the operator change for apply, the
	// compensating change for undo.
	Change           *contracts.ConfigChange
	Preview          *contracts.Preview
	Query            *contracts.OrderQueryResult
	ConfirmExpiresAt *time.Time
	// Err explains a rejection.
	Err error
	// Cancelled marks a withdrawn pending intent.
	Cancelled bool
}

// Composer renders Responses.
type Composer struct {
	cat catalog.Catalog
	tz  TimezoneSource
}

// New creates a composer over the embedded message catalog.
func New(tz TimezoneSource) (*Composer, error) {
	cat, err := loadCatalog(localeFS)
	if err != nil {
		return nil, err
	}
	return &Composer{cat: cat, tz: tz}, nil
}

// Compose builds the reply for o. The undo token is present only for an
// applied operator change.
func (c *Composer) Compose(o Outcome) contracts.Response {
	env := o.Envelope
	p := printer(c.cat, env.Language)
	loc := c.location(env.TenantID)

	resp := contracts.Response{
		IntentID:         env.IntentID,
		Status:           o.Status,
		IntentType:       env.IntentType,
		RiskLevel:        env.RiskLevel,
		DSLVersion:       env.DSLVersion,
		EffectiveWindow:  env.EffectiveWindow,
		Preview:          o.Preview,
		QueryResult:      o.Query,
		ConfirmExpiresAt: o.ConfirmExpiresAt,
	}
	if o.Change != nil {
		resp.ChangeID = o.Change.ChangeID
		if o.Change.EffectiveWindow != nil {
			resp.EffectiveWindow = o.Change.EffectiveWindow
		}
		if o.Status == contracts.StatusApplied && o.Change.Undoable() {
			resp.UndoToken = o.Change.UndoToken
		}
	}

	switch o.Status {
	case contracts.StatusClarificationNeeded:
		resp.Clarification = c.clarification(p, env, loc)
		resp.HumanSummary = resp.Clarification.Question
		resp.Errors = env.ValidationErrors
	case contracts.StatusRejected:
		resp.HumanSummary = c.rejection(p, o)
		if o.Err != nil {
			resp.Errors = []string{o.Err.Error()}
		} else {
			resp.Errors = env.ValidationErrors
		}
	default:
		summary := c.summary(p, env, o) + c.window(p, resp.EffectiveWindow, loc)
		switch o.Status {
		case contracts.StatusNeedsConfirmation:
			summary = p.Sprintf("status.needs_confirmation", summary)
		case contracts.StatusDryRun:
			summary = p.Sprintf("status.dry_run", summary)
		}
		resp.HumanSummary = summary
		resp.RiskWarning = riskWarning(p, env.RiskLevel)
	}
	return resp
}

func riskWarning(p *message.Printer, r contracts.RiskLevel) string {
	switch r {
	case contracts.RiskHigh:
		return p.Sprintf("risk.high")
	case contracts.RiskMedium:
		return p.Sprintf("risk.medium")
	}
	return ""
}

func (c *Composer) summary(p *message.Printer, env *contracts.IntentEnvelope, o Outcome) string {
	if o.Change != nil && o.Change.Kind != contracts.KindApply {
		if o.Change.Kind == contracts.KindExpiry {
			return p.Sprintf("summary.expired", o.Change.ResourceKey)
		}
		return p.Sprintf("summary.undo", o.Change.ResourceKey)
	}

	switch env.IntentType {
	case contracts.IntentTransferRuleUpsert:
		var pl contracts.TransferRulePayload
		if contracts.DecodePayload(env, &pl) == nil {
			return p.Sprintf("summary.transfer.upsert", pl.PhoneNumber, pl.Trigger)
		}
	case contracts.IntentTransferRuleDelete:
		var pl contracts.TransferRuleDeletePayload
		if contracts.DecodePayload(env, &pl) == nil {
			return p.Sprintf("summary.transfer.delete", pl.RuleID)
		}
	case contracts.IntentHandoffPolicySet:
		var pl contracts.HandoffPolicyPayload
		if contracts.DecodePayload(env, &pl) == nil && pl.DefaultNumber != "" {
			return p.Sprintf("summary.handoff.number", pl.DefaultNumber)
		}
		return p.Sprintf("summary.handoff")
	case contracts.IntentBusinessHoursSet:
		var pl contracts.BusinessHoursPayload
		if contracts.DecodePayload(env, &pl) == nil {
			return p.Sprintf("summary.hours", pl.OpenTime, pl.CloseTime, strings.Join(pl.Days, p.Sprintf("list.separator")))
		}
	case contracts.IntentItemAvailabilitySet:
		var pl contracts.AvailabilityPayload
		if contracts.DecodePayload(env, &pl) == nil {
			if pl.Available {
				return p.Sprintf("summary.availability.on", itemName(pl.ItemRef))
			}
			return p.Sprintf("summary.availability.off", itemName(pl.ItemRef))
		}
	case contracts.IntentItemPriceSet:
		var pl contracts.PricePayload
		if contracts.DecodePayload(env, &pl) == nil {
			if pl.Currency == "" {
				return p.Sprintf("summary.price.plain", itemName(pl.ItemRef), pl.NewPrice)
			}
			return p.Sprintf("summary.price", itemName(pl.ItemRef), pl.NewPrice, pl.Currency)
		}
	case contracts.IntentItemWeightSet:
		var pl contracts.RecommendationWeightPayload
		if contracts.DecodePayload(env, &pl) == nil {
			return p.Sprintf("summary.weight", itemName(pl.ItemRef), pl.Weight)
		}
	case contracts.IntentOrderQuery:
		if q := o.Query; q != nil {
			switch q.Aggregation {
			case contracts.AggregateCount:
				return p.Sprintf("summary.query.count", q.Count)
			case contracts.AggregateSum:
				return p.Sprintf("summary.query.sum", q.Count, q.Sum)
			default:
				return p.Sprintf("summary.query.list", q.Count, len(q.Orders))
			}
		}
	}
	return p.Sprintf("summary.unknown")
}

func itemName(ref contracts.ItemRef) string {
	if ref.Name != "" {
		return ref.Name
	}
	return ref.ID
}

func (c *Composer) window(p *message.Printer, w *contracts.EffectiveWindow, loc *time.Location) string {
	if w == nil {
		return ""
	}
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	switch {
	case w.StartAt != nil && w.EndAt != nil:
		return p.Sprintf("window.between", formatTime(p, *w.StartAt, loc), formatTime(p, *w.EndAt, loc))
	case w.EndAt != nil:
		return p.Sprintf("window.until", formatTime(p, *w.EndAt, loc))
	case w.StartAt != nil:
		return p.Sprintf("window.from", formatTime(p, *w.StartAt, loc))
	}
	return ""
}

func formatTime(p *message.Printer, t time.Time, loc *time.Location) string {
	return t.In(loc).Format(p.Sprintf("format.time"))
}

func (c *Composer) location(tenantID string) *time.Location {
	if c.tz != nil {
		if loc, err := time.LoadLocation(c.tz.Timezone(tenantID)); err == nil {
			return loc
		}
	}
	return time.UTC
}

func (c *Composer) clarification(p *message.Printer, env *contracts.IntentEnvelope, loc *time.Location) *contracts.Clarification {
	if a := env.Ambiguity; a != nil && len(a.Candidates) > 0 {
		labels := make([]string, len(a.Candidates))
		for i, cand := range a.Candidates {
			label := cand.Label
			if a.Kind == contracts.AmbiguityTemporal && cand.Window != nil {
				label = strings.TrimRight(strings.TrimSpace(c.window(p, cand.Window, loc)), ".。")
			}
			labels[i] = fmt.Sprintf("%d) %s", i+1, label)
		}
		key := "clarify.entity"
		if a.Kind == contracts.AmbiguityTemporal {
			key = "clarify.temporal"
		}
		return &contracts.Clarification{
			Question: p.Sprintf(key, strings.Join(labels, " ")),
			Options:  a.Candidates,
		}
	}
	if len(env.ValidationErrors) > 0 && env.IntentType != contracts.IntentUnknown {
		return &contracts.Clarification{
			Question: p.Sprintf("clarify.validation", strings.Join(env.ValidationErrors, p.Sprintf("list.separator"))),
		}
	}
	return &contracts.Clarification{Question: p.Sprintf("clarify.low_confidence")}
}

func (c *Composer) rejection(p *message.Printer, o Outcome) string {
	if o.Cancelled {
		return p.Sprintf("status.cancelled")
	}
	err := o.Err
	switch {
	case err == nil:
		if len(o.Envelope.ValidationErrors) > 0 {
			return p.Sprintf("reject.validation", strings.Join(o.Envelope.ValidationErrors, p.Sprintf("list.separator")))
		}
		return p.Sprintf("reject.error")
	case errors.Is(err, contracts.ErrStaleVersion):
		return p.Sprintf("reject.stale")
	case errors.Is(err, contracts.ErrAlreadyUndone):
		return p.Sprintf("reject.already_undone")
	case errors.Is(err, contracts.ErrConfirmationExpired):
		return p.Sprintf("reject.expired")
	case errors.Is(err, contracts.ErrNotPending):
		return p.Sprintf("reject.not_pending")
	case errors.Is(err, contracts.ErrNotFound):
		return p.Sprintf("reject.not_found")
	case errors.Is(err, contracts.ErrDownstreamUnavailable):
		return p.Sprintf("reject.downstream")
	case errors.Is(err, contracts.ErrValidation):
		return p.Sprintf("reject.validation", err.Error())
	}
	return p.Sprintf("reject.error")
}
