package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/erichecan/AIrest/pkg/api/apierror"
	"github.com/erichecan/AIrest/pkg/boundary"
	"github.com/erichecan/AIrest/pkg/command"
	"github.com/erichecan/AIrest/pkg/contracts"
)

// Webhook scope headers. Both are covered by the delivery signature.
const (
	HeaderTenantID     = boundary.HeaderTenantID
	HeaderRestaurantID = boundary.HeaderRestaurantID
)

// Voice-agent tools served by the webhook.
const (
	ToolExecuteCommand = "execute_nl_command"
	ToolConfirmCommand = "confirm_nl_command"
	ToolUndoLastChange = "undo_last_config_change"
	ToolQueryOrders    = "query_orders"
)

const webhookActor = "voice-agent"

// WebhookMessage is the envelope a voice agent posts.
type WebhookMessage struct {
	Message struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Call struct {
			ID       string `json:"id"`
			Metadata struct {
				RestaurantID json.RawMessage `json:"restaurant_id"`
			} `json:"metadata"`
		} `json:"call"`
		ToolCalls []ToolCall `json:"toolCalls"`
	} `json:"message"`
}

// ToolCall is one function invocation requested by the agent.
type ToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name string `json:"name"`
		// Arguments is an object or a JSON-encoded string of one.
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}

type toolArgs struct {
	Text        string                 `json:"text"`
	Language    string                 `json:"language"`
	Source      string                 `json:"source"`
	ActorID     string                 `json:"actor_id"`
	DryRun      bool                   `json:"dry_run"`
	IntentID    string                 `json:"intent_id"`
	ChangeID    string                 `json:"change_id"`
	UndoToken   string                 `json:"undo_token"`
	Filters     contracts.OrderFilters `json:"filters"`
	Aggregation string                 `json:"aggregation"`
	Limit       int                    `json:"limit"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		apierror.WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if s.opts.Guard == nil {
		writeError(w, r, fmt.Errorf("%w: webhook verification not configured", contracts.ErrSignatureInvalid))
		return
	}
	if err := s.opts.Guard.Check(r.Context(), r.Header, body); err != nil {
		s.logger.WarnContext(r.Context(), "webhook rejected", "error", err)
		writeError(w, r, err)
		return
	}

	var msg WebhookMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		apierror.WriteBadRequest(w, r, "Invalid request body")
		return
	}
	scope := s.webhookScope(r, &msg)
	// Ids that key rate limits and idempotency come from the signed body only.
	callID := firstNonEmpty(msg.Message.Call.ID, "unknown")

	if s.opts.WebhookLimiter != nil {
		ok, err := s.opts.WebhookLimiter.Allow(r.Context(), "webhook:"+callID)
		if err != nil {
			s.logger.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
		} else if !ok {
			apierror.WriteTooManyRequests(w, r, s.opts.WebhookPolicy.RetryAfter())
			return
		}
	}

	if msg.Message.Type != "tool-calls" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	messageID := firstNonEmpty(msg.Message.ID, "unknown_message")
	results := make([]ToolResult, 0, len(msg.Message.ToolCalls))
	for _, call := range msg.Message.ToolCalls {
		result, err := s.runToolCall(r.Context(), scope, callID, messageID, call)
		if err != nil {
			writeError(w, r, err)
			return
		}
		results = append(results, ToolResult{ToolCallID: call.ID, Result: result})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// webhookScope resolves tenant and restaurant from headers, then call
// metadata, then configured defaults.
func (s *Server) webhookScope(r *http.Request, msg *WebhookMessage) contracts.Scope {
	tenant := firstNonEmpty(r.Header.Get(HeaderTenantID), s.opts.DefaultTenantID)
	restaurant := r.Header.Get(HeaderRestaurantID)
	if restaurant == "" {
		restaurant = rawID(msg.Message.Call.Metadata.RestaurantID)
	}
	return contracts.Scope{TenantID: tenant, RestaurantID: firstNonEmpty(restaurant, s.opts.DefaultRestaurantID)}
}

// runToolCall executes call at most once per idempotency key and returns the
// stored result on redelivery.
func (s *Server) runToolCall(ctx context.Context, scope contracts.Scope, callID, messageID string, call ToolCall) (string, error) {
	key := strings.Join([]string{scope.TenantID, scope.RestaurantID, messageID, call.ID}, ":")
	fresh, stored, err := s.opts.Webhooks.ClaimWebhookEvent(ctx, key, scope.TenantID, s.clock().UTC())
	if err != nil {
		return "", fmt.Errorf("claim webhook event: %w", err)
	}
	if !fresh {
		var cached string
		if len(stored) == 0 || json.Unmarshal(stored, &cached) != nil {
			return "Tool call is already being processed.", nil
		}
		s.logger.InfoContext(ctx, "webhook tool call replayed", "key", key)
		return cached, nil
	}

	s.logger.InfoContext(ctx, "executing tool call", "call_id", callID, "tool", call.Function.Name, "tool_call_id", call.ID)
	result := s.dispatchTool(ctx, scope, call)
	if err := s.opts.Webhooks.CompleteWebhookEvent(ctx, key, contracts.MustPayload(result)); err != nil {
		return "", fmt.Errorf("complete webhook event: %w", err)
	}
	return result, nil
}

func (s *Server) dispatchTool(ctx context.Context, scope contracts.Scope, call ToolCall) string {
	args, err := decodeArgs(call.Function.Arguments)
	if err != nil {
		return toolError(err)
	}
	actor := firstNonEmpty(args.ActorID, webhookActor)
	source := contracts.Source(firstNonEmpty(args.Source, string(contracts.SourceWebhook)))

	var resp contracts.Response
	switch call.Function.Name {
	case ToolExecuteCommand:
		resp, err = s.opts.Service.Handle(ctx, command.Request{
			Scope: scope, ActorID: actor, Source: source,
			Text: args.Text, Language: args.Language, DryRun: args.DryRun,
		})
	case ToolConfirmCommand:
		resp, err = s.opts.Service.Confirm(ctx, scope, actor, args.IntentID)
	case ToolUndoLastChange:
		resp, err = s.opts.Service.Undo(ctx, command.UndoRequest{
			Scope: scope, ActorID: actor, Source: source,
			ChangeID: args.ChangeID, UndoToken: args.UndoToken, Language: args.Language,
		})
	case ToolQueryOrders:
		resp, err = s.opts.Service.Query(ctx, command.QueryRequest{
			Scope: scope, ActorID: actor, Source: source, Language: args.Language,
			Query: contracts.OrderQueryPayload{Filters: args.Filters, Aggregation: args.Aggregation, Limit: args.Limit},
		})
	default:
		return fmt.Sprintf("Tool %s not implemented.", call.Function.Name)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "tool call failed", "tool", call.Function.Name, "error", err)
		return toolError(err)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return toolError(err)
	}
	return string(out)
}

func toolError(err error) string {
	return string(contracts.MustPayload(map[string]string{"status": "error", "message": err.Error()}))
}

// decodeArgs accepts arguments as an object or as a string holding one.
func decodeArgs(raw json.RawMessage) (toolArgs, error) {
	var args toolArgs
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return args, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return args, fmt.Errorf("%w: arguments: %v", contracts.ErrValidation, err)
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("%w: arguments: %v", contracts.ErrValidation, err)
	}
	return args, nil
}

// rawID reads an id sent either as a JSON string or a number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String()
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
