package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/erichecan/AIrest/pkg/contracts"
)

const itemRefSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string"}
	}
}`

const e164 = `{"type": "string", "pattern": "^\\+[1-9][0-9]{6,14}$"}`

var payloadSchemas = map[contracts.IntentType]string{
	contracts.IntentTransferRuleUpsert: `{
		"type": "object",
		"required": ["trigger", "phone_number", "priority"],
		"properties": {
			"rule_id": {"type": "string"},
			"trigger": {"type": "string", "enum": ["always", "after_time", "after_hours", "busy_line", "time_range", "user_requests_human"]},
			"phone_number": ` + e164 + `,
			"priority": {"type": "integer", "minimum": 0, "maximum": 1000},
			"conditions": {"type": "object"}
		}
	}`,
	contracts.IntentTransferRuleDelete: `{
		"type": "object",
		"required": ["rule_id"],
		"properties": {"rule_id": {"type": "string", "minLength": 1}}
	}`,
	contracts.IntentHandoffPolicySet: `{
		"type": "object",
		"minProperties": 1,
		"properties": {
			"user_requests_human": {"type": "boolean"},
			"busy_line_policy": {"type": "string", "enum": ["transfer", "voicemail", "queue"]},
			"default_number": ` + e164 + `
		}
	}`,
	contracts.IntentBusinessHoursSet: `{
		"type": "object",
		"required": ["days", "open_time", "close_time", "timezone"],
		"properties": {
			"days": {"type": "array", "minItems": 1, "uniqueItems": true,
				"items": {"enum": ["mon", "tue", "wed", "thu", "fri", "sat", "sun"]}},
			"open_time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
			"close_time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
			"timezone": {"type": "string", "minLength": 1}
		}
	}`,
	contracts.IntentItemAvailabilitySet: `{
		"type": "object",
		"required": ["item_ref", "available"],
		"properties": {
			"item_ref": ` + itemRefSchema + `,
			"available": {"type": "boolean"},
			"effective_until": {"type": "string", "format": "date-time"},
			"reason": {"type": "string"}
		}
	}`,
	contracts.IntentItemPriceSet: `{
		"type": "object",
		"required": ["item_ref", "new_price"],
		"properties": {
			"item_ref": ` + itemRefSchema + `,
			"new_price": {"type": "number", "exclusiveMinimum": 0},
			"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"effective_at": {"type": "string", "format": "date-time"}
		}
	}`,
	contracts.IntentItemWeightSet: `{
		"type": "object",
		"required": ["item_ref", "weight"],
		"properties": {
			"item_ref": ` + itemRefSchema + `,
			"weight": {"type": "string", "enum": ["low", "normal", "high"]},
			"effective_at": {"type": "string", "format": "date-time"}
		}
	}`,
	contracts.IntentOrderQuery: `{
		"type": "object",
		"required": ["aggregation", "limit"],
		"properties": {
			"filters": {
				"type": "object",
				"properties": {
					"status": {"type": "string", "enum": ["", "pending", "confirmed", "cancelled", "completed"]},
					"from": {"type": "string", "format": "date-time"},
					"to": {"type": "string", "format": "date-time"},
					"has_transfer": {"type": "boolean"}
				}
			},
			"aggregation": {"type": "string", "enum": ["list", "count", "sum"]},
			"limit": {"type": "integer", "minimum": 1, "maximum": 200}
		}
	}`,
	contracts.IntentUndo: `{
		"type": "object",
		"properties": {
			"undo_token": {"type": "string"},
			"change_id": {"type": "string"}
		}
	}`,
}

// Schemas holds the compiled payload schema of every intent type.
type Schemas struct {
	compiled map[contracts.IntentType]*jsonschema.Schema
}

// NewSchemas compiles the built-in payload schemas.
func NewSchemas() (*Schemas, error) {
	s := &Schemas{compiled: make(map[contracts.IntentType]*jsonschema.Schema)}
	for t, schema := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		schemaURL := fmt.Sprintf("https://airest.schemas.local/intents/%s.schema.json", t)
		if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("schema load %s: %w", t, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("schema compile %s: %w", t, err)
		}
		s.compiled[t] = compiled
	}
	return s, nil
}

// Validate returns the ordered list of schema violations for payload.
func (s *Schemas) Validate(t contracts.IntentType, payload json.RawMessage) []string {
	schema, ok := s.compiled[t]
	if !ok {
		return []string{fmt.Sprintf("no payload schema for intent type %q", t)}
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return []string{fmt.Sprintf("payload is not valid JSON: %v", err)}
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var msgs []string
	collectLeaves(verr, &msgs)
	sort.Strings(msgs)
	return msgs
}

func collectLeaves(e *jsonschema.ValidationError, out *[]string) {
	if len(e.Causes) == 0 {
		loc := "payload" + strings.ReplaceAll(e.InstanceLocation, "/", ".")
		*out = append(*out, fmt.Sprintf("%s: %s", loc, e.Message))
		return
	}
	for _, c := range e.Causes {
		collectLeaves(c, out)
	}
}
