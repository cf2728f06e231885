// Package nlu defines the natural-language understanding capability the
// intent parser delegates to, and a deterministic keyword ruleset for English
// and Chinese operator commands.
package nlu

import (
	"context"
	"encoding/json"

	"github.com/erichecan/AIrest/pkg/config"
	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/normalize"
)

// Context is the side information available to a capability.
type Context struct {
	Normalized *normalize.Normalized
	Profile    config.Profile
}

// Candidate is the capability's best reading of an utterance.
type Candidate struct {
	IntentType contracts.IntentType
	Payload    json.RawMessage
	Confidence float64
	// DSLVersion is the payload schema version the capability emits. Empty
	// means contracts.CurrentDSLVersion.
	DSLVersion string
	// ItemCandidates lists menu items when a reference matched several equally.
	ItemCandidates []contracts.Candidate
	Mention        string
	Errors         []string
}

// Capability turns normalized text into a candidate intent.
type Capability interface {
	Parse(ctx context.Context, text string, c Context) (Candidate, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, text string, c Context) (Candidate, error)

func (f Func) Parse(ctx context.Context, text string, c Context) (Candidate, error) {
	return f(ctx, text, c)
}
