// Package normalize canonicalizes raw operator text before intent parsing:
// Unicode NFC, E.164 phone numbers, tenant-local time expressions, menu
// references and language. It performs no writes.
package normalize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/erichecan/AIrest/pkg/catalog"
	"github.com/erichecan/AIrest/pkg/config"
	"github.com/erichecan/AIrest/pkg/contracts"
)

// Input is one utterance to normalize.
type Input struct {
	Text         string
	LanguageHint string
	Scope        contracts.Scope
	Profile      config.Profile
}

// Normalized is the normalizer's output: rewritten text plus annotations.
type Normalized struct {
	Text     string
	Language string
	Phones   []string
	Time     TimeResolution
	Items    catalog.Result
	Now      time.Time
	Location *time.Location
}

// Normalizer resolves utterances against tenant configuration and the menu.
type Normalizer struct {
	menu  catalog.Source
	clock func() time.Time
}

// New creates a normalizer reading menus from src.
func New(src catalog.Source) *Normalizer {
	return &Normalizer{menu: src, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (n *Normalizer) WithClock(clock func() time.Time) *Normalizer {
	n.clock = clock
	return n
}

// Normalize rewrites in.Text into canonical form.
func (n *Normalizer) Normalize(ctx context.Context, in Input) (*Normalized, error) {
	loc, err := in.Profile.Location()
	if err != nil {
		return nil, err
	}

	text := norm.NFC.String(strings.TrimSpace(in.Text))
	text = strings.Join(strings.Fields(text), " ")

	out := &Normalized{
		Language: DetectLanguage(text, in.LanguageHint),
		Now:      n.clock(),
		Location: loc,
	}
	out.Text, out.Phones = RewritePhones(text, in.Profile.PhoneRegion)
	out.Time = ResolveTime(out.Text, out.Now, loc)

	if n.menu != nil {
		items, err := n.menu.MenuItems(ctx, in.Scope)
		if err != nil {
			return nil, fmt.Errorf("%w: menu lookup: %v", contracts.ErrDownstreamUnavailable, err)
		}
		out.Items = catalog.Resolve(items, out.Text)
	}
	return out, nil
}
