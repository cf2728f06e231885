// Package catalog holds the restaurant menu and resolves free-text menu
// references to canonical item ids.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// MenuItem is one sellable item.
type MenuItem struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	NameZH   string   `json:"name_zh,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
	Category string   `json:"category,omitempty"`
	Price    float64  `json:"price"`
	Currency string   `json:"currency,omitempty"`
}

// Source loads the menu for a restaurant.
type Source interface {
	MenuItems(ctx context.Context, scope contracts.Scope) ([]MenuItem, error)
}

// Static is an in-memory Source keyed by scope.
type Static struct {
	mu    sync.RWMutex
	menus map[contracts.Scope][]MenuItem
}

func NewStatic() *Static {
	return &Static{menus: make(map[contracts.Scope][]MenuItem)}
}

// Put replaces the menu of scope.
func (s *Static) Put(scope contracts.Scope, items ...MenuItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menus[scope] = append([]MenuItem(nil), items...)
}

func (s *Static) MenuItems(_ context.Context, scope contracts.Scope) ([]MenuItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MenuItem(nil), s.menus[scope]...), nil
}

// Match is one scored catalog hit.
type Match struct {
	Item     MenuItem
	Matched  int
	Coverage float64
	Mention  string
}

// Result is the outcome of resolving a text against a menu. Best is set only
// when exactly one item wins; otherwise Candidates holds the tied items.
type Result struct {
	Best       *Match
	Candidates []Match
}

// Ambiguous reports whether several items matched equally well.
func (r Result) Ambiguous() bool {
	return r.Best == nil && len(r.Candidates) > 1
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "with": true,
	"for": true, "in": true, "on": true, "to": true, "off": true, "all": true,
	"today": true, "tonight": true, "tomorrow": true, "item": true, "dish": true,
}

// Resolve scores every item against text.
func Resolve(items []MenuItem, text string) Result {
	lower := strings.ToLower(text)
	words := tokenize(lower)

	var hits []Match
	for _, item := range items {
		if m, ok := scoreItem(item, lower, words); ok {
			hits = append(hits, m)
		}
	}
	if len(hits) == 0 {
		return Result{}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Matched != hits[j].Matched {
			return hits[i].Matched > hits[j].Matched
		}
		return hits[i].Coverage > hits[j].Coverage
	})

	top := hits[0].Matched
	var tied []Match
	for _, h := range hits {
		if h.Matched == top {
			tied = append(tied, h)
		}
	}
	if len(tied) == 1 {
		return Result{Best: &tied[0], Candidates: tied}
	}

	var full []Match
	for _, h := range tied {
		if h.Coverage >= 1 {
			full = append(full, h)
		}
	}
	if len(full) == 1 {
		return Result{Best: &full[0], Candidates: tied}
	}
	return Result{Candidates: tied}
}

func scoreItem(item MenuItem, lower string, words []string) (Match, bool) {
	best := Match{Item: item}
	found := false

	phrases := append([]string{item.Name}, item.Aliases...)
	for _, phrase := range phrases {
		if hasHan(phrase) {
			continue
		}
		want := significant(tokenize(strings.ToLower(phrase)))
		if len(want) == 0 {
			continue
		}
		var mention []string
		for _, w := range want {
			if tok, ok := findToken(words, w); ok {
				mention = append(mention, tok)
			}
		}
		if len(mention) == 0 {
			continue
		}
		cov := float64(len(mention)) / float64(len(want))
		if len(mention) > best.Matched || (len(mention) == best.Matched && cov > best.Coverage) {
			best.Matched = len(mention)
			best.Coverage = cov
			best.Mention = strings.Join(mention, " ")
			found = true
		}
	}

	zh := append([]string{item.NameZH}, item.Aliases...)
	for _, phrase := range zh {
		if phrase == "" || !hasHan(phrase) {
			continue
		}
		if strings.Contains(lower, phrase) {
			n := len([]rune(phrase))
			if n > best.Matched {
				best.Matched = n
				best.Coverage = 1
				best.Mention = phrase
				found = true
			}
		}
	}
	return best, found
}

func findToken(words []string, want string) (string, bool) {
	for _, w := range words {
		if w == want {
			return w, true
		}
	}
	if len(want) < 5 {
		return "", false
	}
	for _, w := range words {
		if len(w) >= 4 && levenshtein.ComputeDistance(w, want) <= 1 {
			return w, true
		}
	}
	return "", false
}

func significant(tokens []string) []string {
	out := tokens[:0:0]
	for _, t := range tokens {
		if !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r)) || unicode.Is(unicode.Han, r)
	})
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
