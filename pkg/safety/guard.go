package safety

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// Guards evaluates tenant guard rules written in CEL. A rule that evaluates
// to true raises the intent to high risk; a rule that fails to evaluate does
// the same.
type Guards struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	logger   *slog.Logger
}

// NewGuards builds the CEL environment exposed to guard rules.
func NewGuards() (*Guards, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent_type", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("source", cel.StringType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("guards: cel env: %w", err)
	}
	return &Guards{
		env:      env,
		prgCache: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "safety.guards"),
	}, nil
}

// Compile checks a rule without evaluating it.
func (g *Guards) Compile(expr string) error {
	_, err := g.program(expr)
	return err
}

// Matching returns the rules that escalate env.
func (g *Guards) Matching(rules []string, env *contracts.IntentEnvelope) []string {
	payload := map[string]any{}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &payload)
	}
	input := map[string]any{
		"intent_type": string(env.IntentType),
		"confidence":  env.Confidence,
		"source":      string(env.Source),
		"payload":     payload,
	}

	var matched []string
	for _, rule := range rules {
		ok, err := g.evaluate(rule, input)
		if err != nil {
			g.logger.Warn("guard rule failed, escalating", "rule", rule, "intent_id", env.IntentID, "error", err)
			matched = append(matched, rule)
			continue
		}
		if ok {
			matched = append(matched, rule)
		}
	}
	return matched
}

func (g *Guards) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.prgCache[expr] = p
	return p, nil
}

func (g *Guards) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
