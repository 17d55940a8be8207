package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/engine"
)

var packagePattern = regexp.MustCompile(`(?m)^package\s+([a-zA-Z0-9_.]+)`)

// Options configure the gate.
type Options struct {
	// Dir is a directory of additional .rego policies. Empty loads only
	// the built-in guard.
	Dir string

	// Protected lists "type.name" identities that must never be deleted.
	Protected []string

	// MaxDeletes caps delete operations per plan; zero means no cap.
	MaxDeletes int
}

// Gate evaluates plans against loaded policies.
type Gate struct {
	policies []preparedPolicy
	opts     Options
	logger   zerolog.Logger
}

type preparedPolicy struct {
	name  string
	query rego.PreparedEvalQuery
}

// NewGate compiles the built-in guard plus any policies under opts.Dir.
func NewGate(ctx context.Context, opts Options, logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		opts:   opts,
		logger: logger.With().Str("component", "policy").Logger(),
	}

	if err := g.load(ctx, "builtin/guard", builtinGuard); err != nil {
		return nil, err
	}

	if opts.Dir != "" {
		entries, err := os.ReadDir(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("read policy dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
				continue
			}
			path := filepath.Join(opts.Dir, entry.Name())
			src, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read policy %s: %w", path, err)
			}
			if err := g.load(ctx, entry.Name(), string(src)); err != nil {
				return nil, err
			}
		}
	}

	g.logger.Debug().Int("policies", len(g.policies)).Msg("policy gate ready")
	return g, nil
}

// load compiles one policy module and prepares its deny query.
func (g *Gate) load(ctx context.Context, name, src string) error {
	m := packagePattern.FindStringSubmatch(src)
	if m == nil {
		return fmt.Errorf("policy %s has no package declaration", name)
	}

	query, err := rego.New(
		rego.Module(name, src),
		rego.Query(fmt.Sprintf("data.%s.deny", m[1])),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile policy %s: %w", name, err)
	}

	g.policies = append(g.policies, preparedPolicy{name: name, query: query})
	return nil
}

// EvaluatePlan runs every policy against the plan. The plan is allowed
// only when no policy denies it.
func (g *Gate) EvaluatePlan(ctx context.Context, scope string, plan *engine.Plan) (*Result, error) {
	input := Input{
		Plan:       plan,
		Scope:      scope,
		Protected:  g.opts.Protected,
		MaxDeletes: g.opts.MaxDeletes,
	}

	result := &Result{Allowed: true, EvaluatedAt: time.Now().UTC()}
	for _, p := range g.policies {
		rs, err := p.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("evaluate policy %s: %w", p.name, err)
		}
		for _, r := range rs {
			for _, expr := range r.Expressions {
				denies, ok := expr.Value.([]any)
				if !ok {
					continue
				}
				for _, d := range denies {
					result.Allowed = false
					result.Violations = append(result.Violations, Violation{
						Policy:  p.name,
						Message: fmt.Sprintf("%v", d),
					})
				}
			}
		}
	}

	if !result.Allowed {
		g.logger.Warn().
			Str("plan_id", plan.ID).
			Int("violations", len(result.Violations)).
			Msg("plan denied by policy")
	}
	return result, nil
}

// Deny converts a blocked result into a validation error for the cycle.
func (r *Result) Deny() error {
	if r.Allowed {
		return nil
	}
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.Message
	}
	return engine.NewValidationError(
		fmt.Sprintf("plan denied by policy: %s", strings.Join(msgs, "; ")), nil)
}
