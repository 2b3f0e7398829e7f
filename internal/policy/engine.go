// Package policy decides which token policies may reach which API paths.
package policy

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/org/piiguard/pkg/models"
)

// PolicyGetter resolves a policy by name.
type PolicyGetter interface {
	GetPolicy(ctx context.Context, name string) (*models.Policy, error)
}

// Engine evaluates a token's policies against a request path. Unknown
// policy names grant nothing.
type Engine struct {
	store PolicyGetter
}

// NewEngine creates an Engine backed by store.
func NewEngine(store PolicyGetter) *Engine {
	return &Engine{store: store}
}

// IsAllowed reports whether any of policies grants capability on reqPath.
func (e *Engine) IsAllowed(ctx context.Context, policies []string, capability, reqPath string) bool {
	allowed := false
	e.matchingRules(ctx, policies, reqPath, func(rule models.PathRule) bool {
		allowed = rule.HasCapability(capability)
		return !allowed
	})
	return allowed
}

// EffectiveCapabilities returns the sorted union of capabilities policies
// grant on reqPath.
func (e *Engine) EffectiveCapabilities(ctx context.Context, policies []string, reqPath string) []string {
	set := map[string]bool{}
	e.matchingRules(ctx, policies, reqPath, func(rule models.PathRule) bool {
		for _, c := range rule.Capabilities {
			set[c] = true
		}
		return true
	})
	caps := make([]string, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// matchingRules calls fn for each rule whose pattern covers reqPath until fn
// returns false.
func (e *Engine) matchingRules(ctx context.Context, policies []string, reqPath string, fn func(models.PathRule) bool) {
	segs := splitPath(reqPath)
	for _, name := range policies {
		pol, err := e.store.GetPolicy(ctx, name)
		if err != nil || pol == nil {
			continue
		}
		for pattern, rule := range pol.Rules {
			if !matchPath(pattern, segs) {
				continue
			}
			if !fn(rule) {
				return
			}
		}
	}
}

// matchPath matches path segments against a pattern. A lone "*" pattern
// matches everything, a "*" segment matches exactly one segment and a "**"
// segment matches any number, including none.
func matchPath(pattern string, segs []string) bool {
	if strings.TrimPrefix(pattern, "/") == "*" {
		return true
	}
	return matchSegments(splitPath(pattern), segs)
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, err := path.Match(pat[0], segs[0]); err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
