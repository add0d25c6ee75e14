package verifier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/choiros/choird/pkg/canonical"
)

// Plan is a deterministic verifier selection. Equal inputs always produce
// equal plans, including the ids.
type Plan struct {
	PlanID          string   `json:"plan_id"`
	InputsHash      string   `json:"inputs_hash"`
	VerifierIDs     []string `json:"verifier_ids"`
	UnknownRequired []string `json:"unknown_required"`
}

// PlanInputs are the facts a plan derives from.
type PlanInputs struct {
	TouchedPaths      []string
	Mood              string
	RequiredVerifiers []string
	RiskTier          string
}

// Planner selects plans from the catalog. Because planning is pure, plans
// are memoized by inputs hash.
type Planner struct {
	catalog *Catalog
	cache   *lru.Cache[string, Plan]
}

// NewPlanner wires a planner to the catalog with an LRU plan cache.
func NewPlanner(catalog *Catalog, cacheSize int) (*Planner, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, Plan](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	return &Planner{catalog: catalog, cache: cache}, nil
}

// normalizePath folds backslashes to slashes and strips leading "./".
func normalizePath(path string) string {
	p := strings.ReplaceAll(path, "\\", "/")
	return strings.TrimLeft(p, "./")
}

// globMatch applies flat glob semantics: "*" and "?" cross path
// separators, so a scope like "*.txt" selects nested paths too. The
// separator is folded to an ordinary byte before matching because
// doublestar treats "/" as a segment boundary.
func globMatch(pattern, path string) bool {
	const sep = "\x00"
	p := strings.ReplaceAll(pattern, "/", sep)
	c := strings.ReplaceAll(path, "/", sep)
	ok, err := doublestar.Match(p, c)
	return err == nil && ok
}

// matchesScope reports whether any touched path falls inside any scope.
// A scope with a trailing "/" is a directory prefix; anything else is a
// glob pattern.
func matchesScope(touched, scopes []string) bool {
	if len(scopes) == 0 {
		return false
	}
	normalized := make([]string, len(touched))
	for i, p := range touched {
		normalized[i] = normalizePath(p)
	}
	for _, scope := range scopes {
		scopeNorm := normalizePath(scope)
		if strings.HasSuffix(scopeNorm, "/") {
			for _, p := range normalized {
				if strings.HasPrefix(p, scopeNorm) {
					return true
				}
			}
			continue
		}
		for _, p := range normalized {
			if globMatch(scopeNorm, p) {
				return true
			}
		}
	}
	return false
}

// Select builds the plan for the inputs: required verifiers that exist in
// the catalog, plus mood defaults, plus scope matches, with unknown required
// ids reported rather than silently dropped.
func (p *Planner) Select(inputs PlanInputs) (Plan, error) {
	specs, moodDefaults := p.catalog.snapshot()

	index := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		index[spec.ID] = spec
	}

	moodKey := strings.ToUpper(inputs.Mood)
	selected := make(map[string]struct{})
	var unknownRequired []string

	for _, id := range inputs.RequiredVerifiers {
		if _, ok := index[id]; ok {
			selected[id] = struct{}{}
		} else {
			unknownRequired = append(unknownRequired, id)
		}
	}

	for _, id := range moodDefaults[moodKey] {
		if _, ok := index[id]; ok {
			selected[id] = struct{}{}
		}
	}

	for _, spec := range specs {
		if len(spec.Moods) > 0 && moodKey != "" {
			gated := false
			for _, m := range spec.Moods {
				if strings.ToUpper(m) == moodKey {
					gated = true
					break
				}
			}
			if !gated {
				continue
			}
		}
		if matchesScope(inputs.TouchedPaths, spec.Scopes) {
			selected[spec.ID] = struct{}{}
		}
	}

	verifierIDs := make([]string, 0, len(selected))
	for id := range selected {
		verifierIDs = append(verifierIDs, id)
	}
	sort.Strings(verifierIDs)
	sort.Strings(unknownRequired)
	if unknownRequired == nil {
		unknownRequired = []string{}
	}

	touchedSet := make(map[string]struct{}, len(inputs.TouchedPaths))
	for _, path := range inputs.TouchedPaths {
		touchedSet[normalizePath(path)] = struct{}{}
	}
	touched := make([]string, 0, len(touchedSet))
	for path := range touchedSet {
		touched = append(touched, path)
	}
	sort.Strings(touched)

	var moodValue any
	if moodKey != "" {
		moodValue = moodKey
	}
	required := append([]string(nil), inputs.RequiredVerifiers...)
	sort.Strings(required)
	if required == nil {
		required = []string{}
	}
	var riskTier any
	if inputs.RiskTier != "" {
		riskTier = inputs.RiskTier
	}

	inputsHash, err := canonical.Hash(map[string]any{
		"touched_paths":      touched,
		"mood":               moodValue,
		"required_verifiers": required,
		"risk_tier":          riskTier,
		"verifier_ids":       verifierIDs,
		"unknown_required":   unknownRequired,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("failed to hash plan inputs: %w", err)
	}

	if cached, ok := p.cache.Get(inputsHash); ok {
		return cached, nil
	}

	plan := Plan{
		PlanID:          canonical.HashString("plan:" + inputsHash),
		InputsHash:      inputsHash,
		VerifierIDs:     verifierIDs,
		UnknownRequired: unknownRequired,
	}
	p.cache.Add(inputsHash, plan)
	return plan, nil
}
