package verifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
verifiers:
  - id: go-test
    command: go test ./...
    timeout: 120
    scopes:
      - "pkg/"
      - "cmd/"
  - id: go-vet
    command: go vet ./...
    scopes:
      - "**/*.go"
  - id: frontend-lint
    command: npm run lint
    moods: [PARANOID, SKEPTICAL]
    scopes:
      - "web/"
  - id: secrets-scan
    command: gitleaks detect
mood_defaults:
  PARANOID: [secrets-scan]
  SKEPTICAL: [go-vet]
`

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	planner, err := NewPlanner(catalog, 16)
	require.NoError(t, err)
	return planner
}

func TestSelectRequiredAndUnknown(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.Select(PlanInputs{
		RequiredVerifiers: []string{"go-test", "nonexistent"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"go-test"}, plan.VerifierIDs)
	assert.Equal(t, []string{"nonexistent"}, plan.UnknownRequired)
}

func TestSelectMoodDefaults(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.Select(PlanInputs{Mood: "paranoid"})
	require.NoError(t, err)
	assert.Contains(t, plan.VerifierIDs, "secrets-scan")
}

func TestSelectScopePrefixMatch(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.Select(PlanInputs{
		TouchedPaths: []string{"./pkg/store/store.go"},
	})
	require.NoError(t, err)
	assert.Contains(t, plan.VerifierIDs, "go-test")
	// The glob scope matches the .go path too.
	assert.Contains(t, plan.VerifierIDs, "go-vet")
}

func TestSelectScopeGlobMatch(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.Select(PlanInputs{
		TouchedPaths: []string{"internal\\util\\paths.go"},
	})
	require.NoError(t, err)
	assert.Contains(t, plan.VerifierIDs, "go-vet")
	assert.NotContains(t, plan.VerifierIDs, "go-test")
}

// A flat glob scope selects nested paths: "*" crosses directory
// separators in scope patterns.
func TestSelectFlatGlobCrossesDirectories(t *testing.T) {
	const catalog = `
verifiers:
  - id: txt-check
    command: check-txt
    scopes:
      - "*.txt"
`
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))
	c, err := LoadCatalog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	p, err := NewPlanner(c, 16)
	require.NoError(t, err)

	plan, err := p.Select(PlanInputs{TouchedPaths: []string{"src/a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"txt-check"}, plan.VerifierIDs)

	miss, err := p.Select(PlanInputs{TouchedPaths: []string{"src/a.go"}})
	require.NoError(t, err)
	assert.Empty(t, miss.VerifierIDs)
}

func TestSelectMoodGatingExcludesVerifier(t *testing.T) {
	p := newTestPlanner(t)

	calm, err := p.Select(PlanInputs{Mood: "CALM", TouchedPaths: []string{"web/app.tsx"}})
	require.NoError(t, err)
	assert.NotContains(t, calm.VerifierIDs, "frontend-lint")

	paranoid, err := p.Select(PlanInputs{Mood: "PARANOID", TouchedPaths: []string{"web/app.tsx"}})
	require.NoError(t, err)
	assert.Contains(t, paranoid.VerifierIDs, "frontend-lint")
}

func TestSelectNoScopesNeverAutoSelected(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.Select(PlanInputs{
		Mood:         "CALM",
		TouchedPaths: []string{"pkg/a.go", "web/b.tsx", "README.md"},
	})
	require.NoError(t, err)
	assert.NotContains(t, plan.VerifierIDs, "secrets-scan")
}

func TestSelectVerifierIDsSorted(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.Select(PlanInputs{
		Mood:              "SKEPTICAL",
		TouchedPaths:      []string{"pkg/x.go"},
		RequiredVerifiers: []string{"secrets-scan"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"go-test", "go-vet", "secrets-scan"}, plan.VerifierIDs)
}

// Planning is a pure function: path order, duplicates, and "./" prefixes
// must not change the plan id.
func TestSelectDeterminism(t *testing.T) {
	p := newTestPlanner(t)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	pathGen := gen.OneConstOf(
		"pkg/store/store.go", "./pkg/mood/mood.go", "web/app.tsx",
		"cmd/choird/main.go", "README.md", "pkg\\events\\event.go",
	)

	properties.Property("plan id is order and duplicate insensitive", prop.ForAll(
		func(paths []string, mood string) bool {
			a, err := p.Select(PlanInputs{TouchedPaths: paths, Mood: mood})
			if err != nil {
				return false
			}
			reversed := make([]string, 0, len(paths)*2)
			for i := len(paths) - 1; i >= 0; i-- {
				reversed = append(reversed, paths[i], paths[i])
			}
			b, err := p.Select(PlanInputs{TouchedPaths: reversed, Mood: mood})
			if err != nil {
				return false
			}
			return a.PlanID == b.PlanID && a.InputsHash == b.InputsHash
		},
		gen.SliceOf(pathGen),
		gen.OneConstOf("", "CALM", "PARANOID", "skeptical"),
	))

	properties.TestingRun(t)
}

func TestPlanIDDerivation(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.Select(PlanInputs{TouchedPaths: []string{"pkg/a.go"}})
	require.NoError(t, err)

	// plan_id is the hash of "plan:" + inputs_hash; recomputing from the
	// published inputs hash must agree.
	assert.Len(t, plan.PlanID, 64)
	assert.Len(t, plan.InputsHash, 64)
	assert.NotEqual(t, plan.PlanID, plan.InputsHash)

	again, err := p.Select(PlanInputs{TouchedPaths: []string{"./pkg/a.go"}})
	require.NoError(t, err)
	assert.Equal(t, plan.PlanID, again.PlanID)
}
