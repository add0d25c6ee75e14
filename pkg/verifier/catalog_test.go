package verifier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogLoadsSpecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	assert.Equal(t, []string{"go-test", "go-vet", "frontend-lint", "secrets-scan"}, catalog.IDs())

	spec, ok := catalog.Get("go-test")
	require.True(t, ok)
	assert.Equal(t, "go test ./...", spec.Command)
	assert.Equal(t, 120*time.Second, spec.SpecTimeout(time.Minute))

	vet, ok := catalog.Get("go-vet")
	require.True(t, ok)
	assert.Equal(t, time.Minute, vet.SpecTimeout(time.Minute))
}

func TestCatalogRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verifiers: {not a list"), 0o644))

	_, err := LoadCatalog(path)
	assert.Error(t, err)
}

func TestCatalogHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	updated := `
verifiers:
  - id: only-one
    command: echo ok
mood_defaults: {}
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		ids := catalog.IDs()
		return len(ids) == 1 && ids[0] == "only-one"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCatalogKeepsPreviousOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	require.NoError(t, os.WriteFile(path, []byte("verifiers: {broken"), 0o644))

	// The bad write must not wipe the loaded catalog.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, catalog.IDs(), 4)
}
