package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntimehq/buntime/types"
)

func mkApp(t *testing.T, appsDir, name string, versions ...string) {
	t.Helper()
	for _, v := range versions {
		dir := filepath.Join(appsDir, name, v)
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
}

func TestResolve_HighestAvailableWhenNoSelector(t *testing.T) {
	dir := t.TempDir()
	mkApp(t, dir, "api", "1.0.0", "1.5.3", "2.0.0")

	got, err := Resolve(dir, types.AppKey{Name: "api"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "api", "2.0.0"), got)
}

func TestResolve_BareIntegerSelector(t *testing.T) {
	dir := t.TempDir()
	mkApp(t, dir, "api", "1.0.0", "1.5.3", "2.0.0")

	got, err := Resolve(dir, types.AppKey{Name: "api", Selector: "1"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "api", "1.5.3"), got)
}

func TestResolve_RangeSelector(t *testing.T) {
	dir := t.TempDir()
	mkApp(t, dir, "api", "1.0.0", "1.5.3", "2.0.0")

	got, err := Resolve(dir, types.AppKey{Name: "api", Selector: "^1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "api", "1.5.3"), got)
}

func TestResolve_NotFoundWhenNoVersionSatisfies(t *testing.T) {
	dir := t.TempDir()
	mkApp(t, dir, "api", "1.0.0", "1.5.3", "2.0.0")

	_, err := Resolve(dir, types.AppKey{Name: "api", Selector: "3"})
	require.Error(t, err)
	var rtErr *types.RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, types.ErrorKindAppNotFound, rtErr.Kind)
	// Spec scenario S2 requires the literal 404 body
	// {"error":"App not found: api@3"}.
	assert.Equal(t, "App not found: api@3", rtErr.Message)
}

func TestResolve_NotFoundWhenAppDirMissing(t *testing.T) {
	dir := t.TempDir()

	_, err := Resolve(dir, types.AppKey{Name: "ghost"})
	require.Error(t, err)
}

func TestResolve_IgnoresNonSemverDirectories(t *testing.T) {
	dir := t.TempDir()
	mkApp(t, dir, "api", "1.0.0", "latest", "scratch")

	got, err := Resolve(dir, types.AppKey{Name: "api"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "api", "1.0.0"), got)
}

func TestResolve_PrereleaseLessThanRelease(t *testing.T) {
	dir := t.TempDir()
	mkApp(t, dir, "api", "1.0.0-beta", "1.0.0")

	got, err := Resolve(dir, types.AppKey{Name: "api"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "api", "1.0.0"), got)
}
