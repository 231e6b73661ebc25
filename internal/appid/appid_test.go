package appid

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetIdentity(t *testing.T) {
	t.Helper()
	appidentity.Reset()
	require.NoError(t, appidentity.RegisterEmbeddedIdentityYAML(Embedded()))
	t.Cleanup(func() { appidentity.Reset() })
}

func TestEmbeddedIdentityOutsideRepo(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, "")
	t.Chdir(t.TempDir())

	identity, err := Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "restql", identity.BinaryName)
	assert.Equal(t, "RESTQL_", identity.EnvPrefix)
	assert.Equal(t, "restql", identity.ConfigName)
	assert.NotEmpty(t, identity.Description)

	assert.Equal(t, Names{BinaryName: "restql", EnvPrefix: "RESTQL_", ConfigName: "restql"},
		Resolve(context.Background()))
}

func TestIdentityPathOverridesEmbedded(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, filepath.Join(t.TempDir(), "missing-app.yaml"))

	_, err := Get(context.Background())
	var notFound *appidentity.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	// Unloadable identity falls back to the built-in names.
	assert.Equal(t, DefaultEnvPrefix, Resolve(context.Background()).EnvPrefix)
}
