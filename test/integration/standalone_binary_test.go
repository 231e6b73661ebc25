package integration

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBinary compiles cmd/restql into a temp dir and returns its path.
func buildBinary(t *testing.T) string {
	t.Helper()
	goMod, err := exec.Command("go", "env", "GOMOD").Output()
	require.NoError(t, err)
	repoRoot := filepath.Dir(strings.TrimSpace(string(goMod)))
	require.NotEqual(t, ".", repoRoot, "go env GOMOD returned empty")

	binary := filepath.Join(t.TempDir(), "restql")
	build := exec.Command("go", "build", "-o", binary, "./cmd/restql")
	build.Dir = repoRoot
	out, err := build.CombinedOutput()
	require.NoError(t, err, string(out))
	return binary
}

// runOutside runs the binary from an empty directory with a private HOME so
// neither repo files nor user config can leak in.
func runOutside(t *testing.T, binary string, args ...string) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"HOME="+dir,
		"XDG_CONFIG_HOME="+filepath.Join(dir, ".config"),
		"FULMEN_APP_IDENTITY_PATH=",
	)
	out, err := cmd.Output()
	if exitErr, ok := err.(*exec.ExitError); ok {
		t.Fatalf("%s failed: %v\n%s", strings.Join(args, " "), err, exitErr.Stderr)
	}
	require.NoError(t, err)
	return string(out)
}

func TestStandaloneBinaryRunsOutsideRepo(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("standalone binary exec test is unix-focused")
	}
	binary := buildBinary(t)

	var version map[string]any
	require.NoError(t, json.Unmarshal([]byte(runOutside(t, binary, "version", "--json")), &version))
	assert.Equal(t, "restql", version["name"])

	help := runOutside(t, binary, "--help")
	for _, sub := range []string{"serve", "dispatch", "upstreams", "doctor"} {
		assert.Contains(t, help, sub)
	}

	cfg := filepath.Join(t.TempDir(), "restql.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`upstreams:
  - name: users
    base_url: https://users.example.com
`), 0o600))
	var upstreams []map[string]any
	out := runOutside(t, binary, "upstreams", "--config", cfg, "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &upstreams))
	require.Len(t, upstreams, 1)
	assert.Equal(t, "users", upstreams[0]["name"])
}
