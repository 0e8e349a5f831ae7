package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/nodetest"
	"github.com/backkem/nodelink/pkg/session"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err)
	return out
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	cert := filepath.Join(dir, "identity.pem")
	key := filepath.Join(dir, "identity-key.pem")

	out := mustRun(t, "keygen", "--node-id", "node-alpha", "--cert", cert, "--key", key)
	assert.Contains(t, out, "node node-alpha")

	body := fmt.Sprintf(`
[node]
base_url = %q

[identity]
certificate = %q
private_key = %q

[state]
path = %q

[logging]
disable = true
`, baseURL, cert, key, filepath.Join(dir, "state", "nodelink.db"))

	path := filepath.Join(dir, "nodelink.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCLILifecycle(t *testing.T) {
	node := nodetest.New(t, nodetest.Options{})
	cfg := writeConfig(t, node.URL())
	base := []string{"--config", cfg, "--env", ""}
	args := func(extra ...string) []string { return append(append([]string(nil), base...), extra...) }

	out := mustRun(t, args("invoke", "post", "/api/jobs", "-d", `{"x":1}`)...)
	var echo nodetest.Echo
	require.NoError(t, json.Unmarshal([]byte(out), &echo))
	assert.Equal(t, "POST", echo.Method)
	assert.Equal(t, `{"x":1}`, echo.Body)
	assert.Equal(t, "node-alpha", echo.NodeID)
	assert.Equal(t, []string{channel.PathOpen, session.PathIdentify, session.PathAuthenticate, "/api/jobs"}, node.Calls())

	// A new process resumes from the state database.
	node.ResetCalls()
	out = mustRun(t, args("status")...)
	assert.Contains(t, out, `"status": "ready"`)
	assert.Contains(t, out, `"channelPhase": "open"`)
	assert.Empty(t, node.Calls())

	mustRun(t, args("invoke", "GET", "/api/jobs/1")...)
	assert.Equal(t, []string{"/api/jobs/1"}, node.Calls())

	node.ResetCalls()
	assert.Contains(t, mustRun(t, args("revoke")...), "session revoked")
	mustRun(t, args("handshake")...)
	assert.Equal(t, []string{session.PathIdentify, session.PathAuthenticate}, node.Calls())

	assert.Contains(t, mustRun(t, args("reset")...), "state reset")
	out = mustRun(t, args("status")...)
	assert.Contains(t, out, `"channelPhase": "absent"`)
}

func TestCLIEnvOverride(t *testing.T) {
	node := nodetest.New(t, nodetest.Options{})
	cfg := writeConfig(t, "https://unreachable.invalid")

	t.Setenv("NODELINK_BASE_URL", node.URL())
	mustRun(t, "--config", cfg, "--env", "", "handshake")
	assert.Equal(t, 1, node.Count(channel.PathOpen))
}

func TestCLIErrors(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "--env", "", "status")
	assert.Error(t, err, "a named config file must exist")

	_, err = run(t, "--env", filepath.Join(t.TempDir(), "missing.env"), "status")
	assert.Error(t, err, "a named env file must exist")

	node := nodetest.New(t, nodetest.Options{})
	cfg := writeConfig(t, node.URL())
	_, err = run(t, "--config", cfg, "--env", "", "invoke", "POST")
	assert.Error(t, err)
	_, err = run(t, "--config", cfg, "--env", "", "invoke", "POST", "/x", "-H", "no colon")
	assert.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"X-Trace: abc", "x-trace:def", "Accept:  text/plain "})
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def"}, h.Values("X-Trace"))
	assert.Equal(t, "text/plain", h.Get("Accept"))

	_, err = parseHeaders([]string{": empty"})
	assert.Error(t, err)
}
