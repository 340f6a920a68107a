package cmd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/config"
	"github.com/fingerhq/finger/internal/paths"
)

// deadPID is above the default Linux pid_max (2^22), so no process can
// own it.
const deadPID = 1 << 30

func TestAcquirePIDFile_WritesAndReleases(t *testing.T) {
	home := t.TempDir()

	release, err := acquirePIDFile(home)
	require.NoError(t, err)

	data, err := os.ReadFile(paths.PIDFile(home))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	release()
	_, err = os.Stat(paths.PIDFile(home))
	require.True(t, os.IsNotExist(err), "release removes the pid file")
}

func TestAcquirePIDFile_RefusesLivePID(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pid 1 liveness is a unix assumption")
	}
	home := t.TempDir()
	require.NoError(t, os.WriteFile(paths.PIDFile(home), []byte("1"), 0o644))

	_, err := acquirePIDFile(home)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already running")

	data, rerr := os.ReadFile(paths.PIDFile(home))
	require.NoError(t, rerr)
	assert.Equal(t, "1", strings.TrimSpace(string(data)), "live pid file is left alone")
}

func TestAcquirePIDFile_ReplacesStalePID(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(paths.PIDFile(home), []byte(strconv.Itoa(deadPID)), 0o644))

	release, err := acquirePIDFile(home)
	require.NoError(t, err)
	defer release()

	data, err := os.ReadFile(paths.PIDFile(home))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
}

func TestAcquirePIDFile_OverwritesCorruptPIDFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(paths.PIDFile(home), []byte("not a pid"), 0o644))

	release, err := acquirePIDFile(home)
	require.NoError(t, err)
	defer release()

	data, err := os.ReadFile(paths.PIDFile(home))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
}

func TestEncodeSendPayload(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		raw     bool
		want    string
		wantErr bool
	}{
		{name: "plain text becomes a JSON string", arg: "fix the build", want: `"fix the build"`},
		{name: "raw passes JSON through", arg: `{"task":"ship"}`, raw: true, want: `{"task":"ship"}`},
		{name: "raw rejects invalid JSON", arg: `{task:`, raw: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeSendPayload(tt.arg, tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestLoopConfig_AppliesOverrides(t *testing.T) {
	old := cfg
	defer func() { cfg = old }()

	cfg = config.Defaults()
	cfg.Orchestrator.MaxRounds = 7
	cfg.Orchestrator.OnStuck = 2
	cfg.PrimaryTarget = "my-gateway"

	lc := loopConfig()
	assert.Equal(t, 7, lc.MaxRounds)
	assert.Equal(t, 2, lc.OnStuck)
	assert.Equal(t, "my-gateway", lc.TargetExecutorID)
	assert.Equal(t, cfg.Orchestrator.MaxRejections, lc.MaxRejections)
}

func TestTracingConfig_DefaultsFilePathIntoHome(t *testing.T) {
	old := cfg
	defer func() { cfg = old }()

	cfg = config.Defaults()
	cfg.Tracing.Enabled = true

	home := t.TempDir()
	tc := tracingConfig(home)
	assert.True(t, tc.Enabled)
	assert.Equal(t, config.DefaultTracesFilePath(home), tc.FilePath)
	assert.Equal(t, filepath.Join(home, "traces", "traces.jsonl"), tc.FilePath)
}

func TestDecodeResponse(t *testing.T) {
	t.Run("decodes a 2xx body", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"status":"ok"}`)),
		}
		var out struct {
			Status string `json:"status"`
		}
		require.NoError(t, decodeResponse(resp, &out))
		assert.Equal(t, "ok", out.Status)
	})

	t.Run("surfaces the daemon error body", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusForbidden,
			Body:       io.NopCloser(strings.NewReader(`{"error":"direct module routing is disabled","code":"DIRECT_ROUTE_DISABLED"}`)),
		}
		err := decodeResponse(resp, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
		assert.Contains(t, err.Error(), "direct module routing is disabled")
	})

	t.Run("falls back to the raw body", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusBadGateway,
			Body:       io.NopCloser(strings.NewReader("upstream broke")),
		}
		err := decodeResponse(resp, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream broke")
	})
}

func TestDaemonGet_TalksToTheConfiguredHub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "queueLen": 3})
	}))
	defer srv.Close()
	t.Setenv(config.EnvHubURL, srv.URL)

	var health healthBody
	require.NoError(t, daemonGet("/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.QueueLen)
}

func TestDaemonPost_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/message", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "orchestrator", req["target"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"messageId": "m-1", "status": "accepted"})
	}))
	defer srv.Close()
	t.Setenv(config.EnvHubURL, srv.URL)

	var resp struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}
	err := daemonPost("/api/v1/message", map[string]any{"target": "orchestrator"}, &resp, clientTimeout)
	require.NoError(t, err)
	assert.Equal(t, "m-1", resp.MessageID)
	assert.Equal(t, "accepted", resp.Status)
}
