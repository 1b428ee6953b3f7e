package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evermemory/ema/internal/config"
	"github.com/evermemory/ema/internal/logger"
	"github.com/evermemory/ema/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func echo(_ context.Context, req llm.Request) (*llm.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	return &llm.Response{Content: "echo: " + last.Content}, nil
}

// createTestDaemon creates a daemon backed by an echoing client.
func createTestDaemon(t *testing.T, mutate ...func(*config.Config)) *Daemon {
	t.Helper()
	return createTestDaemonWithClient(t, llm.ClientFunc(echo), mutate...)
}

func createTestDaemonWithClient(t *testing.T, client llm.Client, mutate ...func(*config.Config)) *Daemon {
	t.Helper()

	orig := newClient
	newClient = func(*config.Config, *logger.Logger) (llm.Client, error) {
		return client, nil
	}
	t.Cleanup(func() { newClient = orig })

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.Port = freePort(t)
	cfg.Tracing.Enabled = false
	cfg.AI.Profiles = []config.AIProfile{{ID: "test", Provider: "openai", APIKey: "sk-test"}}
	for _, m := range mutate {
		m(cfg)
	}

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func waitHealthy(t *testing.T, base string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t)
	defer d.abort()

	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.scheduler)
	assert.NotNil(t, d.memory)
	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.snapshots)
	assert.NotNil(t, d.actors)
	assert.NotNil(t, d.server)
	assert.NotNil(t, d.lifecycle)
}

func TestNewFailsWithoutClient(t *testing.T) {
	orig := newClient
	newClient = func(*config.Config, *logger.Logger) (llm.Client, error) {
		return nil, fmt.Errorf("no profiles")
	}
	defer func() { newClient = orig }()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Tracing.Enabled = false
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "no profiles")
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.Error(t, d.Start())

	_, err := os.Stat(PIDFilePath(d.config.DataDir))
	require.NoError(t, err)

	waitHealthy(t, fmt.Sprintf("http://%s", d.config.Addr()))

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	_, err = os.Stat(PIDFilePath(d.config.DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonServesActorsAndSnapshots(t *testing.T) {
	d := createTestDaemon(t)
	require.NoError(t, d.Start())
	defer d.Stop()

	base := fmt.Sprintf("http://%s", d.config.Addr())
	waitHealthy(t, base)

	resp, err := http.Post(base+"/api/actor/input", "application/json",
		strings.NewReader(`{"userId":1,"actorId":1,"inputs":[{"kind":"text","content":"hello"}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	a, err := d.actors.Get(context.Background(), 1, 1)
	require.NoError(t, err)
	select {
	case <-a.Drained():
	case <-time.After(3 * time.Second):
		t.Fatal("actor did not drain")
	}

	history, err := d.sessions.History(context.Background(), a.Key(), 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "echo: hello", history[1].Content)

	resp, err = http.Post(base+"/api/snapshot", "application/json", strings.NewReader(`{"name":"t1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, strings.HasSuffix(body["fileName"], "t1.json"))
}

func postInput(t *testing.T, base string, content string) {
	t.Helper()
	body := fmt.Sprintf(`{"userId":1,"actorId":1,"inputs":[{"kind":"text","content":%q}]}`, content)
	resp, err := http.Post(base+"/api/actor/input", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func waitDrained(t *testing.T, d *Daemon) {
	t.Helper()
	a, err := d.actors.Get(context.Background(), 1, 1)
	require.NoError(t, err)
	select {
	case <-a.Drained():
	case <-time.After(3 * time.Second):
		t.Fatal("actor did not drain")
	}
}

func TestDaemonRestoreReseedsActors(t *testing.T) {
	var mu sync.Mutex
	var seen [][]llm.Message
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		mu.Lock()
		seen = append(seen, append([]llm.Message(nil), req.Messages...))
		mu.Unlock()
		return echo(ctx, req)
	})
	d := createTestDaemonWithClient(t, client)
	require.NoError(t, d.Start())
	defer d.Stop()

	base := fmt.Sprintf("http://%s", d.config.Addr())
	waitHealthy(t, base)

	resp, err := http.Post(base+"/api/snapshot", "application/json", strings.NewReader(`{"name":"empty"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	postInput(t, base, "secret before restore")
	waitDrained(t, d)
	before, _ := d.actors.Peek(1, 1)

	resp, err = http.Post(base+"/api/snapshot/restore", "application/json", strings.NewReader(`{"name":"empty"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-before.Closed():
	default:
		t.Fatal("restore must close loaded actors")
	}
	_, loaded := d.actors.Peek(1, 1)
	assert.False(t, loaded)

	postInput(t, base, "after")
	waitDrained(t, d)

	mu.Lock()
	last := seen[len(seen)-1]
	mu.Unlock()
	require.Len(t, last, 1)
	assert.Equal(t, "after", last[0].Content)

	history, err := d.sessions.History(context.Background(), before.Key(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	after, _ := d.actors.Peek(1, 1)
	assert.Len(t, after.Agent().State().Messages, 2)
}

func TestDaemonSchedulesJobs(t *testing.T) {
	d := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Jobs = []config.JobConfig{
			{Name: "tick", Kind: "every", EveryMs: 20, Prompt: "ping", Enabled: true},
			{Name: "off", Kind: "every", EveryMs: 20, Prompt: "ping"},
			{Name: "broken", Kind: "cron", Expr: "nope", Prompt: "ping", Enabled: true},
		}
	})
	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Len(t, d.jobs, 1)
	assert.Equal(t, "tick", d.jobs[0].Name())
	assert.Equal(t, 1, d.Status().Scheduler.Tasks)
}

func TestDaemonRunsHooks(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "events.log")
	d := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Hooks = config.HooksConfig{
			Enabled: true,
			Entries: []config.HookEntry{
				{Event: "service:start", Script: `echo "$EMA_HOOK_EVENT" >> ` + marker, Enabled: true},
				{Event: "snapshot:create", Script: `echo "$EMA_HOOK_EVENT $EMA_HOOK_NAME" >> ` + marker, Enabled: true},
				{Event: "service:stop", Script: `echo "$EMA_HOOK_EVENT" >> ` + marker, Enabled: true},
			},
		}
	})
	require.NoError(t, d.Start())

	_, err := hookedSnapshots{SnapshotService: d.snapshots, d: d}.Create(context.Background(), "h1")
	require.NoError(t, err)
	require.NoError(t, d.Stop())

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "service:start\nsnapshot:create h1\nservice:stop\n", string(data))
}

func TestDaemonModerationRejectsInput(t *testing.T) {
	d := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Moderation = config.ModerationConfig{Enabled: true, BlockedKeywords: []string{"banned"}}
	})
	require.NoError(t, d.Start())
	defer d.Stop()

	base := fmt.Sprintf("http://%s", d.config.Addr())
	waitHealthy(t, base)

	resp, err := http.Post(base+"/api/actor/input", "application/json",
		strings.NewReader(`{"userId":1,"actorId":1,"inputs":[{"kind":"text","content":"banned words"}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
