package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xiaonanln/canvasgov/governor"
	"github.com/xiaonanln/canvasgov/inspector"
	"github.com/xiaonanln/canvasgov/util/testutil"
)

type staticSource struct{ fps float64 }

func (s staticSource) ThroughputAt(time.Time) (float64, bool) { return s.fps, true }

// newTestInspector serves an inspector over an in-memory listener and returns
// a dial function connecting to it
func newTestInspector(t *testing.T) (*governor.Governor, *inspector.Server, dialFunc) {
	t.Helper()
	g, err := governor.New(governor.DefaultConfig(), governor.WithName("board"), governor.WithThroughputSource(staticSource{fps: 60}))
	require.NoError(t, err)
	for _, spec := range []governor.NodeSpec{
		{ID: "editor", Tier: governor.TierHigh, Category: "text"},
		{ID: "timer", Category: "widget"},
		{ID: "toolbar", Tier: governor.TierCritical, Category: "chrome"},
	} {
		_, err := g.Register(spec)
		require.NoError(t, err)
	}

	s := inspector.New(g, inspector.Config{})
	grpcServer := s.NewGRPCServer()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Shutdown()
		_ = conn.Close()
		grpcServer.Stop()
	})

	dial := func(string) (inspectorAPI, error) { return inspector.NewClient(conn), nil }
	return g, s, dial
}

func runCLI(t *testing.T, dial dialFunc, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr, dial)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	_, _, dial := newTestInspector(t)

	code, _, stderr := runCLI(t, dial)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "command required")

	code, _, stderr = runCLI(t, dial, "explode")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown command 'explode'")

	code, _, stderr = runCLI(t, dial, "isolate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "usage: govctl isolate <id>")

	code, _, stderr = runCLI(t, dial, "list", "auto", "manual")
	assert.Equal(t, 2, code)

	code, _, stderr = runCLI(t, dial, "-help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "restore-all")
}

func TestStatus(t *testing.T) {
	_, _, dial := newTestInspector(t)

	code, stdout, stderr := runCLI(t, dial, "status")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "board")
	assert.Contains(t, stdout, "60.0 fps")
	assert.Contains(t, stdout, "3 (normal 1, high 1, critical 1)")

	code, stdout, _ = runCLI(t, dial, "-json", "status")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"surface": "board"`)
}

func TestIsolateListRestore(t *testing.T) {
	g, _, dial := newTestInspector(t)

	code, stdout, stderr := runCLI(t, dial, "isolate", "timer")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "timer isolated (manual)\n", stdout)
	_, isolated := g.IsIsolated("timer")
	assert.True(t, isolated)

	code, stdout, _ = runCLI(t, dial, "list", "manual")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "timer")

	code, stdout, _ = runCLI(t, dial, "list", "auto")
	require.Equal(t, 0, code)
	assert.Equal(t, "no isolated nodes\n", stdout)

	code, _, stderr = runCLI(t, dial, "list", "sometimes")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown isolation reason")

	code, stdout, _ = runCLI(t, dial, "restore", "timer")
	require.Equal(t, 0, code)
	assert.Equal(t, "timer restored\n", stdout)

	code, stdout, _ = runCLI(t, dial, "restore", "timer")
	require.Equal(t, 0, code)
	assert.Equal(t, "timer was not isolated\n", stdout)
}

func TestIsolateErrors(t *testing.T) {
	_, _, dial := newTestInspector(t)

	code, _, stderr := runCLI(t, dial, "isolate", "toolbar")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "FailedPrecondition")

	code, _, stderr = runCLI(t, dial, "isolate", "ghost")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "NotFound")
}

func TestRestoreAll(t *testing.T) {
	g, _, dial := newTestInspector(t)
	require.NoError(t, g.ForceIsolate("timer"))
	require.NoError(t, g.ForceIsolate("editor"))

	code, stdout, _ := runCLI(t, dial, "restore-all")
	require.Equal(t, 0, code)
	assert.Equal(t, "restored 2 nodes\n", stdout)
	assert.Empty(t, g.ListIsolated())
}

func TestEnableDisableAndConfig(t *testing.T) {
	g, _, dial := newTestInspector(t)

	code, stdout, _ := runCLI(t, dial, "disable")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "false")
	assert.False(t, g.Config().Enabled)

	code, _, _ = runCLI(t, dial, "enable")
	require.Equal(t, 0, code)
	assert.True(t, g.Config().Enabled)

	code, stdout, stderr := runCLI(t, dial, "config", "max_isolated=2", "restore_delay=3s")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "3s")
	assert.Equal(t, 2, g.Config().MaxIsolated)
	assert.Equal(t, 3*time.Second, g.Config().RestoreDelay)

	code, stdout, _ = runCLI(t, dial, "config")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "max_isolated:")

	code, _, stderr = runCLI(t, dial, "config", "max_isolated=-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "InvalidArgument")
	assert.Equal(t, 2, g.Config().MaxIsolated)
}

func TestParseConfigArgs(t *testing.T) {
	req, err := parseConfigArgs([]string{"enabled=false", "min_throughput=24.5", "settle_time=500ms"})
	require.NoError(t, err)
	require.NotNil(t, req.Enabled)
	assert.False(t, *req.Enabled)
	require.NotNil(t, req.MinThroughput)
	assert.Equal(t, 24.5, *req.MinThroughput)
	require.NotNil(t, req.SettleTime)
	assert.Equal(t, "500ms", *req.SettleTime)
	assert.Nil(t, req.MaxIsolated)
	assert.Nil(t, req.RestoreDelay)

	for _, bad := range [][]string{
		{"max_isolated"},
		{"=3"},
		{"max_isolated=two"},
		{"restore_delay=later"},
		{"enabled=maybe"},
		{"colour=blue"},
		{"max_isolated=1", "max_isolated=2"},
	} {
		_, err := parseConfigArgs(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestWatch(t *testing.T) {
	g, s, dial := newTestInspector(t)

	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() { done <- run(ctx, []string{"watch"}, &lockedWriter{w: &stdout}, &stderr, dial) }()

	testutil.WaitFor(t, 5*time.Second, "watch stream to subscribe", func() bool {
		return s.SubscriberCount() == 1
	})
	require.NoError(t, g.ForceIsolate("timer"))
	testutil.WaitFor(t, 5*time.Second, "event to be printed", func() bool {
		return strings.Contains(readLocked(&stdout), "timer [normal] active -> isolated (manual)")
	})

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code, stderr.String())
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)
	line := formatEvent(governor.TransitionEvent{
		Seq: 7, Type: governor.EventRestored, NodeID: "chart", Tier: governor.TierNormal,
		From: governor.StateIsolated, To: governor.StateActive, Reason: governor.ReasonAuto, At: at,
	})
	assert.Equal(t, "09:30:00.000 #7 restored     chart [normal] isolated -> active (auto)", line)

	line = formatEvent(governor.TransitionEvent{Seq: 8, Type: governor.EventConfigChanged, At: at})
	assert.Equal(t, "09:30:00.000 #8 config_changed", line)
}

func TestHistoryNeedsConfig(t *testing.T) {
	_, _, dial := newTestInspector(t)
	code, _, stderr := runCLI(t, dial, "history")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--config")
}
