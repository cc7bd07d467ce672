package bootstrap

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/memegen-pipeline/internal/config"
	"github.com/ChuLiYu/memegen-pipeline/internal/queue"
	"github.com/ChuLiYu/memegen-pipeline/internal/seed"
	"github.com/ChuLiYu/memegen-pipeline/internal/server"
	"github.com/ChuLiYu/memegen-pipeline/internal/store/rediscache"
	"github.com/ChuLiYu/memegen-pipeline/internal/store/sqlstore"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestBuildMemory(t *testing.T) {
	app, err := Build(context.Background(), config.Default(), quietLogger())
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Records)
	assert.NotNil(t, app.Templates)
	assert.NotNil(t, app.Configs)
	assert.NotNil(t, app.Objects)
	assert.NotNil(t, app.Cache)
	assert.IsType(t, &queue.Memory{}, app.Queue)
	assert.NotNil(t, app.Settings)
}

func TestBuildSQLiteFSAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store = config.StoreConfig{Driver: config.BackendSQLite, DSN: filepath.Join(dir, "memegen.db")}
	cfg.Objects = config.ObjectsConfig{Backend: config.BackendFS, Dir: filepath.Join(dir, "objects")}
	cfg.Cache = config.CacheConfig{Backend: config.BackendRedis, Prefix: "test:"}
	cfg.Queue = config.QueueConfig{Backend: config.BackendRedis, Key: "test:jobs", PollTimeout: 100 * time.Millisecond}
	cfg.Redis.Addr = mr.Addr()

	app, err := Build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	assert.IsType(t, &sqlstore.DB{}, app.Records)
	assert.IsType(t, &rediscache.Cache{}, app.Cache)
	assert.IsType(t, &queue.Redis{}, app.Queue)

	ctx := context.Background()
	require.NoError(t, app.Queue.Publish(ctx, types.Job{CorrelationID: "c1", TemplateID: "t1", Caption: "hi"}))
	assert.True(t, mr.Exists("test:jobs"))

	require.NoError(t, app.Close())
}

func TestBuildFailsAndCleansUp(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Driver: config.BackendSQLite, DSN: filepath.Join(t.TempDir(), "memegen.db")}
	cfg.Queue.Backend = config.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"

	app, err := Build(context.Background(), cfg, quietLogger())
	assert.ErrorContains(t, err, "failed to reach redis")
	assert.Nil(t, app)

	cfg = config.Default()
	cfg.Objects.Backend = "tape"
	_, err = Build(context.Background(), cfg, quietLogger())
	assert.ErrorContains(t, err, "unknown object backend")
}

func TestProcessorRejectsMissingFont(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.FontFile = filepath.Join(t.TempDir(), "missing.ttf")
	app, err := Build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer app.Close()

	_, err = app.Processor()
	assert.ErrorContains(t, err, "failed to read font file")
}

func TestStandaloneEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Coordinator.Listen = "127.0.0.1:0"
	cfg.Worker.WorkerCount = 2
	cfg.Queue.PollTimeout = 50 * time.Millisecond

	app, err := Build(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer app.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "office.png"), testPNG(t), 0644))
	_, err = seed.Apply(ctx, &seed.Manifest{Templates: []seed.Entry{{
		ID:       "office",
		PersonID: 7,
		Name:     "Office",
		Image:    "office.png",
		Captions: []string{"it works on my machine"},
	}}}, dir, app.Templates, app.Objects)
	require.NoError(t, err)

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, config.ModeStandalone, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	client, err := server.Dial(addr)
	require.NoError(t, err)
	defer client.Close()

	st, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	first, err := client.RequestImage(ctx, 7, "session-1")
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Len(t, first.CorrelationID, 32)

	res, err := client.WaitForResult(ctx, first.CorrelationID, 50, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, res.Status, res.Message)
	assert.NotEmpty(t, res.Artifact)

	second, err := client.RequestImage(ctx, 7, "session-2")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Len(t, second.CorrelationID, 32)
	assert.Equal(t, res.Artifact, second.Artifact)

	tpl, err := app.Templates.GetTemplate(ctx, "office")
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.UsageCount)

	report, err := app.Reconciler().Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Deleted)

	_, err = client.RequestImage(ctx, 99, "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWorkerModeWithoutServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	app, err := Build(ctx, config.Default(), quietLogger())
	require.NoError(t, err)
	defer app.Close()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, config.ModeWorker, ready) }()

	assert.Equal(t, "", <-ready)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
