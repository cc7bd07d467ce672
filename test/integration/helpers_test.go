package integration

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

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/memegen-pipeline/internal/bootstrap"
	"github.com/ChuLiYu/memegen-pipeline/internal/config"
	"github.com/ChuLiYu/memegen-pipeline/internal/seed"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func photo(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 3), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// seedPersons stores one template per person, each with the given captions.
func seedPersons(t testing.TB, app *bootstrap.App, persons int, captions []string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.png"), photo(t, 240, 180), 0644))

	m := &seed.Manifest{}
	for p := 1; p <= persons; p++ {
		m.Templates = append(m.Templates, seed.Entry{PersonID: p, Image: "photo.png", Captions: captions})
	}
	_, err := seed.Apply(context.Background(), m, dir, app.Templates, app.Objects)
	require.NoError(t, err)
}

// runApp starts app in mode and stops it at cleanup. It returns the gRPC
// address, empty for modes without a server.
func runApp(t testing.TB, app *bootstrap.App, mode string) (addr string, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, mode, ready) }()

	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Errorf("%s did not stop", mode)
		}
	}
	t.Cleanup(stop)

	select {
	case addr = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not start", mode)
	}
	return addr, stop
}

func buildApp(t testing.TB, cfg *config.Config) *bootstrap.App {
	t.Helper()
	app, err := bootstrap.Build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}
