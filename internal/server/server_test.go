package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/memegen-pipeline/internal/coordinator"
	"github.com/ChuLiYu/memegen-pipeline/internal/settings"
	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// fakeService answers from fixed tables.
type fakeService struct {
	mu        sync.Mutex
	requests  []coordinator.Request
	requestFn func(coordinator.Request) (coordinator.ImageResponse, error)
	polls     map[string][]coordinator.PollResponse // consumed in order
}

func (f *fakeService) RequestImage(_ context.Context, req coordinator.Request) (coordinator.ImageResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.requestFn(req)
}

func (f *fakeService) PollResult(_ context.Context, id string) (coordinator.PollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.polls[id]
	if !ok {
		return coordinator.PollResponse{}, fmt.Errorf("bad id %q: %w", id, types.ErrInvalidInput)
	}
	resp := seq[0]
	if len(seq) > 1 {
		f.polls[id] = seq[1:]
	}
	return resp, nil
}

func startServer(t *testing.T, svc ImageService) (*Client, *settings.Loader) {
	t.Helper()
	loader := settings.NewLoader(store.NewMemoryConfigStore(), nil)
	srv := NewServer(svc, loader, nil)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
	})
	return client, loader
}

func TestRequestImageRoundTrip(t *testing.T) {
	svc := &fakeService{requestFn: func(req coordinator.Request) (coordinator.ImageResponse, error) {
		if req.PersonID == 7 {
			return coordinator.ImageResponse{CorrelationID: "fedcba9876543210fedcba9876543210", Cached: true, Artifact: []byte{0xff, 0xd8, 0x00}}, nil
		}
		return coordinator.ImageResponse{CorrelationID: "0123456789abcdef0123456789abcdef"}, nil
	}}
	client, _ := startServer(t, svc)
	ctx := context.Background()

	hit, err := client.RequestImage(ctx, 7, "s1")
	require.NoError(t, err)
	assert.True(t, hit.Cached)
	assert.Equal(t, "fedcba9876543210fedcba9876543210", hit.CorrelationID)
	assert.Equal(t, []byte{0xff, 0xd8, 0x00}, hit.Artifact)

	miss, err := client.RequestImage(ctx, 3, "")
	require.NoError(t, err)
	assert.False(t, miss.Cached)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", miss.CorrelationID)
	assert.Empty(t, miss.Artifact)

	assert.Equal(t, []coordinator.Request{{PersonID: 7, SessionID: "s1"}, {PersonID: 3}}, svc.requests)
}

func TestErrorsMapToSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{types.ErrNotFound, types.ErrNotFound},
		{types.ErrInvalidInput, types.ErrInvalidInput},
		{fmt.Errorf("publish: %w", types.ErrUpstreamUnavailable), types.ErrUpstreamUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			svc := &fakeService{requestFn: func(coordinator.Request) (coordinator.ImageResponse, error) {
				return coordinator.ImageResponse{}, tc.err
			}}
			client, _ := startServer(t, svc)

			_, err := client.RequestImage(context.Background(), 1, "")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPollAndWaitForResult(t *testing.T) {
	id := "feedfacefeedfacefeedfacefeedface"
	svc := &fakeService{polls: map[string][]coordinator.PollResponse{
		id: {
			{CorrelationID: id, Status: types.StatusPending, Message: coordinator.MsgRenderInProgress},
			{CorrelationID: id, Status: types.StatusPending, Message: coordinator.MsgRenderInProgress},
			{CorrelationID: id, Status: types.StatusCompleted, Artifact: []byte("jpeg")},
		},
	}}
	client, _ := startServer(t, svc)

	resp, err := client.WaitForResult(context.Background(), id, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resp.Status)
	assert.Equal(t, []byte("jpeg"), resp.Artifact)

	_, err = client.PollResult(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestWaitForResultGivesUp(t *testing.T) {
	id := "00000000000000000000000000000001"
	svc := &fakeService{polls: map[string][]coordinator.PollResponse{
		id: {{CorrelationID: id, Status: types.StatusPending}},
	}}
	client, _ := startServer(t, svc)

	resp, err := client.WaitForResult(context.Background(), id, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, resp.Status)
}

func TestSettingsRoundTrip(t *testing.T) {
	client, loader := startServer(t, &fakeService{})
	ctx := context.Background()

	got, err := client.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultRenderConfig(), got.Render)
	assert.Equal(t, types.DefaultCacheConfig(), got.Cache)

	padding, opacity, duration := 40, 999, 15
	upper := true
	got, err = client.UpdateSettings(ctx, &UpdateSettingsRequest{
		TextPadding:          &padding,
		BackgroundOpacity:    &opacity,
		UpperCaseText:        &upper,
		CacheDurationMinutes: &duration,
	})
	require.NoError(t, err)
	assert.Equal(t, 40, got.Render.TextPadding)
	assert.Equal(t, types.DefaultBackgroundOpacity, got.Render.BackgroundOpacity)
	assert.True(t, got.Render.UpperCaseText)
	assert.Equal(t, 15, got.Cache.CacheDurationMinutes)
	assert.Equal(t, types.DefaultRetentionMinutes, got.Cache.RetentionMinutes)

	assert.Equal(t, got.Render, loader.RenderConfig(ctx))
}

func TestHealth(t *testing.T) {
	client, _ := startServer(t, &fakeService{})

	st, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}

func TestJSONCodecHandlesProtoMessages(t *testing.T) {
	codec := jsonCodec{}

	data, err := codec.Marshal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"SERVING"`)

	var resp healthpb.HealthCheckResponse
	require.NoError(t, codec.Unmarshal(data, &resp))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	data, err = codec.Marshal(&RequestImageRequest{PersonID: 4, SessionID: "s"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"person_id":4,"session_id":"s"}`, string(data))

	assert.ErrorContains(t, codec.Unmarshal([]byte("{"), &RequestImageRequest{}), "failed to decode message")
}
