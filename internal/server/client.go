package server

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Polling defaults used by WaitForResult.
const (
	DefaultPollAttempts = 10
	DefaultPollDelay    = time.Second
)

// Client calls the ImageService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. opts are appended to the
// defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

// RequestImage asks for an image of personID.
func (c *Client) RequestImage(ctx context.Context, personID int, sessionID string) (*RequestImageResponse, error) {
	out := new(RequestImageResponse)
	if err := c.invoke(ctx, "RequestImage", &RequestImageRequest{PersonID: personID, SessionID: sessionID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PollResult returns the current state of a render.
func (c *Client) PollResult(ctx context.Context, correlationID string) (*PollResultResponse, error) {
	out := new(PollResultResponse)
	if err := c.invoke(ctx, "PollResult", &PollResultRequest{CorrelationID: correlationID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSettings returns the settings in effect.
func (c *Client) GetSettings(ctx context.Context) (*SettingsResponse, error) {
	out := new(SettingsResponse)
	if err := c.invoke(ctx, "GetSettings", &GetSettingsRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSettings applies the set fields of req.
func (c *Client) UpdateSettings(ctx context.Context, req *UpdateSettingsRequest) (*SettingsResponse, error) {
	out := new(SettingsResponse)
	if err := c.invoke(ctx, "UpdateSettings", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports the serving status of the image service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// WaitForResult polls until the render leaves pending, attempts run out or
// ctx ends. The last response is returned when attempts run out.
func (c *Client) WaitForResult(ctx context.Context, correlationID string, attempts int, delay time.Duration) (*PollResultResponse, error) {
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	if delay <= 0 {
		delay = DefaultPollDelay
	}

	var last *PollResultResponse
	for i := 0; i < attempts; i++ {
		resp, err := c.PollResult(ctx, correlationID)
		if err != nil {
			return nil, err
		}
		if resp.Status != types.StatusPending {
			return resp, nil
		}
		last = resp

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(delay):
		}
	}
	return last, nil
}
