// ============================================================================
// Coordinator gRPC Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Exposes the request coordinator and the dynamic settings over
// gRPC, together with the standard health service.
//
// Messages are plain Go structs carried by a JSON codec registered under the
// "json" content subtype, so no generated code is needed. Errors cross the
// wire as status codes:
//
//   types.ErrNotFound            -> codes.NotFound
//   types.ErrInvalidInput        -> codes.InvalidArgument
//   types.ErrUpstreamUnavailable -> codes.Unavailable
//   anything else                -> codes.Internal
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/memegen-pipeline/internal/coordinator"
	"github.com/ChuLiYu/memegen-pipeline/internal/settings"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// ImageService is the coordinator API the server exposes.
type ImageService interface {
	RequestImage(ctx context.Context, req coordinator.Request) (coordinator.ImageResponse, error)
	PollResult(ctx context.Context, correlationID string) (coordinator.PollResponse, error)
}

// Server implements the ImageService gRPC service.
type Server struct {
	svc      ImageService
	settings *settings.Loader
	log      *slog.Logger

	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a server. opts are passed to grpc.NewServer after the
// logging interceptor.
func NewServer(svc ImageService, loader *settings.Loader, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      svc,
		settings: loader,
		log:      logger.With("component", "grpc_server"),
		health:   health.NewServer(),
	}

	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logInterceptor)}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", "address", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve failed: %w", err)
	}
	return nil
}

// Stop marks the service not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// RequestImage handles an image request.
func (s *Server) RequestImage(ctx context.Context, req *RequestImageRequest) (*RequestImageResponse, error) {
	resp, err := s.svc.RequestImage(ctx, coordinator.Request{PersonID: req.PersonID, SessionID: req.SessionID})
	if err != nil {
		return nil, toStatus(err)
	}
	return &RequestImageResponse{
		CorrelationID: resp.CorrelationID,
		Cached:        resp.Cached,
		Artifact:      resp.Artifact,
	}, nil
}

// PollResult handles a poll.
func (s *Server) PollResult(ctx context.Context, req *PollResultRequest) (*PollResultResponse, error) {
	resp, err := s.svc.PollResult(ctx, req.CorrelationID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PollResultResponse{
		CorrelationID: resp.CorrelationID,
		Status:        resp.Status,
		Artifact:      resp.Artifact,
		Message:       resp.Message,
	}, nil
}

// GetSettings returns the render and cache configs in effect.
func (s *Server) GetSettings(ctx context.Context, _ *GetSettingsRequest) (*SettingsResponse, error) {
	return &SettingsResponse{
		Render: s.settings.RenderConfig(ctx),
		Cache:  s.settings.CacheConfig(ctx),
	}, nil
}

// UpdateSettings applies the set fields. Out-of-range values are ignored.
func (s *Server) UpdateSettings(ctx context.Context, req *UpdateSettingsRequest) (*SettingsResponse, error) {
	render, err := s.settings.UpdateRenderConfig(ctx, settings.RenderUpdate{
		TextPadding:       req.TextPadding,
		BackgroundOpacity: req.BackgroundOpacity,
		TextAtTop:         req.TextAtTop,
		UpperCaseText:     req.UpperCaseText,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	cache, err := s.settings.UpdateCacheConfig(ctx, settings.CacheUpdate{
		CacheDurationMinutes: req.CacheDurationMinutes,
		RetentionMinutes:     req.RetentionMinutes,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	s.log.Info("Settings updated", "fingerprint", render.Fingerprint(), "cache_minutes", cache.CacheDurationMinutes, "retention_minutes", cache.RetentionMinutes)
	return &SettingsResponse{Render: render, Cache: cache}, nil
}

func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	attrs := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
	if code == codes.Internal || code == codes.Unavailable {
		s.log.Warn("gRPC call failed", append(attrs, "error", err)...)
	} else {
		s.log.Debug("gRPC call", attrs...)
	}
	return resp, err
}

// toStatus maps domain errors to gRPC status errors.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrInvalidInput):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrUpstreamUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus maps gRPC status errors back to domain errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), types.ErrNotFound)
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w", st.Message(), types.ErrInvalidInput)
	case codes.Unavailable:
		return fmt.Errorf("%s: %w", st.Message(), types.ErrUpstreamUnavailable)
	}
	return err
}
