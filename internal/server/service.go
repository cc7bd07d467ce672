package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "memegen.v1.ImageService"

// CodecName is the content subtype the service is served with.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets plain Go structs travel as gRPC messages. Protobuf
// messages, such as health checks made over a connection that defaults to
// this codec, use their canonical JSON mapping.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	var err error
	if m, ok := v.(proto.Message); ok {
		err = protojson.Unmarshal(data, m)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

// ============================================================================
// Messages
// ============================================================================

type RequestImageRequest struct {
	PersonID  int    `json:"person_id"`
	SessionID string `json:"session_id,omitempty"`
}

type RequestImageResponse struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Cached        bool   `json:"cached"`
	Artifact      []byte `json:"artifact,omitempty"`
}

type PollResultRequest struct {
	CorrelationID string `json:"correlation_id"`
}

type PollResultResponse struct {
	CorrelationID string                 `json:"correlation_id"`
	Status        types.GenerationStatus `json:"status"`
	Artifact      []byte                 `json:"artifact,omitempty"`
	Message       string                 `json:"message,omitempty"`
}

type GetSettingsRequest struct{}

// UpdateSettingsRequest carries optional changes; nil fields are left as is.
type UpdateSettingsRequest struct {
	TextPadding          *int  `json:"text_padding,omitempty"`
	BackgroundOpacity    *int  `json:"background_opacity,omitempty"`
	TextAtTop            *bool `json:"text_at_top,omitempty"`
	UpperCaseText        *bool `json:"upper_case_text,omitempty"`
	CacheDurationMinutes *int  `json:"cache_duration_minutes,omitempty"`
	RetentionMinutes     *int  `json:"retention_minutes,omitempty"`
}

type SettingsResponse struct {
	Render types.RenderConfig `json:"render"`
	Cache  types.CacheConfig  `json:"cache"`
}

// ============================================================================
// Service descriptor
// ============================================================================

// imageServiceServer is the method set registered under ServiceName.
type imageServiceServer interface {
	RequestImage(context.Context, *RequestImageRequest) (*RequestImageResponse, error)
	PollResult(context.Context, *PollResultRequest) (*PollResultResponse, error)
	GetSettings(context.Context, *GetSettingsRequest) (*SettingsResponse, error)
	UpdateSettings(context.Context, *UpdateSettingsRequest) (*SettingsResponse, error)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req, Resp any](name string, call func(imageServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(imageServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(imageServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*imageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestImage", Handler: unaryHandler("RequestImage", imageServiceServer.RequestImage)},
		{MethodName: "PollResult", Handler: unaryHandler("PollResult", imageServiceServer.PollResult)},
		{MethodName: "GetSettings", Handler: unaryHandler("GetSettings", imageServiceServer.GetSettings)},
		{MethodName: "UpdateSettings", Handler: unaryHandler("UpdateSettings", imageServiceServer.UpdateSettings)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memegen/v1/image_service",
}
