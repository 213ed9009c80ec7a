package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/codegen-proxy/pkg/resilience"
	"github.com/abdhe/codegen-proxy/pkg/upstream"
)

// CodeGenServiceName is the fully qualified gRPC service name.
const CodeGenServiceName = "codegen.v1.CodeGen"

var requestIDKey = strings.ToLower(upstream.HeaderRequestID)

// CodeGenServer is the server API for the CodeGen service. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the REST API.
type CodeGenServer interface {
	Generate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ModelInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// CodeGenServiceDesc describes the CodeGen service for grpc.Server.
var CodeGenServiceDesc = grpc.ServiceDesc{
	ServiceName: CodeGenServiceName,
	HandlerType: (*CodeGenServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Generate", Handler: generateHandler},
		{MethodName: "ModelInfo", Handler: modelInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "codegen/v1/codegen.proto",
}

func generateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CodeGenServer).Generate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + CodeGenServiceName + "/Generate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CodeGenServer).Generate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func modelInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CodeGenServer).ModelInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + CodeGenServiceName + "/ModelInfo"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CodeGenServer).ModelInfo(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// grpcHandler implements CodeGenServer on top of Service.
type grpcHandler struct {
	svc *Service
}

func (h *grpcHandler) Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GenerateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	resp, err := h.svc.Generate(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

func (h *grpcHandler) ModelInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp, err := h.svc.ModelInfo(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// NewGRPCServer builds a server with the CodeGen, health and reflection
// services registered. hs may be shared with a breaker hook; see HealthHook.
func NewGRPCServer(svc *Service, hs *health.Server, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hs == nil {
		hs = health.NewServer()
	}

	base := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),  // 4MB
		grpc.MaxSendMsgSize(16 * 1024 * 1024), // 16MB
		grpc.ChainUnaryInterceptor(unaryInterceptor(logger.Named("grpc"))),
	}
	srv := grpc.NewServer(append(base, opts...)...)

	srv.RegisterService(&CodeGenServiceDesc, &grpcHandler{svc: svc})
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv) // Enable gRPC reflection for grpcurl

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(CodeGenServiceName, healthpb.HealthCheckResponse_SERVING)
	return srv
}

// HealthHook returns a breaker transition hook that reports NOT_SERVING
// while the breaker is open. Notifications may arrive out of order, so the
// hook ignores the transition and publishes the live state read from state.
func HealthHook(hs *health.Server, state func() resilience.CircuitState) func(from, to resilience.CircuitState) {
	var mu sync.Mutex
	return func(_, _ resilience.CircuitState) {
		mu.Lock()
		defer mu.Unlock()

		st := healthpb.HealthCheckResponse_SERVING
		if state() == resilience.StateOpen {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(CodeGenServiceName, st)
	}
}

// unaryInterceptor propagates the request ID and logs every call.
func unaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDKey); len(vals) > 0 {
				id = vals[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, id))
		ctx = upstream.WithRequestID(ctx, id)

		resp, err := handler(ctx, req)

		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("request_id", id),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil && code != codes.InvalidArgument {
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Info("grpc call", fields...)
		}
		return resp, err
	}
}

// toStatus maps service errors onto gRPC status codes.
func toStatus(err error) error {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	switch upstream.KindOf(err) {
	case upstream.KindCircuitOpen, upstream.KindTransport, upstream.KindShutdown:
		return status.Error(codes.Unavailable, err.Error())
	case upstream.KindTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case upstream.KindCanceled:
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStruct(in *structpb.Struct, out any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
