package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lucap123/machine-auth-service/internal/application"
	"github.com/lucap123/machine-auth-service/internal/domain"
)

// LicenseInternalService is the contract other services in the deployment
// call over gRPC. Requests and responses travel as structpb values so the
// service stays decoupled from a generated contract module.
type LicenseInternalService interface {
	ValidateToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMachineStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type LicenseInternalServer struct {
	service *application.Service
}

func NewLicenseInternalServer(service *application.Service) *LicenseInternalServer {
	return &LicenseInternalServer{service: service}
}

func Register(server grpc.ServiceRegistrar, svc LicenseInternalService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "machineauth.v1.LicenseInternalService",
		HandlerType: (*LicenseInternalService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "ValidateToken",
				Handler:    validateTokenHandler(svc),
			},
			{
				MethodName: "GetMachineStatus",
				Handler:    getMachineStatusHandler(svc),
			},
		},
		Streams: []grpc.StreamDesc{},
	}, svc)
}

func (s *LicenseInternalServer) ValidateToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "token")
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "missing token")
	}

	claims, err := s.service.ValidateLicenseToken(ctx, token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	resp, err := structpb.NewStruct(map[string]any{
		"valid":      true,
		"machine_id": claims.MachineID,
		"record_id":  claims.RecordID,
		"expires_at": claims.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func (s *LicenseInternalServer) GetMachineStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	machineID := stringField(req, "machine_id")
	if machineID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing machine_id")
	}

	st, err := s.service.MachineStatus(ctx, machineID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return nil, status.Error(codes.NotFound, "machine not found")
		case errors.Is(err, domain.ErrInvalidInput):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		default:
			return nil, status.Error(codes.Internal, "internal error")
		}
	}

	resp, err := structpb.NewStruct(map[string]any{
		"machine_id": st.MachineID,
		"status":     st.Status,
		"is_expired": st.IsExpired,
		"expires_at": st.ExpiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func stringField(req *structpb.Struct, name string) string {
	v := req.GetFields()[name]
	if v == nil {
		return ""
	}
	return v.GetStringValue()
}

func validateTokenHandler(svc LicenseInternalService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return unaryStructHandler(svc.ValidateToken, "/machineauth.v1.LicenseInternalService/ValidateToken")
}

func getMachineStatusHandler(svc LicenseInternalService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return unaryStructHandler(svc.GetMachineStatus, "/machineauth.v1.LicenseInternalService/GetMachineStatus")
}

func unaryStructHandler(
	method func(context.Context, *structpb.Struct) (*structpb.Struct, error),
	fullMethod string,
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return method(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
