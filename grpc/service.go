package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/maxpert/marmot-restore/coordination"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "marmot.restore.Coordination"

type ReportStageRequest struct {
	Host    string `msgpack:"host"`
	Stage   string `msgpack:"stage"`
	Message string `msgpack:"message"`
}

type ReportStageResponse struct{}

type WaitStageRequest struct {
	Host      string `msgpack:"host"`
	Stage     string `msgpack:"stage"`
	TimeoutMS int64  `msgpack:"timeout_ms"`
}

// WaitStageResponse carries the outcomes of a wait the caller must tell apart
type WaitStageResponse struct {
	FailedHost    string   `msgpack:"failed_host,omitempty"`
	FailedMessage string   `msgpack:"failed_message,omitempty"`
	TimedOut      bool     `msgpack:"timed_out,omitempty"`
	Waiting       []string `msgpack:"waiting,omitempty"`
}

type AgreeIdentifierRequest struct {
	Key      string `msgpack:"key"`
	Proposed string `msgpack:"proposed"`
}

type AgreeIdentifierResponse struct {
	Agreed string `msgpack:"agreed"`
}

type ClaimCreateRequest struct {
	Host string `msgpack:"host"`
	Key  string `msgpack:"key"`
}

type ClaimCreateResponse struct {
	Owner bool `msgpack:"owner"`
}

type FinishCreateRequest struct {
	Key        string `msgpack:"key"`
	ErrMessage string `msgpack:"err_message"`
}

type FinishCreateResponse struct{}

type AwaitCreateRequest struct {
	Key       string `msgpack:"key"`
	TimeoutMS int64  `msgpack:"timeout_ms"`
}

type AwaitCreateResponse struct {
	ErrMessage string `msgpack:"err_message"`
}

type ReportsRequest struct{}

type ReportsResponse struct {
	Reports []coordination.StageReport `msgpack:"reports"`
}

// CoordinationServer serves the shared state of a restore to remote hosts
type CoordinationServer interface {
	ReportStage(context.Context, *ReportStageRequest) (*ReportStageResponse, error)
	WaitStage(context.Context, *WaitStageRequest) (*WaitStageResponse, error)
	AgreeIdentifier(context.Context, *AgreeIdentifierRequest) (*AgreeIdentifierResponse, error)
	ClaimCreate(context.Context, *ClaimCreateRequest) (*ClaimCreateResponse, error)
	FinishCreate(context.Context, *FinishCreateRequest) (*FinishCreateResponse, error)
	AwaitCreate(context.Context, *AwaitCreateRequest) (*AwaitCreateResponse, error)
	Reports(context.Context, *ReportsRequest) (*ReportsResponse, error)
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unaryMethod builds the descriptor of one unary RPC the way generated code does
func unaryMethod[Req any, Resp any](name string, call func(CoordinationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CoordinationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CoordinationServiceDesc describes the coordination service
var CoordinationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CoordinationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ReportStage", CoordinationServer.ReportStage),
		unaryMethod("WaitStage", CoordinationServer.WaitStage),
		unaryMethod("AgreeIdentifier", CoordinationServer.AgreeIdentifier),
		unaryMethod("ClaimCreate", CoordinationServer.ClaimCreate),
		unaryMethod("FinishCreate", CoordinationServer.FinishCreate),
		unaryMethod("AwaitCreate", CoordinationServer.AwaitCreate),
		unaryMethod("Reports", CoordinationServer.Reports),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordination",
}

// RegisterCoordinationServer registers srv on s
func RegisterCoordinationServer(s grpc.ServiceRegistrar, srv CoordinationServer) {
	s.RegisterService(&CoordinationServiceDesc, srv)
}

// HubBackend is the hub state exposed over gRPC
type HubBackend interface {
	coordination.Backend
	Reports() []coordination.StageReport
}

// hubService adapts a hub to CoordinationServer
type hubService struct {
	hub HubBackend
}

// NewHubService serves hub to remote hosts
func NewHubService(hub HubBackend) CoordinationServer {
	return &hubService{hub: hub}
}

func (s *hubService) ReportStage(ctx context.Context, req *ReportStageRequest) (*ReportStageResponse, error) {
	if err := s.hub.ReportStage(ctx, req.Host, req.Stage, req.Message); err != nil {
		return nil, toStatus(err)
	}
	return &ReportStageResponse{}, nil
}

func (s *hubService) WaitStage(ctx context.Context, req *WaitStageRequest) (*WaitStageResponse, error) {
	err := s.hub.WaitStage(ctx, req.Host, req.Stage, msDuration(req.TimeoutMS))

	var failed *coordination.HostFailedError
	var timeout *coordination.StageTimeoutError
	switch {
	case err == nil:
		return &WaitStageResponse{}, nil
	case errors.As(err, &failed):
		return &WaitStageResponse{FailedHost: failed.Host, FailedMessage: failed.Message}, nil
	case errors.As(err, &timeout):
		return &WaitStageResponse{TimedOut: true, Waiting: timeout.Waiting}, nil
	default:
		return nil, toStatus(err)
	}
}

func (s *hubService) AgreeIdentifier(ctx context.Context, req *AgreeIdentifierRequest) (*AgreeIdentifierResponse, error) {
	agreed, err := s.hub.AgreeIdentifier(ctx, req.Key, req.Proposed)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AgreeIdentifierResponse{Agreed: agreed}, nil
}

func (s *hubService) ClaimCreate(ctx context.Context, req *ClaimCreateRequest) (*ClaimCreateResponse, error) {
	owner, err := s.hub.ClaimCreate(ctx, req.Host, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ClaimCreateResponse{Owner: owner}, nil
}

func (s *hubService) FinishCreate(ctx context.Context, req *FinishCreateRequest) (*FinishCreateResponse, error) {
	if err := s.hub.FinishCreate(ctx, req.Key, req.ErrMessage); err != nil {
		return nil, toStatus(err)
	}
	return &FinishCreateResponse{}, nil
}

func (s *hubService) AwaitCreate(ctx context.Context, req *AwaitCreateRequest) (*AwaitCreateResponse, error) {
	message, err := s.hub.AwaitCreate(ctx, req.Key, msDuration(req.TimeoutMS))
	if err != nil {
		return nil, toStatus(err)
	}
	return &AwaitCreateResponse{ErrMessage: message}, nil
}

func (s *hubService) Reports(ctx context.Context, req *ReportsRequest) (*ReportsResponse, error) {
	return &ReportsResponse{Reports: s.hub.Reports()}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
