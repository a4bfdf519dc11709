package server

import (
	"context"
	"sync/atomic"

	"geneva-ingest/internal/model"
	"geneva-ingest/internal/otlp"

	zlog "github.com/rs/zerolog/log"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewGRPCServer 는 OTLP/gRPC Logs / Trace 서비스를 등록한 서버를 만든다.
// HTTP 와 같은 Handler.accept 경로로 enqueue 한다.
func NewGRPCServer(h *Handler, opts ...grpc.ServerOption) *grpc.Server {
	if h.cfg.MaxBodySize > 0 {
		opts = append([]grpc.ServerOption{grpc.MaxRecvMsgSize(int(h.cfg.MaxBodySize))}, opts...)
	}
	s := grpc.NewServer(opts...)
	collogspb.RegisterLogsServiceServer(s, &logsService{h: h})
	coltracepb.RegisterTraceServiceServer(s, &traceService{h: h})
	return s
}

type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	h *Handler
}

func (s *logsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	if err := s.h.acceptGRPC(ctx, model.Item{Logs: otlp.LogRecords(req)}); err != nil {
		return nil, err
	}
	return &collogspb.ExportLogsServiceResponse{}, nil
}

type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	h *Handler
}

func (s *traceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if err := s.h.acceptGRPC(ctx, model.Item{Spans: otlp.Spans(req)}); err != nil {
		return nil, err
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

// acceptGRPC 는 큐가 가득 차면 ResourceExhausted (OTLP 클라이언트가 재시도하는 코드).
func (h *Handler) acceptGRPC(ctx context.Context, item model.Item) error {
	atomic.AddInt64(&h.metrics.RequestsTotal, 1)
	if !h.accept(item) {
		zlog.Debug().Str("peer", grpcPeerIP(ctx)).Int("records", item.Len()).Msg("queue full, export rejected")
		return status.Error(codes.ResourceExhausted, "ingest queue full")
	}
	return nil
}
