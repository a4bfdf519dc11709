package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"geneva-ingest/internal/archive"
	"geneva-ingest/internal/config"
	"geneva-ingest/internal/geneva"
	"geneva-ingest/internal/logger"
	"geneva-ingest/internal/metrics"
	"geneva-ingest/internal/server"
	"geneva-ingest/internal/worker"

	zlog "github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// 컨테이너 CPU quota 가 작을 때 GOMAXPROCS 를 호스트 코어 수로 두면
	// 스케줄링 경합으로 오히려 느려진다. env 로 재정의 가능, 기본 1.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	// ====================================================================
	// Config / Logger / Metrics
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	gcfg, err := cfg.Geneva()
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid geneva config")
	}

	// ====================================================================
	// Geneva client (auth → ingestion info → uploader)
	// ====================================================================
	//
	// 인증/GCS 조회는 첫 업로드 때 lazy 하게 일어난다. 시작 시점에 GCS 가
	// 잠깐 불안정해도 수신은 받아두고 DLQ 로 넘길 수 있다.
	// ====================================================================
	client, err := geneva.New(gcfg,
		geneva.WithLogger(logger.Component("geneva")),
		geneva.WithMetrics(m),
	)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create geneva client")
	}

	ctx := context.Background()
	sink, err := archive.New(ctx, cfg, m)
	if err != nil {
		zlog.Fatal().Err(err).Str("kind", cfg.ArchiveKind).Msg("failed to create archive sink")
	}

	// ====================================================================
	// Manager (batching + upload + DLQ)
	// ====================================================================
	mgr, err := worker.NewManager(cfg, m, client, sink)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create worker manager")
	}
	mgr.Start()

	// ====================================================================
	// OTLP 수신기
	// ====================================================================
	//
	// HTTP:
	//  - /v1/logs, /v1/traces : OTLP/HTTP protobuf
	//  - /metrics : 운영 지표
	//  - /health  : LB health check
	//
	// gRPC (GRPC_ADDR 가 있을 때만):
	//  - LogsService/Export, TraceService/Export
	// ====================================================================
	h := server.NewHandler(cfg, m, mgr)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		ln, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			zlog.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc listen failed")
		}
		grpcSrv = server.NewGRPCServer(h)
		go func() {
			zlog.Info().Str("addr", cfg.GRPCAddr).Msg("otlp grpc listening")
			if err := grpcSrv.Serve(ln); err != nil {
				zlog.Error().Err(err).Msg("grpc server terminated")
			}
		}()
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM 수신 시:
	//   1. 수신기 먼저 멈춤 (더 이상 요청 받지 않음)
	//   2. Manager 종료: 큐에 남은 레코드 업로드, 제한 시간 넘으면 DLQ 로
	// ====================================================================
	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		zlog.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("http shutdown")
		}
		cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}

		zlog.Info().Msg("stopping worker manager")
		ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
		mgr.Shutdown(ctx)
		cancel()
	}()

	zlog.Info().
		Str("addr", cfg.HTTPAddr).
		Str("endpoint", cfg.GenevaEndpoint).
		Str("archive", sink.Name()).
		Msg("geneva ingest server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zlog.Fatal().Err(err).Msg("http server terminated")
	}

	<-idleClosed
	zlog.Info().Msg("shutdown complete")
}
