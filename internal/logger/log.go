// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"geneva-ingest/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번 호출해서 전역 zerolog 로거를 구성한다.
//
//  1. 포맷: LOG_PRETTY=true 면 콘솔용 컬러 텍스트, 아니면 JSON (수집 파이프라인용)
//  2. 공통 필드: service / instance / account / namespace 가 모든 로그에 붙는다.
//     여러 Geneva 계정으로 보내는 인스턴스가 섞여 있어도 바로 구분된다.
//  3. 샘플링: LOG_SAMPLE_N > 1 이면 Debug/Info 는 N 개 중 1 개만 남긴다.
//     Warn/Error 는 샘플링하지 않는다.
//
// 토큰, 인증서 비밀번호, 업로드 payload 는 어떤 레벨에서도 찍지 않는다.
func Init(cfg config.Config) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stdout
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	zlog.Logger = build(w, level, cfg)

	// 표준 log 패키지 출력도 zerolog 로
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

func build(w io.Writer, level zerolog.Level, cfg config.Config) zerolog.Logger {
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Str("account", cfg.GenevaAccount).
		Str("namespace", cfg.GenevaNamespace).
		Logger()

	if cfg.LogSampleN <= 1 {
		return base
	}
	return base.Sample(&zerolog.LevelSampler{
		DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
		InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
	})
}

// Component 는 전역 로거에 component 필드를 붙인 사본.
// 라이브러리 패키지(geneva, uploader 등)에 WithLogger 로 주입할 때 쓴다.
func Component(name string) zerolog.Logger {
	return zlog.Logger.With().Str("component", name).Logger()
}
