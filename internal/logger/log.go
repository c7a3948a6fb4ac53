// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"minerstream/internal/config"
)

// Init
//
// 프로세스 시작 시 한 번 호출한다.
//
//  1. 출력 형식:
//     - LOG_PRETTY=true: 터미널용 컬러 텍스트 (장비 옆에서 직접 띄울 때)
//     - 그 외: JSON lines (journald, docker log driver 수집용)
//
//  2. 모든 로그에 "service", "instance" 를 붙인다.
//
//  3. LOG_SAMPLE_N > 1 이면 Debug/Info 는 N 개 중 1 개만 남긴다.
//     Warn/Error 는 샘플링하지 않는다. 재접속 루프의 에러가 빠지면 안 되기 때문.
//
//  4. 표준 log 패키지 출력도 zerolog 로 돌린다 (SDK, net/http 내부 로그).
func Init(cfg config.Config) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	zlog.Logger = New(cfg, output(cfg.LogPretty), level)

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 w 로 쓰는 logger 를 만든다. Init 과 테스트가 같이 사용한다.
func New(cfg config.Config, w io.Writer, level zerolog.Level) zerolog.Logger {
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}

func output(pretty bool) io.Writer {
	if pretty {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	return os.Stdout
}

// Component 는 전역 logger 에 component 필드를 붙인 자식 logger.
func Component(name string) zerolog.Logger {
	return zlog.With().Str("component", name).Logger()
}
