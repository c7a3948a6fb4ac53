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

	"github.com/rs/zerolog/log"

	"minerstream/internal/broadcast"
	"minerstream/internal/config"
	"minerstream/internal/logger"
	"minerstream/internal/metrics"
	"minerstream/internal/mirror"
	"minerstream/internal/sequence"
	"minerstream/internal/server"
	"minerstream/internal/source"
	"minerstream/internal/worker"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// 채굴 장비 옆의 작은 박스(라즈베리파이, 저사양 VM)에서 돌리는 경우가 많다.
	// ingestion goroutine 하나 + 구독자 수만큼의 delivery goroutine 이라
	// 코어를 많이 쓰지 않는다. GOMAXPROCS 환경변수로만 조정한다.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	}

	// ====================================================================
	// Config & Logger & Metrics
	// ====================================================================
	//
	// 우선순위: 기본값 < TOML(--config / CONFIG_FILE) < 환경변수 < CLI flag
	// 설정이 잘못되었으면 바로 종료한다. 잘못된 설정으로 재접속 루프를 도는 것보다 낫다.
	// ====================================================================
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Init(config.Default())
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg)
	m := metrics.New()

	// ====================================================================
	// Mirror & Sequence
	// ====================================================================
	//
	// mirror 모드에서는 다른 프로세스가 파일의 주인이므로 읽기 전용으로 연다.
	// 그 외 모드에서는 이 프로세스가 유일한 writer.
	// 시작 시 기존 mirror 내용을 한 번 읽어 cursor 를 복원한다.
	// ====================================================================
	var mir *mirror.Mirror
	if cfg.SourceMode == config.ModeMirror {
		mir = mirror.OpenReadOnly(cfg.MirrorPath)
	} else {
		mir, err = mirror.Open(cfg.MirrorPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.MirrorPath).Msg("cannot open mirror")
		}
	}

	seq := sequence.New(mir, m)
	if cfg.SourceMode != config.ModeMirror {
		n, err := seq.Sync()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot load mirror")
		}
		log.Info().Int("records", n).Str("path", cfg.MirrorPath).Msg("mirror loaded")
	}

	// ====================================================================
	// Source & Ingestion Manager
	// ====================================================================
	deps := worker.Deps{Mirror: mir, Sequence: seq, Metrics: m}
	if err := buildSource(cfg, &deps); err != nil {
		log.Fatal().Err(err).Str("mode", cfg.SourceMode).Msg("cannot build source")
	}

	mgr := worker.NewManager(cfg, deps)
	mgr.Start()

	// ====================================================================
	// HTTP
	// ====================================================================
	//
	//  - /init, /new, /export, /status, /metrics, /health : 짧은 요청
	//  - /stream, /ws : 장시간 연결. 핸들러에서 write deadline 을 해제한다
	// ====================================================================
	b := broadcast.New(seq, m, cfg.SubscriberPoll, cfg.HeartbeatInterval)
	h := server.NewHandler(cfg, m, seq, b, mgr)

	// 스트림 핸들러는 idle 이 되지 않으므로 Shutdown 시작 시 context 로 끊는다
	baseCtx, cancelStreams := context.WithCancel(context.Background())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       8 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM/SIGINT 수신 시:
	//   1) HTTP 종료 (구독 세션 정리)
	//   2) ingestion 종료 (upstream 세션 close, spool 마지막 flush)
	//   3) mirror close
	// ====================================================================
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("mode", cfg.SourceMode).
		Int64("cursor", seq.Count()).
		Msg("minerstream listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("http server terminated")
	} else {
		<-done
	}

	log.Info().Msg("stopping ingestion")
	mgr.Shutdown()
	if err := mir.Close(); err != nil {
		log.Warn().Err(err).Msg("mirror close")
	}
	log.Info().Msg("shutdown complete")
}

// buildSource 는 SOURCE_MODE 에 맞는 upstream 을 deps 에 채운다.
// mirror 모드는 아무것도 채우지 않는다 (Manager 가 follow 로 동작).
func buildSource(cfg config.Config, deps *worker.Deps) error {
	switch cfg.SourceMode {
	case config.ModeSSH:
		st, err := source.NewSSHStreamer(source.SSHConfig{
			Addr:           cfg.SSHAddr,
			User:           cfg.SSHUser,
			Password:       cfg.SSHPassword,
			KeyFile:        cfg.SSHKeyFile,
			KnownHostsFile: cfg.SSHKnownHosts,
			RemotePath:     cfg.RemoteLog,
			TailLines:      cfg.TailLines,
			ConnectTimeout: cfg.ConnectTimeout,
		})
		if err != nil {
			return err
		}
		deps.Streamer = st

	case config.ModeFile:
		deps.Streamer = source.NewFileStreamer(cfg.SourceFile, cfg.TailLines)

	case config.ModeS3:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ref, err := source.NewS3Refresher(ctx, source.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Key:       cfg.S3Key,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Timeout:   cfg.ConnectTimeout,
			Retries:   cfg.S3Retries,
		})
		if err != nil {
			return err
		}
		deps.Refresher = ref
	}
	return nil
}
