// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

// Source 모드
const (
	ModeSSH    = "ssh"    // 원격 장비 tail -F (incremental)
	ModeFile   = "file"   // 로컬/mount 파일 tail -F (incremental)
	ModeS3     = "s3"     // object 전체 주기적 refresh (bulk)
	ModeMirror = "mirror" // 다른 프로세스가 쓰는 mirror 를 따라가기만 함
)

// Config
//
// 서비스 실행 시 필요한 모든 설정 값을 보관하는 구조체.
// 프로세스 시작 시점에 Load() 로 한 번 만들어지고, 이후에는 변경되지 않는다.
//
// 우선순위: 기본값 < TOML 파일 < 환경 변수 < CLI flag
type Config struct {

	// ---------------------------
	// Source (upstream)
	// ---------------------------

	SourceMode string // ssh | file | s3 | mirror

	SSHAddr        string // host[:port], port 없으면 22
	SSHUser        string
	SSHPassword    string
	SSHKeyFile     string
	SSHKnownHosts  string // 비어 있으면 host key 검증 안 함 (경고 로그)
	RemoteLog      string // 원격 로그 경로
	TailLines      int    // 접속 시 다시 받는 마지막 K 줄
	SourceFile     string // file 모드 대상 경로
	ConnectTimeout time.Duration

	S3Region    string
	S3Bucket    string
	S3Key       string
	S3Endpoint  string
	S3PathStyle bool
	S3Retries   int // 한 번의 refresh 안에서의 재시도 (SDK retry 는 항상 0)

	// ---------------------------
	// Ingestion
	// ---------------------------

	MirrorPath     string
	PollInterval   time.Duration // bulk refresh 주기
	ReconnectDelay time.Duration // BACKOFF 대기
	ReplayWindow   time.Duration // 재접속 직후 중복 제거 창이 닫히는 idle 시간
	SpoolMaxBytes  int64         // mirror 쓰기 실패 시 메모리에 들고 있을 최대 바이트
	SpillDir       string        // 종료 시 남은 spool 을 저장할 디렉토리. 비어 있으면 저장 안 함

	// ---------------------------
	// HTTP / 구독자
	// ---------------------------

	HTTPAddr          string
	SnapshotSize      int
	SubscriberPoll    time.Duration
	HeartbeatInterval time.Duration

	// ---------------------------
	// 로깅 / 식별자
	// ---------------------------

	LogLevel    string
	LogPretty   bool
	LogSampleN  uint32
	ServiceName string
	InstanceID  string // hostname, 실패 시 랜덤 hex
}

// Default 는 모든 항목의 기본값을 채운 Config 를 반환한다.
func Default() Config {
	return Config{
		SourceMode:     ModeSSH,
		SSHUser:        "root",
		RemoteLog:      "/var/log/bllcmon.log",
		TailLines:      90,
		ConnectTimeout: 10 * time.Second,
		S3Retries:      3,

		MirrorPath:     "data/bllcmon.log",
		PollInterval:   2 * time.Second,
		ReconnectDelay: 5 * time.Second,
		ReplayWindow:   2 * time.Second,
		SpoolMaxBytes:  64 << 20,
		SpillDir:       "data/spill",

		HTTPAddr:          "0.0.0.0:8080",
		SnapshotSize:      180,
		SubscriberPoll:    2 * time.Second,
		HeartbeatInterval: 15 * time.Second,

		LogLevel:    "info",
		LogSampleN:  1,
		ServiceName: "minerstream",
		InstanceID:  fallbackInstanceID(),
	}
}

// Load
//
// args(보통 os.Args[1:])와 환경 변수로 Config 를 만든다.
// 형식이 잘못된 값이나 모드와 맞지 않는 설정은 에러로 돌려준다 (main 에서 fail-fast).
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("minerstream", pflag.ContinueOnError)
	f := bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// flag 값은 bindFlags 가 cfg 에 바로 써넣었으므로,
	// 파일/환경 변수를 적용한 뒤 바뀐 flag 만 다시 덮어쓴다.
	flagged := cfg

	path := os.Getenv("CONFIG_FILE")
	if fs.Changed("config") {
		path = *f.configPath
	}
	cfg = Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	applyChangedFlags(fs, &cfg, flagged)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 는 모드별 필수 값과 범위를 검사한다.
func (c Config) Validate() error {
	var errs []error
	switch c.SourceMode {
	case ModeSSH:
		if c.SSHAddr == "" {
			errs = append(errs, errors.New("SSH_ADDR is required in ssh mode"))
		}
		if c.SSHPassword == "" && c.SSHKeyFile == "" {
			errs = append(errs, errors.New("SSH_PASSWORD or SSH_KEY_FILE is required in ssh mode"))
		}
		if c.RemoteLog == "" {
			errs = append(errs, errors.New("REMOTE_LOG is empty"))
		}
	case ModeFile:
		if c.SourceFile == "" {
			errs = append(errs, errors.New("SOURCE_FILE is required in file mode"))
		}
	case ModeS3:
		if c.S3Bucket == "" || c.S3Key == "" {
			errs = append(errs, errors.New("S3_BUCKET and S3_KEY are required in s3 mode"))
		}
		if c.PollInterval <= 0 {
			errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
		}
	case ModeMirror:
	default:
		errs = append(errs, fmt.Errorf("unknown SOURCE_MODE %q", c.SourceMode))
	}

	if c.MirrorPath == "" {
		errs = append(errs, errors.New("MIRROR_PATH is empty"))
	}
	if c.TailLines < 0 {
		errs = append(errs, errors.New("TAIL_LINES must be >= 0"))
	}
	if c.SnapshotSize <= 0 {
		errs = append(errs, errors.New("SNAPSHOT_SIZE must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"CONNECT_TIMEOUT":    c.ConnectTimeout,
		"RECONNECT_DELAY":    c.ReconnectDelay,
		"SUBSCRIBER_POLL":    c.SubscriberPoll,
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"REPLAY_WINDOW":      c.ReplayWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.SpoolMaxBytes < 0 {
		errs = append(errs, errors.New("SPOOL_MAX_BYTES must be >= 0"))
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------
// CLI flags
// ---------------------------------------------------------------

type flagRefs struct {
	configPath *string
}

func bindFlags(fs *pflag.FlagSet, c *Config) flagRefs {
	var r flagRefs
	r.configPath = fs.String("config", "", "TOML config file")

	fs.StringVar(&c.SourceMode, "source", c.SourceMode, "source mode: ssh|file|s3|mirror")
	fs.StringVar(&c.SSHAddr, "ssh-addr", c.SSHAddr, "remote host[:port]")
	fs.StringVar(&c.SSHUser, "ssh-user", c.SSHUser, "remote user")
	fs.StringVar(&c.SSHKeyFile, "ssh-key", c.SSHKeyFile, "private key file")
	fs.StringVar(&c.SSHKnownHosts, "ssh-known-hosts", c.SSHKnownHosts, "known_hosts file")
	fs.StringVar(&c.RemoteLog, "remote-log", c.RemoteLog, "remote log path")
	fs.IntVar(&c.TailLines, "tail-lines", c.TailLines, "history lines requested on connect")
	fs.StringVar(&c.SourceFile, "source-file", c.SourceFile, "local file followed in file mode")

	fs.StringVar(&c.S3Region, "s3-region", c.S3Region, "S3 region")
	fs.StringVar(&c.S3Bucket, "s3-bucket", c.S3Bucket, "S3 bucket")
	fs.StringVar(&c.S3Key, "s3-key", c.S3Key, "S3 object key")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", c.S3Endpoint, "custom S3 endpoint")
	fs.BoolVar(&c.S3PathStyle, "s3-path-style", c.S3PathStyle, "use path-style S3 addressing")

	fs.StringVar(&c.MirrorPath, "mirror", c.MirrorPath, "local mirror path")
	fs.StringVar(&c.SpillDir, "spill-dir", c.SpillDir, "directory for lines left unwritten at shutdown")
	fs.StringVar(&c.HTTPAddr, "listen", c.HTTPAddr, "HTTP listen address")
	fs.IntVar(&c.SnapshotSize, "snapshot-size", c.SnapshotSize, "records returned by /init")
	fs.DurationVar(&c.SubscriberPoll, "subscriber-poll", c.SubscriberPoll, "subscriber poll interval")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "bulk refresh interval")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "delay before reconnecting")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "bound on one connect/fetch attempt")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.BoolVar(&c.LogPretty, "log-pretty", c.LogPretty, "human readable console logs")
	return r
}

// applyChangedFlags 는 명시적으로 지정된 flag 만 from 에서 cfg 로 복사한다.
func applyChangedFlags(fs *pflag.FlagSet, cfg *Config, from Config) {
	set := map[string]func(){
		"source":          func() { cfg.SourceMode = from.SourceMode },
		"ssh-addr":        func() { cfg.SSHAddr = from.SSHAddr },
		"ssh-user":        func() { cfg.SSHUser = from.SSHUser },
		"ssh-key":         func() { cfg.SSHKeyFile = from.SSHKeyFile },
		"ssh-known-hosts": func() { cfg.SSHKnownHosts = from.SSHKnownHosts },
		"remote-log":      func() { cfg.RemoteLog = from.RemoteLog },
		"tail-lines":      func() { cfg.TailLines = from.TailLines },
		"source-file":     func() { cfg.SourceFile = from.SourceFile },
		"s3-region":       func() { cfg.S3Region = from.S3Region },
		"s3-bucket":       func() { cfg.S3Bucket = from.S3Bucket },
		"s3-key":          func() { cfg.S3Key = from.S3Key },
		"s3-endpoint":     func() { cfg.S3Endpoint = from.S3Endpoint },
		"s3-path-style":   func() { cfg.S3PathStyle = from.S3PathStyle },
		"mirror":          func() { cfg.MirrorPath = from.MirrorPath },
		"spill-dir":       func() { cfg.SpillDir = from.SpillDir },
		"listen":          func() { cfg.HTTPAddr = from.HTTPAddr },
		"snapshot-size":   func() { cfg.SnapshotSize = from.SnapshotSize },
		"subscriber-poll": func() { cfg.SubscriberPoll = from.SubscriberPoll },
		"poll-interval":   func() { cfg.PollInterval = from.PollInterval },
		"reconnect-delay": func() { cfg.ReconnectDelay = from.ReconnectDelay },
		"connect-timeout": func() { cfg.ConnectTimeout = from.ConnectTimeout },
		"log-level":       func() { cfg.LogLevel = from.LogLevel },
		"log-pretty":      func() { cfg.LogPretty = from.LogPretty },
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := set[f.Name]; ok {
			apply()
		}
	})
}

// ---------------------------------------------------------------
// TOML file
// ---------------------------------------------------------------

// fileConfig 는 TOML 파일 형식. duration 은 "5s" 같은 문자열로 쓴다.
// 비어 있는(zero) 값은 적용하지 않는다.
type fileConfig struct {
	Source struct {
		Mode           string `toml:"mode"`
		ConnectTimeout string `toml:"connect_timeout"`
		TailLines      *int   `toml:"tail_lines"`
		File           string `toml:"file"`
	} `toml:"source"`
	SSH struct {
		Addr       string `toml:"addr"`
		User       string `toml:"user"`
		Password   string `toml:"password"`
		KeyFile    string `toml:"key_file"`
		KnownHosts string `toml:"known_hosts"`
		RemoteLog  string `toml:"remote_log"`
	} `toml:"ssh"`
	S3 struct {
		Region    string `toml:"region"`
		Bucket    string `toml:"bucket"`
		Key       string `toml:"key"`
		Endpoint  string `toml:"endpoint"`
		PathStyle bool   `toml:"path_style"`
		Retries   int    `toml:"retries"`
	} `toml:"s3"`
	Ingest struct {
		Mirror         string `toml:"mirror"`
		PollInterval   string `toml:"poll_interval"`
		ReconnectDelay string `toml:"reconnect_delay"`
		ReplayWindow   string `toml:"replay_window"`
		SpoolMaxBytes  int64  `toml:"spool_max_bytes"`
		SpillDir       string `toml:"spill_dir"`
	} `toml:"ingest"`
	HTTP struct {
		Addr              string `toml:"addr"`
		SnapshotSize      int    `toml:"snapshot_size"`
		SubscriberPoll    string `toml:"subscriber_poll"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
	} `toml:"http"`
	Log struct {
		Level   string `toml:"level"`
		Pretty  bool   `toml:"pretty"`
		SampleN uint32 `toml:"sample_n"`
		Service string `toml:"service"`
	} `toml:"log"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setStr(&cfg.SourceMode, fc.Source.Mode)
	setStr(&cfg.SourceFile, fc.Source.File)
	if fc.Source.TailLines != nil {
		cfg.TailLines = *fc.Source.TailLines
	}

	setStr(&cfg.SSHAddr, fc.SSH.Addr)
	setStr(&cfg.SSHUser, fc.SSH.User)
	setStr(&cfg.SSHPassword, fc.SSH.Password)
	setStr(&cfg.SSHKeyFile, fc.SSH.KeyFile)
	setStr(&cfg.SSHKnownHosts, fc.SSH.KnownHosts)
	setStr(&cfg.RemoteLog, fc.SSH.RemoteLog)

	setStr(&cfg.S3Region, fc.S3.Region)
	setStr(&cfg.S3Bucket, fc.S3.Bucket)
	setStr(&cfg.S3Key, fc.S3.Key)
	setStr(&cfg.S3Endpoint, fc.S3.Endpoint)
	cfg.S3PathStyle = cfg.S3PathStyle || fc.S3.PathStyle
	if fc.S3.Retries > 0 {
		cfg.S3Retries = fc.S3.Retries
	}

	setStr(&cfg.MirrorPath, fc.Ingest.Mirror)
	setStr(&cfg.SpillDir, fc.Ingest.SpillDir)
	if fc.Ingest.SpoolMaxBytes > 0 {
		cfg.SpoolMaxBytes = fc.Ingest.SpoolMaxBytes
	}

	setStr(&cfg.HTTPAddr, fc.HTTP.Addr)
	if fc.HTTP.SnapshotSize > 0 {
		cfg.SnapshotSize = fc.HTTP.SnapshotSize
	}

	setStr(&cfg.LogLevel, fc.Log.Level)
	cfg.LogPretty = cfg.LogPretty || fc.Log.Pretty
	if fc.Log.SampleN > 0 {
		cfg.LogSampleN = fc.Log.SampleN
	}
	setStr(&cfg.ServiceName, fc.Log.Service)

	for _, d := range []struct {
		dst *time.Duration
		key string
		val string
	}{
		{&cfg.ConnectTimeout, "source.connect_timeout", fc.Source.ConnectTimeout},
		{&cfg.PollInterval, "ingest.poll_interval", fc.Ingest.PollInterval},
		{&cfg.ReconnectDelay, "ingest.reconnect_delay", fc.Ingest.ReconnectDelay},
		{&cfg.ReplayWindow, "ingest.replay_window", fc.Ingest.ReplayWindow},
		{&cfg.SubscriberPoll, "http.subscriber_poll", fc.HTTP.SubscriberPoll},
		{&cfg.HeartbeatInterval, "http.heartbeat_interval", fc.HTTP.HeartbeatInterval},
	} {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("config file %s: invalid duration %s=%q: %w", path, d.key, d.val, err)
		}
		*d.dst = v
	}
	return nil
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ---------------------------------------------------------------
// Environment
// ---------------------------------------------------------------

// applyEnv
//
// 설정된 환경 변수만 덮어쓴다. 형식 오류는 모아서 한 번에 반환한다.
// getenv 를 주입받는 이유는 테스트에서 프로세스 환경을 건드리지 않기 위함.
func applyEnv(cfg *Config, getenv func(string) string) error {
	e := envReader{get: getenv}

	e.str("SOURCE_MODE", &cfg.SourceMode)
	e.str("SSH_ADDR", &cfg.SSHAddr)
	e.str("SSH_USER", &cfg.SSHUser)
	e.str("SSH_PASSWORD", &cfg.SSHPassword)
	e.str("SSH_KEY_FILE", &cfg.SSHKeyFile)
	e.str("SSH_KNOWN_HOSTS", &cfg.SSHKnownHosts)
	e.str("REMOTE_LOG", &cfg.RemoteLog)
	e.integer("TAIL_LINES", &cfg.TailLines)
	e.str("SOURCE_FILE", &cfg.SourceFile)
	e.dur("CONNECT_TIMEOUT", &cfg.ConnectTimeout)

	e.str("S3_REGION", &cfg.S3Region)
	e.str("S3_BUCKET", &cfg.S3Bucket)
	e.str("S3_KEY", &cfg.S3Key)
	e.str("S3_ENDPOINT", &cfg.S3Endpoint)
	e.boolean("S3_PATH_STYLE", &cfg.S3PathStyle)
	e.integer("S3_APP_RETRIES", &cfg.S3Retries)

	e.str("MIRROR_PATH", &cfg.MirrorPath)
	e.dur("POLL_INTERVAL", &cfg.PollInterval)
	e.dur("RECONNECT_DELAY", &cfg.ReconnectDelay)
	e.dur("REPLAY_WINDOW", &cfg.ReplayWindow)
	e.integer64("SPOOL_MAX_BYTES", &cfg.SpoolMaxBytes)
	e.str("SPILL_DIR", &cfg.SpillDir)

	e.str("HTTP_ADDR", &cfg.HTTPAddr)
	e.integer("SNAPSHOT_SIZE", &cfg.SnapshotSize)
	e.dur("SUBSCRIBER_POLL", &cfg.SubscriberPoll)
	e.dur("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)

	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.boolean("LOG_PRETTY", &cfg.LogPretty)
	e.uinteger32("LOG_SAMPLE_N", &cfg.LogSampleN)
	e.str("SERVICE_NAME", &cfg.ServiceName)
	e.str("INSTANCE_ID", &cfg.InstanceID)

	return errors.Join(e.errs...)
}

type envReader struct {
	get  func(string) string
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.get(key))
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid env %s=%q: %w", key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) integer64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uinteger32(key string, dst *uint32) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = uint32(n)
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) dur(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// fallbackInstanceID
//
// 이 프로세스를 식별하는 고유 값.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
