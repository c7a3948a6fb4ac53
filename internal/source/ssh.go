// internal/source/ssh.go
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"minerstream/internal/pool"
)

// SSHConfig 는 원격 장비 접속 정보.
type SSHConfig struct {
	Addr           string
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	RemotePath     string
	TailLines      int
	ConnectTimeout time.Duration
}

// SSHStreamer
// ------------------------------------------------------------
// 원격 장비에 SSH 로 접속해서 "tail -n K -F <path>" 를 실행하고
// stdout 을 그대로 흘려보낸다.
//
// 명령은 연결마다 한 번만 실행한다. 같은 세션에서 다시 실행하면
// 히스토리 K 줄이 한 번 더 오기 때문이다.
type SSHStreamer struct {
	cfg     SSHConfig
	addr    string
	command string
	client  *ssh.ClientConfig
}

// NewSSHStreamer 는 인증 수단을 준비한다. 키 파일을 읽지 못하면 에러.
func NewSSHStreamer(cfg SSHConfig) (*SSHStreamer, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no password or key configured")
	}

	var hostKey ssh.HostKeyCallback
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Warn().Str("addr", cfg.Addr).Msg("ssh: SSH_KNOWN_HOSTS not set, host key is not verified")
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	return &SSHStreamer{
		cfg:     cfg,
		addr:    NormalizeAddr(cfg.Addr, 22),
		command: TailCommand(cfg.RemotePath, cfg.TailLines),
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         cfg.ConnectTimeout,
		},
	}, nil
}

// Describe returns a log-friendly origin name.
func (s *SSHStreamer) Describe() string {
	return "ssh://" + s.cfg.User + "@" + s.addr + s.cfg.RemotePath
}

// Connect
//
// TCP 접속 + SSH handshake + 명령 실행까지를 ConnectTimeout 안에 끝낸다.
// 중간에 실패하면 이미 연 핸들은 모두 닫고 반환한다.
func (s *SSHStreamer) Connect(ctx context.Context) (Stream, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(cctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr, err)
	}

	// handshake 는 ctx 를 받지 않으므로 deadline 으로 묶는다
	if dl, ok := cctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.client)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	if err := sess.Start(s.command); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh start %q: %w", s.command, err)
	}

	st := &sshStream{
		client:  client,
		session: sess,
		chunks:  make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	go st.pump(stdout)
	return st, nil
}

// sshStream 은 stdout 을 별도 goroutine 에서 읽어 chunks 로 넘긴다.
// Recv 가 ctx 취소에 바로 반응할 수 있게 하기 위함.
type sshStream struct {
	client  *ssh.Client
	session *ssh.Session

	chunks chan []byte
	done   chan struct{}
	err    error // done 이 닫힌 뒤에만 읽는다

	closeOnce sync.Once
}

func (st *sshStream) pump(r io.Reader) {
	bp := pool.ChunkPool.Get().(*[]byte)
	defer pool.ChunkPool.Put(bp)
	buf := *bp

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case st.chunks <- chunk:
			case <-st.done:
				return
			}
		}
		if err != nil {
			st.finish(err)
			return
		}
	}
}

// finish 는 stdout 이 끝난 이유를 기록한다.
// EOF 면 원격 명령의 종료 상태를 Wait 로 확인한다.
func (st *sshStream) finish(readErr error) {
	var cause error
	if errors.Is(readErr, io.EOF) {
		if werr := st.session.Wait(); werr != nil {
			cause = fmt.Errorf("%w: remote exit: %v", ErrSessionEnded, werr)
		} else {
			cause = fmt.Errorf("%w: remote command finished", ErrSessionEnded)
		}
	} else {
		cause = fmt.Errorf("%w: %v", ErrSessionEnded, readErr)
	}
	st.closeOnce.Do(func() {
		st.err = cause
		close(st.done)
	})
}

func (st *sshStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-st.chunks:
		return b, nil
	case <-st.done:
		// 이미 받아 둔 chunk 를 먼저 비운다
		select {
		case b := <-st.chunks:
			return b, nil
		default:
		}
		return nil, st.err
	}
}

func (st *sshStream) Close() error {
	st.closeOnce.Do(func() {
		st.err = fmt.Errorf("%w: closed", ErrSessionEnded)
		close(st.done)
	})
	// 두 번째 호출 이후의 에러는 의미 없다
	_ = st.session.Close()
	_ = st.client.Close()
	return nil
}

// NormalizeAddr 는 port 가 없으면 defaultPort 를 붙인다.
func NormalizeAddr(addr string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(defaultPort))
}

// TailCommand 는 "마지막 k 줄 + follow" 원격 명령을 만든다.
// -F 는 로그 rotation 으로 파일이 바뀌어도 다시 연다.
func TailCommand(path string, k int) string {
	if k < 0 {
		k = 0
	}
	return fmt.Sprintf("tail -n %d -F %s", k, ShellQuote(path))
}

// ShellQuote 는 POSIX sh 에서 안전한 single-quote 문자열을 만든다.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
