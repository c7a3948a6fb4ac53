// internal/source/file.go
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nxadm/tail"
)

// FileStreamer
// ------------------------------------------------------------
// 로컬(또는 mount 된) 파일을 "마지막 K 줄 + follow" 로 읽는다.
// 원격 장비 로그를 NFS/sshfs 로 붙여 쓰는 경우나 개발 환경용.
//
// follow / reopen 은 nxadm/tail 에 맡긴다.
type FileStreamer struct {
	path      string
	tailLines int
}

// NewFileStreamer creates a streamer for path.
func NewFileStreamer(path string, tailLines int) *FileStreamer {
	return &FileStreamer{path: path, tailLines: tailLines}
}

func (f *FileStreamer) Describe() string { return "file://" + f.path }

// Connect 는 마지막 K 줄의 시작 위치를 찾은 뒤 그 지점부터 follow 를 시작한다.
func (f *FileStreamer) Connect(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	off, err := TailOffset(f.path, f.tailLines)
	if err != nil {
		return nil, err
	}

	t, err := tail.TailFile(f.path, tail.Config{
		Location:  &tail.SeekInfo{Offset: off, Whence: io.SeekStart},
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", f.path, err)
	}
	return &fileStream{t: t}, nil
}

type fileStream struct {
	t         *tail.Tail
	closeOnce sync.Once
}

// Recv 는 한 줄을 "\n" 을 붙인 원시 바이트로 돌려준다.
func (s *fileStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ln, ok := <-s.t.Lines:
		if !ok {
			if err := s.t.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSessionEnded, err)
			}
			return nil, ErrSessionEnded
		}
		if ln.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionEnded, ln.Err)
		}
		b := make([]byte, 0, len(ln.Text)+1)
		b = append(b, ln.Text...)
		return append(b, '\n'), nil
	}
}

func (s *fileStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.t.Stop()
		s.t.Cleanup()
	})
	return nil
}

// TailOffset
//
// 파일에서 마지막 k 줄이 시작하는 byte offset 을 찾는다 (tail -n k 와 같은 기준).
// 끝에서부터 chunk 단위로 거꾸로 읽으며 '\n' 을 센다.
// 마지막 줄이 '\n' 으로 끝나지 않아도 한 줄로 센다.
func TailOffset(path string, k int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %v", ErrSessionEnded, err)
		}
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}
	if k <= 0 {
		return size, nil
	}

	const chunk = 8 * 1024
	buf := make([]byte, chunk)

	// 마지막 바이트가 '\n' 이면 그 줄바꿈은 세지 않는다
	need := k
	end := size
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		end = size - 1
	}

	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		b := buf[:n]
		for {
			i := bytes.LastIndexByte(b, '\n')
			if i < 0 {
				break
			}
			need--
			if need == 0 {
				return start + int64(i) + 1, nil
			}
			b = b[:i]
		}
		end = start
	}
	return 0, nil
}
