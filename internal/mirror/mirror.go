// internal/mirror/mirror.go
package mirror

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrClosed 는 Close 이후 쓰기를 시도했을 때 반환된다.
var ErrClosed = errors.New("mirror: closed")

// Mirror
// ------------------------------------------------------------
// 원격 장비 로그의 로컬 사본(append-only).
// 프로세스가 재시작되어도 살아남는 유일한 영속 상태이며,
// 파일 포맷은 원본 로그 그대로다 (pipe-delimited, 한 줄 = 한 레코드).
//
// 동시성 모델:
//   - writer 는 하나 (ingestion loop). Append / Replace 는 mu 로 직렬화
//   - reader 는 여럿 (sequence sync, export 등). 매번 파일을 새로 열어
//     [offset, Size()) 구간만 읽으므로 writer 를 막지 않는다
//   - Size() 는 fsync 가 끝난 뒤에만 증가한다 → reader 는 절대 반쯤 쓰인 바이트를 보지 않는다
//
// 이미 쓰인 바이트는 수정하지 않는다. 예외는 Replace (bulk refresh) 뿐이며,
// 이때는 temp 파일 + fsync + rename 으로 원자적으로 교체한다.
type Mirror struct {
	path     string
	readOnly bool

	mu     sync.Mutex
	file   *os.File
	closed bool

	// fsync 완료된 바이트 수 (writer 모드에서만 의미 있음)
	size atomic.Int64
}

// Open 은 writer 모드로 mirror 를 연다.
// 디렉토리가 없으면 만들고, 마지막 줄이 잘려 있으면(쓰기 도중 crash) 잘라낸다.
func Open(path string) (*Mirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	size, err := repairTail(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("repair mirror: %w", err)
	}

	m := &Mirror{path: path, file: f}
	m.size.Store(size)
	return m, nil
}

// OpenReadOnly 는 다른 프로세스가 쓰는 mirror 를 따라 읽기만 할 때 사용한다.
// 파일이 아직 없어도 에러가 아니다.
func OpenReadOnly(path string) *Mirror {
	return &Mirror{path: path, readOnly: true}
}

// Path returns the mirror file path.
func (m *Mirror) Path() string { return m.path }

// Size
//
// reader 가 안전하게 읽을 수 있는 바이트 수.
//   - writer 모드: fsync 완료된 크기
//   - read-only 모드: 현재 파일 크기 (없으면 0)
func (m *Mirror) Size() int64 {
	if !m.readOnly {
		return m.size.Load()
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Append 는 완결된 줄들(b)을 파일 끝에 붙이고 fsync 까지 끝낸 뒤 반환한다.
// 쓰기 도중 실패하면 이번에 쓴 부분을 잘라내 파일을 이전 상태로 되돌린다.
func (m *Mirror) Append(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if m.readOnly {
		return fmt.Errorf("mirror %s is read-only", m.path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if m.file == nil {
		f, err := os.OpenFile(m.path, os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("reopen mirror: %w", err)
		}
		m.file = f
	}

	prev := m.size.Load()
	if _, err := m.file.Write(b); err != nil {
		m.rollback(prev)
		return fmt.Errorf("append mirror: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		m.rollback(prev)
		return fmt.Errorf("sync mirror: %w", err)
	}

	m.size.Store(prev + int64(len(b)))
	return nil
}

// rollback 은 아직 공개되지 않은(Size 에 반영 안 된) 바이트를 버린다.
func (m *Mirror) rollback(size int64) {
	if err := m.file.Truncate(size); err != nil {
		log.Error().Err(err).Str("path", m.path).Msg("mirror rollback failed")
	}
}

// Replace
//
// bulk refresh 모드에서 전체 내용을 교체한다.
//  1. 같은 디렉토리에 temp 파일 작성 + fsync
//  2. rename 으로 원자적 교체
//  3. append 핸들을 새 파일로 다시 연다 (실패하면 다음 Append 가 연다)
//
// 교체 전에 파일을 열어둔 reader 는 이전 inode 를 끝까지 읽을 수 있다.
func (m *Mirror) Replace(b []byte) error {
	if m.readOnly {
		return fmt.Errorf("mirror %s is read-only", m.path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp mirror: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp mirror: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp mirror: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp mirror: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename mirror: %w", err)
	}

	// 여기부터 내용은 이미 교체됐다. 이전 핸들은 unlink 된 inode 를 가리킨다.
	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}
	m.size.Store(int64(len(b)))

	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		// 다음 Append 가 다시 연다
		log.Error().Err(err).Str("path", m.path).Msg("mirror reopen after replace failed")
		return nil
	}
	m.file = f
	return nil
}

// ReadFrom
//
// offset 부터 Size() 까지 읽어서 완결된 줄만 반환한다.
// next 는 다음 호출에 넘길 offset (마지막 '\n' 바로 뒤).
// 끝이 '\n' 으로 끝나지 않은 조각은 다음 호출 때 다시 읽는다.
//
// 반환되는 줄에는 줄바꿈 문자가 없다. 빈 줄도 그대로 포함된다.
func (m *Mirror) ReadFrom(offset int64) (lines []string, next int64, err error) {
	limit := m.Size()
	if offset >= limit {
		return nil, offset, nil
	}

	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open mirror: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(io.NewSectionReader(f, offset, limit-offset), 64*1024)
	next = offset
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// 64KB 넘는 줄: 나머지를 이어 붙인다
			full := append([]byte(nil), line...)
			for errors.Is(err, bufio.ErrBufferFull) {
				line, err = r.ReadSlice('\n')
				full = append(full, line...)
			}
			line = full
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// '\n' 없는 꼬리는 아직 완결되지 않은 줄
				return lines, next, nil
			}
			return lines, next, fmt.Errorf("read mirror: %w", err)
		}
		next += int64(len(line))
		lines = append(lines, string(bytes.TrimRight(line, "\r\n")))
	}
}

// ReadAll 은 처음부터 모든 완결된 줄을 읽는다.
func (m *Mirror) ReadAll() ([]string, error) {
	lines, _, err := m.ReadFrom(0)
	return lines, err
}

// Bytes 는 공개된 전체 내용을 반환한다 (bulk refresh 의 prefix 비교용).
func (m *Mirror) Bytes() ([]byte, error) {
	limit := m.Size()
	if limit == 0 {
		return nil, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	defer f.Close()

	buf := make([]byte, limit)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	return buf, nil
}

// Tail 은 공백이 아닌 마지막 n 줄을 반환한다.
// replay 중복 제거의 기준점(anchor)을 만들 때 시작 시 한 번 호출된다.
func (m *Mirror) Tail(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	all, err := m.ReadAll()
	if err != nil {
		return nil, err
	}

	ring := make([]string, n)
	count, idx := 0, 0
	for _, ln := range all {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		ring[idx] = ln
		idx = (idx + 1) % n
		if count < n {
			count++
		}
	}

	out := make([]string, count)
	if count == n {
		for i := 0; i < count; i++ {
			out[i] = ring[(idx+i)%n]
		}
	} else {
		copy(out, ring[:count])
	}
	return out, nil
}

// Close 는 append 핸들을 닫는다. 여러 번 호출해도 안전하다.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.file == nil {
		m.closed = true
		return nil
	}
	m.closed = true
	return m.file.Close()
}

// repairTail
//
// 마지막 '\n' 뒤에 남은 조각(crash 로 잘린 줄)을 잘라내고 최종 크기를 반환한다.
// reader 가 붙기 전, Open 시점에만 호출된다.
func repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return size, nil
			}
			log.Warn().Int64("dropped_bytes", size-keep).Msg("mirror: truncating torn trailing line")
			return keep, f.Truncate(keep)
		}
		end = start
	}

	// 줄바꿈이 하나도 없다 → 전부 미완결
	log.Warn().Int64("dropped_bytes", size).Msg("mirror: truncating torn trailing line")
	return 0, f.Truncate(0)
}

// Fingerprint 는 offset 바로 앞의 최대 64 바이트를 반환한다.
// 다른 프로세스가 쓰는 mirror 를 따라갈 때, 이미 읽은 구간이
// 바뀌었는지(파일 교체) 값싸게 확인하는 용도다.
func (m *Mirror) Fingerprint(offset int64) ([]byte, error) {
	const width = 64
	if offset <= 0 {
		return nil, nil
	}
	start := offset - width
	if start < 0 {
		start = 0
	}

	f, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	defer f.Close()

	buf := make([]byte, offset-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	return buf[:n], nil
}
