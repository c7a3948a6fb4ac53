// internal/worker/spill.go
package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"minerstream/internal/pool"
)

// spillStore
// ------------------------------------------------------------
// 종료 시점에 mirror 에 끝내 쓰지 못한 spool 줄을 로컬 디스크에 남기고,
// 다음 시작 때 mirror 에 다시 넣는다.
//
// 파일 형식: gzip + JSONL (한 줄 = JSON 문자열 하나)
// 파일명: <unix>_<instance>_<counter>.jsonl.gz
//
// 파일명을 문자열 정렬하면 곧 시간 순이므로 오래된 파일부터 복원한다.
// 깨진 파일은 읽을 수 있는 데까지만 복원하고 .bad 로 이름을 바꿔 둔다 (사람이 확인).
type spillStore struct {
	dir      string
	instance string
}

var spillCounter atomic.Uint64

func newSpillStore(dir, instance string) *spillStore {
	if dir == "" {
		return nil
	}
	return &spillStore{dir: dir, instance: instance}
}

// spillFilename 은 "<unix>_<instance>_<counter>.jsonl.gz".
// counter 는 1e6 에서 돌아간다. timestamp·instance 조합이라 충돌하지 않는다.
func spillFilename(instance string, now time.Time) string {
	c := spillCounter.Add(1) % 1_000_000
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", now.Unix(), instance, c)
}

// Save 는 lines 를 새 spill 파일 하나로 저장한다.
// 임시 파일에 다 쓴 뒤 rename 하므로 반쯤 쓴 파일이 복원 대상이 되지 않는다.
func (s *spillStore) Save(lines []string) (string, error) {
	if len(lines) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}

	name := spillFilename(s.instance, time.Now())
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}

	gz := pool.GetGzipWriter(f)
	enc := json.NewEncoder(gz)
	for _, ln := range lines {
		if err = enc.Encode(ln); err != nil {
			break
		}
	}
	if err == nil {
		err = gz.Close()
	}
	pool.PutGzipWriter(gz)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, final)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return name, nil
}

// Pending 은 복원 대기 중인 spill 파일 이름을 오래된 순으로 반환한다.
func (s *spillStore) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "" || name[0] == '.' || !strings.HasSuffix(name, ".jsonl.gz") {
			continue
		}
		files = append(files, name)
	}
	// lexicographical sort → timestamp 순 정렬
	sort.Strings(files)
	return files, nil
}

// Load 는 spill 파일 하나를 읽는다.
// 중간에 깨졌으면 그때까지 읽은 줄과 에러를 같이 반환한다.
func (s *spillStore) Load(name string) ([]string, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := pool.GetGzipReader(f)
	if err != nil {
		return nil, err
	}
	defer pool.PutGzipReader(zr)

	var lines []string
	br := bufio.NewReader(zr)
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			var ln string
			if jerr := json.Unmarshal(raw, &ln); jerr != nil {
				return lines, fmt.Errorf("%s: %w", name, jerr)
			}
			lines = append(lines, ln)
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return lines, fmt.Errorf("%s: %w", name, err)
		}
	}
}

// Remove 는 복원이 끝난 파일을 지운다.
func (s *spillStore) Remove(name string) error {
	return os.Remove(filepath.Join(s.dir, name))
}

// Quarantine 은 깨진 파일을 복원 대상에서 뺀다.
func (s *spillStore) Quarantine(name string) error {
	p := filepath.Join(s.dir, name)
	return os.Rename(p, p+".bad")
}
