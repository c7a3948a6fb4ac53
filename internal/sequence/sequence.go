// internal/sequence/sequence.go
package sequence

import (
	"errors"
	"sync"
	"sync/atomic"

	"minerstream/internal/metrics"
	"minerstream/internal/mirror"
	"minerstream/internal/model"
	"minerstream/internal/parser"
)

// ErrReset 은 호출자가 들고 있는 cursor 가 더 이상 같은 레코드를 가리키지 않을 때 반환된다.
//   - generation 이 바뀌었거나 (mirror 전체 교체)
//   - cursor 가 현재 길이보다 큰 경우
//
// 호출자는 out-of-range slice 를 요청하지 말고 새 스냅샷 기준으로 다시 시작해야 한다.
var ErrReset = errors.New("sequence: cursor invalidated by reset")

// Sequence
// ------------------------------------------------------------
// mirror 에서 파생된 레코드 목록. cursor i 는 i 번째 레코드를 가리킨다.
//
//   - mirror 를 처음부터 읽어 빈 줄/파싱 실패 줄을 제외한 순서 그대로
//   - append-only: 한 번 cursor 를 받은 레코드는 바뀌지 않는다
//     (예외: Reset → generation 증가, count 재계산)
//   - Count() 는 atomic. mirror 에 fsync 된 뒤에만 증가한다
//
// 락 구조:
//   - syncMu: Sync/Reset 직렬화 (writer 쪽만 잡음. 구독자/HTTP 는 잡지 않는다)
//   - mu(RWMutex): records slice 보호. 읽기는 복사만 하고 바로 푼다
type Sequence struct {
	mirror  *mirror.Mirror
	metrics *metrics.Metrics

	syncMu sync.Mutex
	offset int64 // mirror 에서 이미 소비한 바이트

	mu         sync.RWMutex
	records    []model.Record
	count      atomic.Int64
	generation atomic.Uint64

	notifyMu sync.Mutex
	changed  chan struct{}
}

// New 는 비어 있는 Sequence 를 만든다. 기존 mirror 내용은 Sync() 로 읽어 들인다.
func New(m *mirror.Mirror, met *metrics.Metrics) *Sequence {
	return &Sequence{
		mirror:  m,
		metrics: met,
		changed: make(chan struct{}),
	}
}

// Sync
//
// mirror 에서 아직 읽지 않은 완결된 줄을 읽어 레코드로 추가한다.
// 추가된 레코드 수를 반환한다. ingestion loop 가 mirror.Append 성공 직후 호출한다.
func (s *Sequence) Sync() (int, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	lines, next, err := s.mirror.ReadFrom(s.offset)
	if err != nil {
		return 0, err
	}
	s.offset = next

	recs, malformed := parser.ParseLines(lines)
	if malformed > 0 {
		atomic.AddInt64(&s.metrics.LinesMalformedTotal, int64(malformed))
	}
	if len(recs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	s.records = append(s.records, recs...)
	s.count.Store(int64(len(s.records)))
	s.mu.Unlock()

	atomic.AddInt64(&s.metrics.RecordsIngestedTotal, int64(len(recs)))
	s.publish()
	return len(recs), nil
}

// Reset
//
// mirror 가 통째로 교체된 뒤 호출한다. 처음부터 다시 읽고 generation 을 올린다.
// 이전 generation 의 cursor 를 가진 구독자는 다음 조회에서 ErrReset 을 받는다.
func (s *Sequence) Reset() error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	lines, next, err := s.mirror.ReadFrom(0)
	if err != nil {
		return err
	}
	recs, malformed := parser.ParseLines(lines)
	if malformed > 0 {
		atomic.AddInt64(&s.metrics.LinesMalformedTotal, int64(malformed))
	}

	s.mu.Lock()
	s.offset = next
	s.records = recs
	s.count.Store(int64(len(recs)))
	s.generation.Add(1)
	s.mu.Unlock()

	atomic.AddInt64(&s.metrics.RecordsIngestedTotal, int64(len(recs)))
	atomic.AddInt64(&s.metrics.SequenceResetsTotal, 1)
	s.publish()
	return nil
}

// Offset 은 지금까지 소비한 mirror 바이트 수.
func (s *Sequence) Offset() int64 {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.offset
}

// Count 는 현재 길이 (= 다음 cursor).
func (s *Sequence) Count() int64 {
	return s.count.Load()
}

// Generation 은 Reset 횟수.
func (s *Sequence) Generation() uint64 {
	return s.generation.Load()
}

// Position 은 count 와 generation 을 같은 시점 기준으로 반환한다.
func (s *Sequence) Position() (count int64, gen uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), s.generation.Load()
}

// Slice 는 [from, to) 구간을 반환한다. to < 0 이면 현재 끝까지.
// 범위를 벗어난 값은 잘라낸다.
func (s *Sequence) Slice(from, to int64) []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sliceLocked(from, to)
}

// Since
//
// 구독자용 조회. gen 이 현재 generation 과 같고 from <= count 일 때만
// [from, min(count, from+limit)) 를 반환한다. 아니면 ErrReset.
// limit <= 0 이면 끝까지.
func (s *Sequence) Since(gen uint64, from int64, limit int) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int64(len(s.records))
	if gen != s.generation.Load() || from < 0 || from > n {
		return nil, ErrReset
	}
	to := n
	if limit > 0 && from+int64(limit) < to {
		to = from + int64(limit)
	}
	return s.sliceLocked(from, to), nil
}

// Tail 은 마지막 n 개 레코드와, 그 끝 cursor, generation 을 반환한다.
func (s *Sequence) Tail(n int) ([]model.Record, int64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := int64(len(s.records))
	from := end - int64(n)
	if from < 0 {
		from = 0
	}
	return s.sliceLocked(from, end), end, s.generation.Load()
}

func (s *Sequence) sliceLocked(from, to int64) []model.Record {
	n := int64(len(s.records))
	if to < 0 || to > n {
		to = n
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return []model.Record{}
	}
	out := make([]model.Record, to-from)
	copy(out, s.records[from:to])
	return out
}

// Changed
//
// 다음 publish 때 close 되는 채널. 구독자는 poll 주기를 기다리는 대신
// 이 채널로 깨어날 수 있다. 매번 새로 받아야 한다.
func (s *Sequence) Changed() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.changed
}

func (s *Sequence) publish() {
	s.notifyMu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.notifyMu.Unlock()
}
