// internal/worker/spool.go
package worker

// spool
// ------------------------------------------------------------
// mirror 쓰기 대기 중인 줄들 (MirrorWriteFailure 대비).
//
//   - 쓰기에 성공하면 비운다
//   - 실패하면 그대로 두고 다음 cycle 에 더 새로운 줄보다 먼저 다시 쓴다 (순서 유지)
//   - 전체 크기가 max 를 넘으면 가장 오래된 줄부터 버린다
//     (버린 수는 호출자가 metrics/로그로 남긴다. 조용히 잃어버리지 않는다)
//
// ingestion loop 하나만 사용하므로 락이 없다.
type spool struct {
	lines []string
	size  int64
	max   int64 // 0 이면 제한 없음
}

func newSpool(max int64) *spool {
	return &spool{max: max}
}

// Push 는 줄을 추가하고, 용량 초과로 버린 줄 수를 반환한다.
func (s *spool) Push(lines []string) (dropped int) {
	for _, ln := range lines {
		s.lines = append(s.lines, ln)
		s.size += int64(len(ln) + 1)
	}
	if s.max <= 0 {
		return 0
	}
	for s.size > s.max && len(s.lines) > 0 {
		s.size -= int64(len(s.lines[0]) + 1)
		s.lines[0] = ""
		s.lines = s.lines[1:]
		dropped++
	}
	return dropped
}

// Bytes 는 대기 중인 줄을 mirror 에 쓸 형태로 반환한다.
func (s *spool) Bytes() []byte { return joinLines(s.lines) }

func (s *spool) Len() int { return len(s.lines) }

func (s *spool) Size() int64 { return s.size }

func (s *spool) Clear() {
	s.lines = nil
	s.size = 0
}

// Lines 는 대기 중인 줄들. 반환된 slice 를 수정하지 않는다.
func (s *spool) Lines() []string { return s.lines }
