package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 서버 상태를 나타내는 카운터 모음이다.
// 모든 필드는 atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// Ingestion 지표
	// ======================

	// BytesFetchedTotal
	// - upstream(SSH / file / S3)에서 받은 원시 바이트 수.
	// - replay 중복 제거 전 기준이라 mirror 크기보다 클 수 있다.
	BytesFetchedTotal int64

	// LinesDuplicateTotal
	// - 재접속 시 "tail -n K" 가 다시 보내준 줄 중 이미 mirror 에 있어서 버린 줄 수.
	LinesDuplicateTotal int64

	// LinesDroppedTotal
	// - mirror 쓰기가 계속 실패해서 spool 용량을 넘겨 버린 줄 수.
	// - 0 이 아니면 데이터 유실이 이미 발생했다는 뜻.
	LinesDroppedTotal int64

	// FetchErrorsTotal
	// - 접속/인증/timeout/전송 오류 횟수 (SourceUnavailable).
	// - 무한 재시도하므로 이 값 자체는 장애가 아니지만, 계속 증가하면 upstream 확인 필요.
	FetchErrorsTotal int64

	// ReconnectsTotal
	// - BACKOFF → CONNECTING 전이 횟수.
	ReconnectsTotal int64

	// LinesSpilledTotal
	// - 종료 시점까지 mirror 에 쓰지 못해 spill 파일로 저장한 줄 수.
	LinesSpilledTotal int64

	// LinesRestoredTotal
	// - 시작 시 spill 파일에서 읽어 mirror 에 다시 쓴 줄 수.
	LinesRestoredTotal int64

	// MirrorWriteErrorsTotal
	// - mirror append/replace 실패 횟수 (디스크 full, 권한 등).
	MirrorWriteErrorsTotal int64

	// ======================
	// Sequence 지표
	// ======================

	// RecordsIngestedTotal
	// - sequence 에 추가된 레코드 수. reset 으로 다시 읽은 레코드도 포함.
	RecordsIngestedTotal int64

	// LinesMalformedTotal
	// - 파싱 결과가 비어서 버린 줄 수 (MalformedLine). 에러로 취급하지 않는다.
	LinesMalformedTotal int64

	// SequenceResetsTotal
	// - bulk refresh 로 mirror 가 통째로 교체되어 cursor 가 무효화된 횟수.
	SequenceResetsTotal int64

	// ======================
	// Subscriber 지표
	// ======================

	// SubscribersActive (gauge)
	SubscribersActive int64

	// SubscribersTotal
	// - /stream, /ws 로 생성된 세션 누적 수.
	SubscribersTotal int64

	// EventsSentTotal
	// - 구독자에게 보낸 레코드 이벤트 수 (구독자 수만큼 곱해짐).
	EventsSentTotal int64

	// SendErrorsTotal
	// - 전송 실패로 세션을 정리한 횟수. 대부분 클라이언트가 연결을 끊은 경우.
	SendErrorsTotal int64

	// ResetsSignaledTotal
	// - 구독자에게 reset 이벤트를 보낸 횟수.
	ResetsSignaledTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "bytes_fetched_total=%d\n", atomic.LoadInt64(&m.BytesFetchedTotal))
	fmt.Fprintf(&sb, "lines_duplicate_total=%d\n", atomic.LoadInt64(&m.LinesDuplicateTotal))
	fmt.Fprintf(&sb, "lines_dropped_total=%d\n", atomic.LoadInt64(&m.LinesDroppedTotal))
	fmt.Fprintf(&sb, "fetch_errors_total=%d\n", atomic.LoadInt64(&m.FetchErrorsTotal))
	fmt.Fprintf(&sb, "reconnects_total=%d\n", atomic.LoadInt64(&m.ReconnectsTotal))
	fmt.Fprintf(&sb, "lines_spilled_total=%d\n", atomic.LoadInt64(&m.LinesSpilledTotal))
	fmt.Fprintf(&sb, "lines_restored_total=%d\n", atomic.LoadInt64(&m.LinesRestoredTotal))
	fmt.Fprintf(&sb, "mirror_write_errors_total=%d\n", atomic.LoadInt64(&m.MirrorWriteErrorsTotal))

	fmt.Fprintf(&sb, "records_ingested_total=%d\n", atomic.LoadInt64(&m.RecordsIngestedTotal))
	fmt.Fprintf(&sb, "lines_malformed_total=%d\n", atomic.LoadInt64(&m.LinesMalformedTotal))
	fmt.Fprintf(&sb, "sequence_resets_total=%d\n", atomic.LoadInt64(&m.SequenceResetsTotal))

	fmt.Fprintf(&sb, "subscribers_active=%d\n", atomic.LoadInt64(&m.SubscribersActive))
	fmt.Fprintf(&sb, "subscribers_total=%d\n", atomic.LoadInt64(&m.SubscribersTotal))
	fmt.Fprintf(&sb, "events_sent_total=%d\n", atomic.LoadInt64(&m.EventsSentTotal))
	fmt.Fprintf(&sb, "send_errors_total=%d\n", atomic.LoadInt64(&m.SendErrorsTotal))
	fmt.Fprintf(&sb, "resets_signaled_total=%d\n", atomic.LoadInt64(&m.ResetsSignaledTotal))

	return sb.String()
}
