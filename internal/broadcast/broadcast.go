// internal/broadcast/broadcast.go
package broadcast

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"minerstream/internal/logger"
	"minerstream/internal/metrics"
	"minerstream/internal/model"
	"minerstream/internal/sequence"
)

// maxBatch 는 한 번의 조회에서 구독자에게 보내는 최대 레코드 수.
// 오래된 cursor 로 재개한 구독자가 한 번에 전체 히스토리를 복사하지 않게 한다.
const maxBatch = 500

// Sink 는 구독자 한 명의 전송 채널 (SSE, WebSocket).
// 모든 메서드는 Run 을 도는 goroutine 하나에서만 호출된다.
// 에러를 반환하면 세션은 즉시 정리된다.
type Sink interface {
	Send(ev model.Event) error
	Reset(cursor int64, generation uint64) error
	Ping() error
}

// Resume 은 구독 시작 위치.
//   - HasCursor == false: 지금(count)부터. 스냅샷으로 받은 히스토리를 다시 보내지 않는다
//   - HasGeneration == false: 현재 generation 으로 간주하고 cursor 범위만 검사한다
type Resume struct {
	Cursor        int64
	Generation    uint64
	HasCursor     bool
	HasGeneration bool
}

// Session
// ------------------------------------------------------------
// 연결 하나 동안만 존재하는 구독자 상태.
// next(= last_sent_cursor) 와 generation 은 Run goroutine 만 바꾼다.
// 다른 goroutine(/status)은 atomic 으로 읽기만 한다.
type Session struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	next       atomic.Int64
	generation atomic.Uint64
}

// Cursor 는 다음에 보낼 레코드의 cursor.
func (s *Session) Cursor() int64 { return s.next.Load() }

// Generation 은 세션이 읽고 있는 Sequence generation.
func (s *Session) Generation() uint64 { return s.generation.Load() }

// SessionInfo 는 /status 용 요약.
type SessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Cursor     int64     `json:"cursor"`
	Generation uint64    `json:"generation"`
}

// Broadcaster
// ------------------------------------------------------------
// 구독자마다 독립된 delivery loop 를 돌린다.
//
//   - 각 loop 는 Sequence 를 직접 조회한다 (Since). ingestion 쪽으로 채널을 보내지 않으므로
//     느린 구독자가 ingestion 이나 다른 구독자를 막을 수 없다
//   - 깨우는 조건: poll 주기(+jitter) 또는 Sequence.Changed()
//   - 전송 순서는 cursor 오름차순, 빈틈 없음
//   - 전송 실패 → 세션 종료, 이후 재시도 없음
type Broadcaster struct {
	seq       *sequence.Sequence
	metrics   *metrics.Metrics
	poll      time.Duration
	heartbeat time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New 는 Broadcaster 를 만든다.
func New(seq *sequence.Sequence, m *metrics.Metrics, poll, heartbeat time.Duration) *Broadcaster {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Broadcaster{
		seq:       seq,
		metrics:   m,
		poll:      poll,
		heartbeat: heartbeat,
		log:       logger.Component("broadcast"),
		sessions:  make(map[string]*Session),
	}
}

// Subscribe 는 세션을 등록하고 시작 위치를 정한다.
func (b *Broadcaster) Subscribe(remote string, r Resume) *Session {
	count, gen := b.seq.Position()

	s := &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remote,
		CreatedAt:  time.Now(),
	}
	switch {
	case !r.HasCursor:
		s.next.Store(count)
		s.generation.Store(gen)
	case r.HasGeneration:
		s.next.Store(r.Cursor)
		s.generation.Store(r.Generation)
	default:
		s.next.Store(r.Cursor)
		s.generation.Store(gen)
	}

	b.mu.Lock()
	b.sessions[s.ID] = s
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.SubscribersActive, 1)
	atomic.AddInt64(&b.metrics.SubscribersTotal, 1)
	b.log.Info().Str("session", s.ID).Str("remote", remote).Int64("cursor", s.Cursor()).Msg("subscriber joined")
	return s
}

// Unsubscribe 는 세션을 정리한다. 여러 번 호출해도 안전하다.
func (b *Broadcaster) Unsubscribe(s *Session) {
	b.mu.Lock()
	_, ok := b.sessions[s.ID]
	delete(b.sessions, s.ID)
	b.mu.Unlock()

	if ok {
		atomic.AddInt64(&b.metrics.SubscribersActive, -1)
		b.log.Info().Str("session", s.ID).Int64("cursor", s.Cursor()).
			Dur("age", time.Since(s.CreatedAt)).Msg("subscriber left")
	}
}

// Active 는 현재 세션 수.
func (b *Broadcaster) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Sessions 는 생성 시각 순 세션 요약을 반환한다.
func (b *Broadcaster) Sessions() []SessionInfo {
	b.mu.Lock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, SessionInfo{
			ID:         s.ID,
			RemoteAddr: s.RemoteAddr,
			CreatedAt:  s.CreatedAt,
			Cursor:     s.Cursor(),
			Generation: s.Generation(),
		})
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Run
//
// ctx 가 끝나거나(클라이언트 연결 종료) 전송이 실패할 때까지 s 에게 레코드를 보낸다.
// ctx 종료는 정상 종료로 nil 을 반환한다. 반환 시 세션은 정리되어 있다.
func (b *Broadcaster) Run(ctx context.Context, s *Session, sink Sink) error {
	defer b.Unsubscribe(s)

	timer := time.NewTimer(b.jitter())
	defer timer.Stop()

	var hb <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		hb = t.C
	}

	for {
		// deliver 전에 받아 두어야 그 사이의 publish 를 놓치지 않는다
		changed := b.seq.Changed()

		if err := b.deliver(s, sink); err != nil {
			atomic.AddInt64(&b.metrics.SendErrorsTotal, 1)
			b.log.Debug().Err(err).Str("session", s.ID).Msg("send failed, closing session")
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-timer.C:
			timer.Reset(b.jitter())
		case <-hb:
			if err := sink.Ping(); err != nil {
				atomic.AddInt64(&b.metrics.SendErrorsTotal, 1)
				return err
			}
		}
	}
}

// deliver 는 s.next 부터 현재 끝까지 보낸다.
func (b *Broadcaster) deliver(s *Session, sink Sink) error {
	for {
		next := s.next.Load()
		recs, err := b.seq.Since(s.generation.Load(), next, maxBatch)
		if errors.Is(err, sequence.ErrReset) {
			count, gen := b.seq.Position()
			if err := sink.Reset(count, gen); err != nil {
				return err
			}
			b.log.Info().Str("session", s.ID).Int64("from", next).Int64("cursor", count).
				Uint64("generation", gen).Msg("cursor invalidated, subscriber reset")
			s.next.Store(count)
			s.generation.Store(gen)
			atomic.AddInt64(&b.metrics.ResetsSignaledTotal, 1)
			continue
		}
		if err != nil {
			return err
		}

		for i, rec := range recs {
			if err := sink.Send(model.Event{Cursor: next + int64(i), Record: rec}); err != nil {
				return err
			}
			// 보낸 만큼만 전진시킨다
			s.next.Store(next + int64(i) + 1)
		}
		atomic.AddInt64(&b.metrics.EventsSentTotal, int64(len(recs)))

		if len(recs) < maxBatch {
			return nil
		}
	}
}

// jitter 는 poll 주기에 최대 10% 를 더한다 (구독자들이 같은 시점에 몰리지 않게).
func (b *Broadcaster) jitter() time.Duration {
	spread := int64(b.poll / 10)
	if spread <= 0 {
		return b.poll
	}
	return b.poll + time.Duration(rand.Int64N(spread))
}
