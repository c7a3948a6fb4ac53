// internal/worker/manager.go
package worker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"minerstream/internal/config"
	"minerstream/internal/logger"
	"minerstream/internal/metrics"
	"minerstream/internal/mirror"
	"minerstream/internal/model"
	"minerstream/internal/sequence"
	"minerstream/internal/source"
)

// spoolRetry 는 mirror 쓰기 실패 후 새 데이터가 없을 때 다시 시도하는 간격.
const spoolRetry = time.Second

// Deps 는 Manager 가 쓰는 구성 요소들.
// Streamer, Refresher 중 하나만 설정한다. 둘 다 없으면 mirror follow 모드.
type Deps struct {
	Mirror    *mirror.Mirror
	Sequence  *sequence.Sequence
	Metrics   *metrics.Metrics
	Streamer  source.Streamer
	Refresher source.Refresher
}

// Manager
// ------------------------------------------------------------
// Ingestion loop. 프로세스 수명 동안 goroutine 하나로 돈다.
//
// incremental (ssh, file):
//
//	CONNECTING → STREAMING → (세션 종료/에러) BACKOFF → CONNECTING ...
//	재시도 횟수 제한 없음. 에러는 로그와 metrics 로만 남는다.
//
// bulk (s3):
//
//	IDLE → FETCHING → IDLE, PollInterval 마다
//
// mirror:
//
//	FOLLOWING (sequence.Follower 에 위임)
//
// transport 핸들(Stream)은 이 loop 만 소유한다.
// 밖으로는 Status() 로 상태만 노출한다.
type Manager struct {
	cfg  config.Config
	deps Deps
	log  zerolog.Logger

	framer *framer
	replay *replayFilter
	spool  *spool
	spill  *spillStore // nil 이면 종료 시 남은 줄은 버린다

	follower *sequence.Follower

	// bulk: mirror 는 교체됐지만 Sequence.Reset 이 실패한 상태
	resetPending bool

	mu     sync.Mutex
	status model.IngestStatus
	stream source.Stream

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager 는 Manager 를 만든다. Start 전까지는 아무것도 하지 않는다.
func NewManager(cfg config.Config, deps Deps) *Manager {
	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		log:    logger.Component("ingest"),
		framer: &framer{},
		replay: newReplayFilter(cfg.TailLines),
		spool:  newSpool(cfg.SpoolMaxBytes),
		spill:  newSpillStore(cfg.SpillDir, cfg.InstanceID),
		status: model.IngestStatus{Mode: cfg.SourceMode, Since: time.Now()},
	}
	switch {
	case deps.Streamer != nil:
		m.status.Source = deps.Streamer.Describe()
		m.status.State = model.StateConnecting
	case deps.Refresher != nil:
		m.status.Source = deps.Refresher.Describe()
		m.status.State = model.StateIdle
	default:
		m.follower = sequence.NewFollower(deps.Sequence, deps.Mirror, cfg.PollInterval)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Start 는 모드에 맞는 loop 를 띄운다.
func (m *Manager) Start() {
	switch {
	case m.deps.Streamer != nil:
		// 복원한 줄까지 mirror 에 들어간 뒤에 replay 기준을 잡는다
		m.restoreSpill()
		if m.cfg.TailLines > 0 {
			if tail, err := m.deps.Mirror.Tail(m.cfg.TailLines); err != nil {
				m.log.Warn().Err(err).Msg("cannot read mirror tail, replay de-dup disabled until first write")
			} else {
				m.replay.Seed(tail)
			}
		}
		m.wg.Add(1)
		go m.streamLoop()
	case m.deps.Refresher != nil:
		m.wg.Add(1)
		go m.bulkLoop()
	default:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.follower.Run(m.ctx)
		}()
	}
}

// Shutdown 은 loop 를 멈추고 upstream 세션을 닫는다.
// 여러 번 호출해도 안전하다. 남은 spool 은 마지막으로 한 번 더 쓴다.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.closeStream()
	})
	m.wg.Wait()

	if m.spool.Len() > 0 {
		m.flushSpool()
		if n := m.spool.Len(); n > 0 {
			m.spillRemaining()
		}
	}
	m.setState(model.StateStopped, nil)
}

// spillRemaining 은 끝내 쓰지 못한 spool 을 spill 파일로 남긴다. 실패하면 유실로 집계한다.
func (m *Manager) spillRemaining() {
	n := m.spool.Len()
	defer m.spool.Clear()

	if m.spill != nil {
		name, err := m.spill.Save(m.spool.Lines())
		if err == nil {
			atomic.AddInt64(&m.deps.Metrics.LinesSpilledTotal, int64(n))
			m.log.Warn().Int("lines", n).Str("file", name).Msg("unwritten lines spilled, restored on next start")
			return
		}
		m.log.Error().Err(err).Str("dir", m.cfg.SpillDir).Msg("spill failed")
	}
	m.log.Error().Int("lines", n).Msg("unwritten lines lost at shutdown")
	atomic.AddInt64(&m.deps.Metrics.LinesDroppedTotal, int64(n))
}

// restoreSpill
//
// 이전 실행이 남긴 spill 파일을 오래된 순으로 mirror 에 다시 쓴다.
// mirror 가 아직 쓰기 불가능하면 파일을 그대로 두고 멈춘다 (다음 시작 때 다시 시도).
// 손상된 파일은 읽히는 부분이 mirror 에 들어간 뒤에만 .bad 로 옮긴다.
func (m *Manager) restoreSpill() {
	if m.spill == nil {
		return
	}
	names, err := m.spill.Pending()
	if err != nil {
		m.log.Warn().Err(err).Str("dir", m.cfg.SpillDir).Msg("cannot list spill files")
		return
	}

	for _, name := range names {
		lines, loadErr := m.spill.Load(name)
		if loadErr != nil {
			m.log.Error().Err(loadErr).Str("file", name).Int("readable_lines", len(lines)).
				Msg("spill file damaged, restoring readable part")
		}

		if len(lines) > 0 {
			if dropped := m.spool.Push(lines); dropped > 0 {
				atomic.AddInt64(&m.deps.Metrics.LinesDroppedTotal, int64(dropped))
			}
			m.flushSpool()
			if m.spool.Len() > 0 {
				m.spool.Clear()
				return
			}
			atomic.AddInt64(&m.deps.Metrics.LinesRestoredTotal, int64(len(lines)))
			m.log.Info().Str("file", name).Int("lines", len(lines)).Msg("spilled lines restored")
		}

		if loadErr != nil {
			if err := m.spill.Quarantine(name); err != nil {
				m.log.Warn().Err(err).Str("file", name).Msg("cannot quarantine spill file")
			}
			continue
		}
		if err := m.spill.Remove(name); err != nil {
			m.log.Warn().Err(err).Str("file", name).Msg("cannot remove restored spill file")
		}
	}
}

// Status 는 현재 ingestion 상태의 사본을 반환한다.
func (m *Manager) Status() model.IngestStatus {
	if m.follower != nil {
		return m.follower.Status()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ------------------------------------------------------------
// incremental 모드
// ------------------------------------------------------------

func (m *Manager) streamLoop() {
	defer m.wg.Done()

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.setState(model.StateConnecting, nil)
		st, err := m.deps.Streamer.Connect(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.fail("connect failed", err)
			if !m.backoff() {
				return
			}
			continue
		}

		if !m.setStream(st) {
			// Shutdown 과 경합: 이미 멈추는 중
			_ = st.Close()
			return
		}
		m.setState(model.StateStreaming, nil)
		m.log.Info().Str("source", m.deps.Streamer.Describe()).Msg("streaming")

		err = m.consume(st)
		m.closeStream()
		if m.ctx.Err() != nil {
			return
		}
		m.fail("session ended", err)
		if !m.backoff() {
			return
		}
	}
}

// consume 은 한 연결의 수명 동안 받은 바이트를 mirror 로 옮긴다.
func (m *Manager) consume(st source.Stream) error {
	m.framer.Reset()
	m.replay.Begin()

	for {
		wait := m.recvTimeout()
		rctx, cancel := m.ctx, context.CancelFunc(func() {})
		if wait > 0 {
			rctx, cancel = context.WithTimeout(m.ctx, wait)
		}
		b, err := st.Recv(rctx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && m.ctx.Err() == nil {
				// replay 창 idle 만료 또는 spool 재시도 시점
				m.closeReplay()
				m.flushSpool()
				continue
			}
			m.closeReplay()
			m.flushSpool()
			return err
		}

		atomic.AddInt64(&m.deps.Metrics.BytesFetchedTotal, int64(len(b)))
		lines, dup := m.replay.Feed(m.framer.Push(b))
		m.countDuplicates(dup)
		m.ingest(lines)
	}
}

func (m *Manager) recvTimeout() time.Duration {
	switch {
	case m.replay.Open():
		return m.cfg.ReplayWindow
	case m.spool.Len() > 0:
		return spoolRetry
	}
	return 0
}

func (m *Manager) closeReplay() {
	lines, dup := m.replay.Close()
	m.countDuplicates(dup)
	m.ingest(lines)
}

func (m *Manager) countDuplicates(n int) {
	if n > 0 {
		atomic.AddInt64(&m.deps.Metrics.LinesDuplicateTotal, int64(n))
		m.log.Debug().Int("lines", n).Msg("dropped replayed lines")
	}
}

// ingest 는 줄들을 spool 에 넣고 바로 mirror 로 내보낸다.
func (m *Manager) ingest(lines []string) {
	if len(lines) == 0 {
		return
	}
	m.replay.Remember(lines)
	if dropped := m.spool.Push(lines); dropped > 0 {
		atomic.AddInt64(&m.deps.Metrics.LinesDroppedTotal, int64(dropped))
		m.log.Error().Int("lines", dropped).Int64("spool_bytes", m.spool.Size()).
			Msg("spool full, dropped oldest unwritten lines")
	}
	m.flushSpool()
}

// flushSpool
//
// spool 전체를 한 번에 append 한다 (fsync 포함).
// 성공하면 Sequence 를 갱신하고, 실패하면 spool 을 그대로 두고 다음 cycle 에 다시 시도한다.
func (m *Manager) flushSpool() {
	if m.spool.Len() == 0 {
		return
	}
	if err := m.deps.Mirror.Append(m.spool.Bytes()); err != nil {
		atomic.AddInt64(&m.deps.Metrics.MirrorWriteErrorsTotal, 1)
		m.log.Error().Err(err).Int("pending_lines", m.spool.Len()).Msg("mirror append failed, will retry")
		m.setError(err)
		return
	}
	m.spool.Clear()
	m.syncSequence()
}

func (m *Manager) syncSequence() {
	n, err := m.deps.Sequence.Sync()
	if err != nil {
		m.log.Error().Err(err).Msg("sequence sync failed")
		m.setError(err)
		return
	}
	m.mu.Lock()
	m.status.LastIngest = time.Now()
	m.status.LastError = ""
	m.status.Attempts = 0
	m.mu.Unlock()
	m.log.Debug().Int("records", n).Int64("cursor", m.deps.Sequence.Count()).Msg("ingested")
}

// backoff 는 BACKOFF 상태에서 ReconnectDelay 만큼 기다린다.
// shutdown 이면 false.
func (m *Manager) backoff() bool {
	m.setState(model.StateBackoff, nil)

	t := time.NewTimer(m.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-t.C:
		atomic.AddInt64(&m.deps.Metrics.ReconnectsTotal, 1)
		return true
	}
}

// fail 은 SourceUnavailable 을 기록한다. 절대 치명적이지 않다.
func (m *Manager) fail(msg string, err error) {
	atomic.AddInt64(&m.deps.Metrics.FetchErrorsTotal, 1)
	m.mu.Lock()
	m.status.Attempts++
	attempts := m.status.Attempts
	m.mu.Unlock()
	m.setError(err)
	m.log.Warn().Err(err).Int64("attempt", attempts).Dur("retry_in", m.cfg.ReconnectDelay).Msg(msg)
}

func (m *Manager) setStream(st source.Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return false
	}
	m.stream = st
	return true
}

// closeStream 은 현재 연결을 닫는다. 이미 닫혔어도 안전하다.
func (m *Manager) closeStream() {
	m.mu.Lock()
	st := m.stream
	m.stream = nil
	m.mu.Unlock()
	if st != nil {
		_ = st.Close()
	}
}

// ------------------------------------------------------------
// bulk 모드
// ------------------------------------------------------------

func (m *Manager) bulkLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.refresh()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

// refresh 는 bulk fetch 한 번. 요청 수와 무관하게 timer 로만 호출된다.
func (m *Manager) refresh() {
	m.setState(model.StateFetching, nil)
	defer m.setState(model.StateIdle, nil)

	data, err := m.deps.Refresher.Fetch(m.ctx)
	switch {
	case errors.Is(err, source.ErrUnchanged):
		m.setError(nil)
		return
	case err != nil:
		if m.ctx.Err() != nil {
			return
		}
		atomic.AddInt64(&m.deps.Metrics.FetchErrorsTotal, 1)
		m.mu.Lock()
		m.status.Attempts++
		m.mu.Unlock()
		m.setError(err)
		m.log.Warn().Err(err).Str("source", m.deps.Refresher.Describe()).Msg("refresh failed")
		return
	}

	atomic.AddInt64(&m.deps.Metrics.BytesFetchedTotal, int64(len(data)))
	if err := m.apply(data); err != nil {
		atomic.AddInt64(&m.deps.Metrics.MirrorWriteErrorsTotal, 1)
		m.setError(err)
		m.log.Error().Err(err).Msg("mirror update failed, will retry on next refresh")
		return
	}
	m.deps.Refresher.Commit()
	m.setError(nil)
}

// apply
//
// 받아온 전체 내용을 mirror 에 반영한다.
//   - 같으면 아무것도 하지 않는다
//   - 기존 내용이 앞부분에 그대로 있으면 늘어난 부분만 append (cursor 유지)
//   - 아니면 전체 Replace 후 Sequence.Reset (generation 증가, 구독자 reset)
//
// 실패해도 spool 을 쓰지 않는다. Commit 하지 않으므로 다음 refresh 가 같은 내용을 다시 가져온다.
// Replace 후 Reset 만 실패했다면 다음 apply 가 Reset 부터 다시 한다.
func (m *Manager) apply(data []byte) error {
	if m.resetPending {
		if err := m.resetSequence(); err != nil {
			return err
		}
	}

	next := normalize(data)
	cur, err := m.deps.Mirror.Bytes()
	if err != nil {
		return err
	}

	switch {
	case bytes.Equal(next, cur):
		return nil

	case bytes.HasPrefix(next, cur):
		if err := m.deps.Mirror.Append(next[len(cur):]); err != nil {
			return err
		}
		m.syncSequence()
		return nil

	default:
		if err := m.deps.Mirror.Replace(next); err != nil {
			return err
		}
		m.log.Info().Int("old_bytes", len(cur)).Int("new_bytes", len(next)).
			Msg("source content replaced, resetting cursors")
		m.resetPending = true
		return m.resetSequence()
	}
}

func (m *Manager) resetSequence() error {
	if err := m.deps.Sequence.Reset(); err != nil {
		return err
	}
	m.resetPending = false
	m.mu.Lock()
	m.status.LastIngest = time.Now()
	m.status.Attempts = 0
	m.mu.Unlock()
	return nil
}

// ------------------------------------------------------------
// status
// ------------------------------------------------------------

func (m *Manager) setState(state string, err error) {
	m.mu.Lock()
	if m.status.State != state {
		m.log.Debug().Str("from", m.status.State).Str("state", state).Msg("state change")
		m.status.State = state
		m.status.Since = time.Now()
	}
	m.mu.Unlock()
	if err != nil {
		m.setError(err)
	}
}

func (m *Manager) setError(err error) {
	if err == nil {
		m.setErrorText("")
		return
	}
	m.setErrorText(err.Error())
}

func (m *Manager) setErrorText(s string) {
	m.mu.Lock()
	m.status.LastError = s
	m.mu.Unlock()
}
