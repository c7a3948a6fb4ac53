package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"minerstream/internal/config"
	"minerstream/internal/metrics"
	"minerstream/internal/mirror"
	"minerstream/internal/model"
	"minerstream/internal/sequence"
	"minerstream/internal/source"
)

// ------------------------------------------------------------
// fakes
// ------------------------------------------------------------

type fakeStream struct {
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan []byte, 16), done: make(chan struct{})}
}

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-s.ch:
		if !ok {
			return nil, source.ErrSessionEnded
		}
		return b, nil
	case <-s.done:
		return nil, source.ErrSessionEnded
	}
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeStreamer struct {
	failFirst int
	attempts  atomic.Int32
	streams   chan *fakeStream
}

func newFakeStreamer(failFirst int) *fakeStreamer {
	return &fakeStreamer{failFirst: failFirst, streams: make(chan *fakeStream, 8)}
}

func (f *fakeStreamer) Connect(ctx context.Context) (source.Stream, error) {
	if n := f.attempts.Add(1); int(n) <= f.failFirst {
		return nil, errors.New("dial tcp 10.0.0.5:22: connection refused")
	}
	st := newFakeStream()
	f.streams <- st
	return st, nil
}

func (f *fakeStreamer) Describe() string { return "fake://miner" }

func (f *fakeStreamer) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case st := <-f.streams:
		return st
	case <-time.After(3 * time.Second):
		t.Fatal("no connection established")
		return nil
	}
}

type fakeRefresher struct {
	responses [][]byte
	errs      []error
	calls     int
}

func (f *fakeRefresher) Fetch(ctx context.Context) ([]byte, error) {
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		return nil, source.ErrUnchanged
	}
	return f.responses[i], f.errs[i]
}

func (f *fakeRefresher) Commit() {}

func (f *fakeRefresher) Describe() string { return "fake://bucket/key" }

// etagRefresher 는 ETag 조건부 GET 처럼 Commit 된 내용만 unchanged 로 본다.
type etagRefresher struct {
	body      []byte
	committed bool
	fetches   int
	commits   int
}

func (f *etagRefresher) Fetch(ctx context.Context) ([]byte, error) {
	f.fetches++
	if f.committed {
		return nil, source.ErrUnchanged
	}
	return f.body, nil
}

func (f *etagRefresher) Commit() {
	f.commits++
	f.committed = true
}

func (f *etagRefresher) Describe() string { return "fake://bucket/key" }

// ------------------------------------------------------------
// helpers
// ------------------------------------------------------------

func testConfig() config.Config {
	c := config.Default()
	c.SourceMode = config.ModeSSH
	c.TailLines = 3
	c.ReconnectDelay = 20 * time.Millisecond
	c.ReplayWindow = 50 * time.Millisecond
	c.PollInterval = 20 * time.Millisecond
	c.SpillDir = ""
	return c
}

type rig struct {
	mirror *mirror.Mirror
	seq    *sequence.Sequence
	met    *metrics.Metrics
}

func newRig(t *testing.T, initial string) rig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bllcmon.log")
	if initial != "" {
		if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m, err := mirror.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	met := metrics.New()
	seq := sequence.New(m, met)
	if _, err := seq.Sync(); err != nil {
		t.Fatal(err)
	}
	return rig{mirror: m, seq: seq, met: met}
}

func waitCount(t *testing.T, seq *sequence.Sequence, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if seq.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("count = %d, want %d", seq.Count(), want)
}

func mirrorText(t *testing.T, m *mirror.Mirror) string {
	t.Helper()
	b, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// ------------------------------------------------------------
// incremental 모드
// ------------------------------------------------------------

func TestRetriesAfterFirstConnectFails(t *testing.T) {
	r := newRig(t, "")
	fs := newFakeStreamer(1)
	mgr := NewManager(testConfig(), Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Streamer: fs})
	mgr.Start()
	defer mgr.Shutdown()

	st := fs.next(t)
	st.ch <- []byte("12:00:00|Status:OK|Hash:1\n12:00:01|Sta")
	st.ch <- []byte("tus:OK|Hash:2\n")
	waitCount(t, r.seq, 2)

	if got := fs.attempts.Load(); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
	if got := atomic.LoadInt64(&r.met.FetchErrorsTotal); got != 1 {
		t.Errorf("fetch errors = %d", got)
	}
	if got := atomic.LoadInt64(&r.met.ReconnectsTotal); got != 1 {
		t.Errorf("reconnects = %d", got)
	}
	st0 := mgr.Status()
	if st0.State != model.StateStreaming || st0.Attempts != 0 || st0.LastError != "" {
		t.Errorf("status = %+v", st0)
	}

	mgr.Shutdown()
	if st.closes.Load() == 0 {
		t.Error("stream not closed on shutdown")
	}
	if s := mgr.Status(); s.State != model.StateStopped {
		t.Errorf("state after shutdown = %s", s.State)
	}
	mgr.Shutdown()
}

func TestReplayedLinesAreDeduplicated(t *testing.T) {
	r := newRig(t, "a|N:1\nb|N:2\nc|N:3\n")
	fs := newFakeStreamer(0)
	mgr := NewManager(testConfig(), Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Streamer: fs})
	mgr.Start()
	defer mgr.Shutdown()

	// tail -n 3 이 다시 보내는 히스토리 + 새 줄
	st := fs.next(t)
	st.ch <- []byte("b|N:2\nc|N:3\nd|N:4\n")
	waitCount(t, r.seq, 4)

	if got := mirrorText(t, r.mirror); got != "a|N:1\nb|N:2\nc|N:3\nd|N:4\n" {
		t.Errorf("mirror = %q", got)
	}
	if got := atomic.LoadInt64(&r.met.LinesDuplicateTotal); got != 2 {
		t.Errorf("duplicates = %d, want 2", got)
	}

	// 세션이 끊기고 재접속: 마지막 3 줄이 다시 온다
	close(st.ch)
	st2 := fs.next(t)
	st2.ch <- []byte("b|N:2\nc|N:3\nd|N:4\ne|N:5\n")
	waitCount(t, r.seq, 5)

	if got := mirrorText(t, r.mirror); got != "a|N:1\nb|N:2\nc|N:3\nd|N:4\ne|N:5\n" {
		t.Errorf("mirror after reconnect = %q", got)
	}
}

func TestReplayWindowClosesWhenIdle(t *testing.T) {
	r := newRig(t, "a|N:1\nb|N:2\n")
	fs := newFakeStreamer(0)
	cfg := testConfig()
	cfg.TailLines = 90
	mgr := NewManager(cfg, Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Streamer: fs})
	mgr.Start()
	defer mgr.Shutdown()

	st := fs.next(t)
	// 원격 파일이 K 줄보다 짧으면 K 줄이 차지 않으므로 idle 로 창이 닫힌다
	st.ch <- []byte("a|N:1\nb|N:2\n")
	time.Sleep(3 * cfg.ReplayWindow)
	st.ch <- []byte("c|N:3\n")
	waitCount(t, r.seq, 3)

	if got := mirrorText(t, r.mirror); got != "a|N:1\nb|N:2\nc|N:3\n" {
		t.Errorf("mirror = %q", got)
	}
}

func TestMirrorWriteFailureKeepsLines(t *testing.T) {
	r := newRig(t, "")
	mgr := NewManager(testConfig(), Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Streamer: newFakeStreamer(0)})

	r.mirror.Close()
	mgr.ingest([]string{"x|N:1", "y|N:2"})

	if got := atomic.LoadInt64(&r.met.MirrorWriteErrorsTotal); got != 1 {
		t.Errorf("write errors = %d", got)
	}
	if mgr.spool.Len() != 2 {
		t.Errorf("spool len = %d, want 2", mgr.spool.Len())
	}
	if r.seq.Count() != 0 {
		t.Errorf("count advanced without a durable write: %d", r.seq.Count())
	}
	if mgr.Status().LastError == "" {
		t.Error("last error not recorded")
	}

	// shutdown 시 쓰지 못한 줄은 dropped 로 집계된다
	mgr.Shutdown()
	if got := atomic.LoadInt64(&r.met.LinesDroppedTotal); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

// ------------------------------------------------------------
// bulk 모드
// ------------------------------------------------------------

func TestBulkRefreshAppendsOrReplaces(t *testing.T) {
	r := newRig(t, "")
	ref := &fakeRefresher{
		responses: [][]byte{
			[]byte("a|N:1\nb|N:2\n"),
			[]byte("a|N:1\nb|N:2\nc|N:3\nhalf"),
			nil,
			[]byte("x|N:9\n"),
		},
		errs: []error{nil, nil, errors.New("timeout"), nil},
	}
	cfg := testConfig()
	cfg.SourceMode = config.ModeS3
	mgr := NewManager(cfg, Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Refresher: ref})

	// 빈 mirror 는 prefix 이므로 append 로 처리된다
	mgr.refresh()
	gen := r.seq.Generation()
	if r.seq.Count() != 2 || gen != 0 {
		t.Fatalf("first refresh: count = %d gen = %d", r.seq.Count(), gen)
	}

	mgr.refresh()
	if r.seq.Count() != 3 || r.seq.Generation() != gen {
		t.Fatalf("growing refresh: count = %d gen = %d", r.seq.Count(), r.seq.Generation())
	}
	if got := mirrorText(t, r.mirror); got != "a|N:1\nb|N:2\nc|N:3\n" {
		t.Errorf("mirror = %q", got)
	}

	mgr.refresh()
	if s := mgr.Status(); s.LastError != "timeout" || s.State != model.StateIdle {
		t.Errorf("status after failed fetch = %+v", s)
	}

	mgr.refresh()
	if r.seq.Count() != 1 || r.seq.Generation() != gen+1 {
		t.Fatalf("replaced refresh: count = %d gen = %d", r.seq.Count(), r.seq.Generation())
	}
	if got := atomic.LoadInt64(&r.met.SequenceResetsTotal); got != 1 {
		t.Errorf("resets = %d", got)
	}

	// 이후에는 ErrUnchanged
	mgr.refresh()
	if r.seq.Count() != 1 || mgr.Status().LastError != "" {
		t.Errorf("unchanged refresh altered state: %+v", mgr.Status())
	}
}

func TestBulkRefreshRetriesAfterMirrorFailure(t *testing.T) {
	r := newRig(t, "old|N:1\n")
	ref := &etagRefresher{body: []byte("new|N:1\nnew|N:2\n")}
	cfg := testConfig()
	cfg.SourceMode = config.ModeS3
	mgr := NewManager(cfg, Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Refresher: ref})
	gen := r.seq.Generation()

	// mirror 경로를 디렉토리로 바꿔서 읽기가 실패하게 한다
	path := r.mirror.Path()
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "x"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr.refresh()
	if mgr.Status().LastError == "" {
		t.Error("mirror failure not recorded")
	}
	if ref.commits != 0 {
		t.Errorf("committed content that was never applied (commits = %d)", ref.commits)
	}
	if got := atomic.LoadInt64(&r.met.MirrorWriteErrorsTotal); got != 1 {
		t.Errorf("write errors = %d", got)
	}
	if r.seq.Count() != 1 || r.seq.Generation() != gen {
		t.Fatalf("sequence moved on failed apply: count = %d gen = %d", r.seq.Count(), r.seq.Generation())
	}

	// 디스크 복구 후 다음 refresh 가 같은 내용을 다시 받아 반영한다
	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("old|N:1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr.refresh()
	if r.seq.Count() != 2 || r.seq.Generation() != gen+1 {
		t.Fatalf("after recovery: count = %d gen = %d", r.seq.Count(), r.seq.Generation())
	}
	if got := mirrorText(t, r.mirror); got != "new|N:1\nnew|N:2\n" {
		t.Errorf("mirror = %q", got)
	}
	if ref.commits != 1 || mgr.Status().LastError != "" {
		t.Errorf("commits = %d, status = %+v", ref.commits, mgr.Status())
	}

	mgr.refresh()
	if ref.fetches != 3 || r.seq.Count() != 2 {
		t.Errorf("fetches = %d count = %d", ref.fetches, r.seq.Count())
	}
}

func TestBulkRefreshFinishesPendingReset(t *testing.T) {
	r := newRig(t, "old|N:1\n")
	ref := &etagRefresher{body: []byte("new|N:1\nnew|N:2\n")}
	cfg := testConfig()
	cfg.SourceMode = config.ModeS3
	mgr := NewManager(cfg, Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Refresher: ref})
	gen := r.seq.Generation()

	// 이전 refresh 에서 mirror 교체는 끝났지만 Reset 은 실패한 상태
	if err := r.mirror.Replace(ref.body); err != nil {
		t.Fatal(err)
	}
	mgr.resetPending = true

	mgr.refresh()
	if r.seq.Count() != 2 || r.seq.Generation() != gen+1 {
		t.Fatalf("count = %d gen = %d", r.seq.Count(), r.seq.Generation())
	}
	if mgr.resetPending || ref.commits != 1 {
		t.Errorf("resetPending = %v commits = %d", mgr.resetPending, ref.commits)
	}
}

func TestFollowModeStatus(t *testing.T) {
	r := newRig(t, "a|N:1\n")
	cfg := testConfig()
	cfg.SourceMode = config.ModeMirror
	mgr := NewManager(cfg, Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met})
	mgr.Start()
	if s := mgr.Status(); s.Mode != "mirror" {
		t.Errorf("mode = %q", s.Mode)
	}
	mgr.Shutdown()
	if s := mgr.Status(); s.State != model.StateStopped {
		t.Errorf("state = %q", s.State)
	}
}

func TestUnwrittenLinesSpillAndRestore(t *testing.T) {
	r := newRig(t, "a|N:1\n")
	cfg := testConfig()
	cfg.SpillDir = filepath.Join(t.TempDir(), "spill")
	cfg.InstanceID = "rig-7"

	mgr := NewManager(cfg, Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Streamer: newFakeStreamer(0)})
	path := r.mirror.Path()
	r.mirror.Close()
	mgr.ingest([]string{"b|N:2", "c|N:3"})
	mgr.Shutdown()

	if got := atomic.LoadInt64(&r.met.LinesSpilledTotal); got != 2 {
		t.Fatalf("spilled = %d, want 2", got)
	}
	if got := atomic.LoadInt64(&r.met.LinesDroppedTotal); got != 0 {
		t.Errorf("dropped = %d", got)
	}

	// 재시작: mirror 를 다시 열면 spill 이 먼저 들어간 뒤 streaming 이 시작된다
	m2, err := mirror.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()
	met := metrics.New()
	seq := sequence.New(m2, met)
	if _, err := seq.Sync(); err != nil {
		t.Fatal(err)
	}
	fs := newFakeStreamer(0)
	mgr2 := NewManager(cfg, Deps{Mirror: m2, Sequence: seq, Metrics: met, Streamer: fs})
	mgr2.Start()
	defer mgr2.Shutdown()

	waitCount(t, seq, 3)
	if got := mirrorText(t, m2); got != "a|N:1\nb|N:2\nc|N:3\n" {
		t.Errorf("mirror = %q", got)
	}
	if got := atomic.LoadInt64(&met.LinesRestoredTotal); got != 2 {
		t.Errorf("restored = %d", got)
	}

	// 원격이 같은 줄을 다시 보내도 중복 없이 이어진다
	st := fs.next(t)
	st.ch <- []byte("b|N:2\nc|N:3\nd|N:4\n")
	waitCount(t, seq, 4)

	entries, err := os.ReadDir(cfg.SpillDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("spill files left behind: %d", len(entries))
	}
}

func TestDamagedSpillIsKeptUntilFlushed(t *testing.T) {
	r := newRig(t, "a|N:1\n")
	cfg := testConfig()
	cfg.SpillDir = t.TempDir()
	cfg.InstanceID = "rig-7"

	// 읽히는 두 줄 뒤에 깨진 줄
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("\"b|N:2\"\n\"c|N:3\"\nnot-json\n"))
	zw.Close()
	name := "1700000000_rig-7_000001.jsonl.gz"
	if err := os.WriteFile(filepath.Join(cfg.SpillDir, name), buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	// mirror 쓰기가 불가능하면 파일을 그대로 둔다
	path := r.mirror.Path()
	r.mirror.Close()
	mgr := NewManager(cfg, Deps{Mirror: r.mirror, Sequence: r.seq, Metrics: r.met, Streamer: newFakeStreamer(0)})
	mgr.restoreSpill()

	if names, err := mgr.spill.Pending(); err != nil || len(names) != 1 || names[0] != name {
		t.Fatalf("pending after failed restore = %v, %v", names, err)
	}
	if got := atomic.LoadInt64(&r.met.LinesRestoredTotal); got != 0 {
		t.Errorf("restored = %d", got)
	}

	// 다음 시작: 읽히는 줄이 들어간 뒤에 .bad 로 옮긴다
	m2, err := mirror.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()
	met := metrics.New()
	seq := sequence.New(m2, met)
	if _, err := seq.Sync(); err != nil {
		t.Fatal(err)
	}
	mgr2 := NewManager(cfg, Deps{Mirror: m2, Sequence: seq, Metrics: met, Streamer: newFakeStreamer(0)})
	mgr2.restoreSpill()

	if got := mirrorText(t, m2); got != "a|N:1\nb|N:2\nc|N:3\n" {
		t.Errorf("mirror = %q", got)
	}
	if got := atomic.LoadInt64(&met.LinesRestoredTotal); got != 2 {
		t.Errorf("restored = %d", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.SpillDir, name+".bad")); err != nil {
		t.Errorf("damaged file not quarantined: %v", err)
	}
	if names, _ := mgr2.spill.Pending(); len(names) != 0 {
		t.Errorf("pending = %v", names)
	}
}
