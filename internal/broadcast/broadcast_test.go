package broadcast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"minerstream/internal/metrics"
	"minerstream/internal/mirror"
	"minerstream/internal/model"
	"minerstream/internal/sequence"
)

type resetMsg struct {
	cursor int64
	gen    uint64
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	resets []resetMsg
	pings  int
	failAt int // 0 이면 실패하지 않는다
	notify chan struct{}
}

func newSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 1024)}
}

func (s *recordingSink) Send(ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 >= s.failAt {
		return errors.New("write: broken pipe")
	}
	s.events = append(s.events, ev)
	s.notify <- struct{}{}
	return nil
}

func (s *recordingSink) Reset(cursor int64, gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, resetMsg{cursor, gen})
	s.notify <- struct{}{}
	return nil
}

func (s *recordingSink) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return nil
}

func (s *recordingSink) cursors() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Cursor
	}
	return out
}

func (s *recordingSink) waitEvents(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		s.mu.Lock()
		got := len(s.events)
		s.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("got %d events, want %d", got, n)
		}
	}
}

type rig struct {
	mirror *mirror.Mirror
	seq    *sequence.Sequence
	met    *metrics.Metrics
	b      *Broadcaster
}

func newRig(t *testing.T) rig {
	t.Helper()
	m, err := mirror.Open(filepath.Join(t.TempDir(), "bllcmon.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	met := metrics.New()
	seq := sequence.New(m, met)
	// poll 을 길게 잡아 Changed() 알림만으로 전달되는지 확인한다
	return rig{mirror: m, seq: seq, met: met, b: New(seq, met, time.Minute, 0)}
}

func (r rig) appendLines(t *testing.T, from, n int) {
	t.Helper()
	var b []byte
	for i := from; i < from+n; i++ {
		b = append(b, fmt.Sprintf("12:00:%02d|Status:OK|Hash:%d\n", i%60, i)...)
	}
	if err := r.mirror.Append(b); err != nil {
		t.Fatal(err)
	}
	if _, err := r.seq.Sync(); err != nil {
		t.Fatal(err)
	}
}

func (r rig) run(t *testing.T, s *Session, sink Sink) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- r.b.Run(ctx, s, sink) }()
	t.Cleanup(stop)
	return stop, ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func expectRange(t *testing.T, got []int64, from, to int64) {
	t.Helper()
	if int64(len(got)) != to-from {
		t.Fatalf("got %d events (%v), want [%d, %d)", len(got), got, from, to)
	}
	for i, c := range got {
		if c != from+int64(i) {
			t.Fatalf("event %d has cursor %d, want %d", i, c, from+int64(i))
		}
	}
}

func TestEachSubscriberGetsItsOwnRange(t *testing.T) {
	r := newRig(t)
	r.appendLines(t, 0, 50)

	early := newSink()
	late := newSink()
	s1 := r.b.Subscribe("10.0.0.1", Resume{Cursor: 0, HasCursor: true})
	s2 := r.b.Subscribe("10.0.0.2", Resume{Cursor: 50, HasCursor: true, HasGeneration: true})
	r.run(t, s1, early)
	r.run(t, s2, late)

	early.waitEvents(t, 50)
	r.appendLines(t, 50, 10)

	early.waitEvents(t, 60)
	late.waitEvents(t, 10)

	expectRange(t, early.cursors(), 0, 60)
	expectRange(t, late.cursors(), 50, 60)

	if got := r.b.Active(); got != 2 {
		t.Errorf("active = %d", got)
	}
	// 카운터는 batch 전송이 끝난 뒤에 올라간다
	waitFor(t, func() bool { return atomic.LoadInt64(&r.met.EventsSentTotal) == 70 })
}

func TestSubscribeWithoutCursorStartsAtCount(t *testing.T) {
	r := newRig(t)
	r.appendLines(t, 0, 5)

	sink := newSink()
	s := r.b.Subscribe("", Resume{})
	if s.Cursor() != 5 {
		t.Fatalf("cursor = %d, want 5", s.Cursor())
	}
	r.run(t, s, sink)

	r.appendLines(t, 5, 2)
	sink.waitEvents(t, 2)
	expectRange(t, sink.cursors(), 5, 7)
}

func TestLargeBacklogIsDeliveredInOrder(t *testing.T) {
	r := newRig(t)
	r.appendLines(t, 0, maxBatch*2+17)

	sink := newSink()
	s := r.b.Subscribe("", Resume{HasCursor: true})
	r.run(t, s, sink)

	sink.waitEvents(t, maxBatch*2+17)
	expectRange(t, sink.cursors(), 0, maxBatch*2+17)
}

func TestStaleCursorIsReset(t *testing.T) {
	r := newRig(t)
	r.appendLines(t, 0, 3)

	// count 보다 큰 cursor
	sink := newSink()
	s := r.b.Subscribe("", Resume{Cursor: 99, HasCursor: true})
	r.run(t, s, sink)

	deadline := time.After(3 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.resets)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-sink.notify:
		case <-deadline:
			t.Fatal("no reset signaled")
		}
	}
	sink.mu.Lock()
	got := sink.resets[0]
	sink.mu.Unlock()
	if got.cursor != 3 || got.gen != 0 {
		t.Errorf("reset = %+v", got)
	}

	r.appendLines(t, 3, 1)
	sink.waitEvents(t, 1)
	expectRange(t, sink.cursors(), 3, 4)
}

func TestReplaceSignalsResetToLiveSessions(t *testing.T) {
	r := newRig(t)
	r.appendLines(t, 0, 4)

	sink := newSink()
	s := r.b.Subscribe("", Resume{Cursor: 0, HasCursor: true})
	r.run(t, s, sink)
	sink.waitEvents(t, 4)

	if err := r.mirror.Replace([]byte("13:00:00|Status:OK|Hash:x\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.seq.Reset(); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.resets)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-sink.notify:
		case <-deadline:
			t.Fatal("no reset signaled")
		}
	}
	sink.mu.Lock()
	got := sink.resets[0]
	sink.mu.Unlock()
	if got.cursor != 1 || got.gen != 1 {
		t.Errorf("reset = %+v, want cursor 1 gen 1", got)
	}

	// reset 이후 새 generation 의 레코드가 이어서 온다
	r.appendLines(t, 1, 1)
	sink.waitEvents(t, 5)
	if c := sink.cursors(); c[4] != 1 {
		t.Errorf("first cursor after reset = %d, want 1", c[4])
	}
	waitFor(t, func() bool { return s.Generation() == 1 && s.Cursor() == 2 })
	if got := atomic.LoadInt64(&r.met.ResetsSignaledTotal); got != 1 {
		t.Errorf("resets signaled = %d", got)
	}
}

func TestSendErrorEndsSession(t *testing.T) {
	r := newRig(t)
	r.appendLines(t, 0, 10)

	sink := newSink()
	sink.failAt = 4
	s := r.b.Subscribe("", Resume{Cursor: 0, HasCursor: true})
	_, done := r.run(t, s, sink)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected send error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}

	expectRange(t, sink.cursors(), 0, 3)
	if s.Cursor() != 3 {
		t.Errorf("cursor = %d, want 3", s.Cursor())
	}
	if r.b.Active() != 0 {
		t.Errorf("active = %d", r.b.Active())
	}
	if got := atomic.LoadInt64(&r.met.SendErrorsTotal); got != 1 {
		t.Errorf("send errors = %d", got)
	}
	if got := atomic.LoadInt64(&r.met.SubscribersActive); got != 0 {
		t.Errorf("gauge = %d", got)
	}
}

func TestCancelEndsSessionCleanly(t *testing.T) {
	r := newRig(t)
	sink := newSink()
	s := r.b.Subscribe("10.1.1.1", Resume{})
	cancel, done := r.run(t, s, sink)

	if infos := r.b.Sessions(); len(infos) != 1 || infos[0].RemoteAddr != "10.1.1.1" {
		t.Fatalf("sessions = %+v", infos)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	if r.b.Active() != 0 {
		t.Errorf("active = %d", r.b.Active())
	}
	r.b.Unsubscribe(s)
	if got := atomic.LoadInt64(&r.met.SubscribersActive); got != 0 {
		t.Errorf("gauge = %d after double unsubscribe", got)
	}
}

func TestHeartbeatPings(t *testing.T) {
	r := newRig(t)
	r.b = New(r.seq, r.met, time.Minute, 10*time.Millisecond)

	sink := newSink()
	s := r.b.Subscribe("", Resume{})
	r.run(t, s, sink)

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.pings >= 2
	})
}
