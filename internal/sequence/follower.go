// internal/sequence/follower.go
package sequence

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"minerstream/internal/mirror"
	"minerstream/internal/model"
)

// Follower
// ------------------------------------------------------------
// mirror 를 다른 프로세스가 쓰는 경우(SOURCE_MODE=mirror) 사용한다.
// 이 프로세스는 fetcher 없이 파일 변화만 따라가며 Sequence 를 갱신한다.
//
// 깨우는 경로는 두 가지:
//   - fsnotify: mirror 가 있는 디렉토리를 감시 (rename 교체도 잡기 위해 파일이 아니라 디렉토리)
//   - poll: 이벤트를 놓치는 파일시스템(NFS, 일부 docker mount)을 위한 안전망
//
// 이미 읽은 구간의 마지막 바이트(fingerprint)가 바뀌었거나 파일이 줄어들면
// 파일이 교체된 것으로 보고 Reset 한다.
type Follower struct {
	seq    *Sequence
	mirror *mirror.Mirror
	poll   time.Duration

	mu     sync.Mutex
	status model.IngestStatus
	fp     []byte
}

// NewFollower creates a Follower; poll <= 0 uses 2s.
func NewFollower(seq *Sequence, m *mirror.Mirror, poll time.Duration) *Follower {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Follower{
		seq:    seq,
		mirror: m,
		poll:   poll,
		status: model.IngestStatus{Mode: "mirror", Source: m.Path(), State: model.StateFollowing, Since: time.Now()},
	}
}

// Run 은 ctx 가 끝날 때까지 mirror 를 따라간다.
func (f *Follower) Run(ctx context.Context) {
	f.check()

	var events <-chan fsnotify.Event
	var errs <-chan error

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("follower: fsnotify unavailable, polling only")
	} else {
		defer w.Close()
		if err := w.Add(filepath.Dir(f.mirror.Path())); err != nil {
			log.Warn().Err(err).Msg("follower: cannot watch mirror dir, polling only")
		} else {
			events, errs = w.Events, w.Errors
		}
	}

	target := filepath.Clean(f.mirror.Path())
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.setState(model.StateStopped, nil)
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				f.check()
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn().Err(err).Msg("follower: watcher error")

		case <-ticker.C:
			f.check()
		}
	}
}

// check 는 파일 상태를 보고 Sync 또는 Reset 한다.
func (f *Follower) check() {
	offset := f.seq.Offset()
	replaced := f.mirror.Size() < offset

	if !replaced && offset > 0 {
		cur, err := f.mirror.Fingerprint(offset)
		if err != nil {
			f.setState(model.StateFollowing, err)
			return
		}
		f.mu.Lock()
		replaced = f.fp != nil && !bytes.Equal(cur, f.fp)
		f.mu.Unlock()
	}

	var added int
	var err error
	if replaced {
		log.Info().Int64("offset", offset).Msg("follower: mirror replaced, resetting sequence")
		err = f.seq.Reset()
	} else {
		added, err = f.seq.Sync()
	}
	if err != nil {
		log.Error().Err(err).Msg("follower: sync failed")
		f.setState(model.StateFollowing, err)
		return
	}

	fp, err := f.mirror.Fingerprint(f.seq.Offset())
	f.mu.Lock()
	if err == nil {
		f.fp = fp
	}
	if added > 0 || replaced {
		f.status.LastIngest = time.Now()
	}
	f.mu.Unlock()
	f.setState(model.StateFollowing, nil)
}

func (f *Follower) setState(state string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.State != state {
		f.status.State = state
		f.status.Since = time.Now()
	}
	if err != nil {
		f.status.LastError = err.Error()
	} else {
		f.status.LastError = ""
	}
}

// Status returns the current follower status.
func (f *Follower) Status() model.IngestStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}
