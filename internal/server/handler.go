package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"minerstream/internal/broadcast"
	"minerstream/internal/config"
	"minerstream/internal/logger"
	"minerstream/internal/metrics"
	"minerstream/internal/model"
	"minerstream/internal/pool"
	"minerstream/internal/sequence"
	"minerstream/internal/snapshot"
)

// maxNewRecords 는 /new 한 번에 돌려주는 최대 레코드 수.
const maxNewRecords = 5000

// StatusReporter 는 ingestion 상태를 알려준다 (worker.Manager).
type StatusReporter interface {
	Status() model.IngestStatus
}

type Handler struct {
	metrics     *metrics.Metrics
	seq         *sequence.Sequence
	snap        *snapshot.Provider
	broadcaster *broadcast.Broadcaster
	ingest      StatusReporter
	upgrader    websocket.Upgrader
	log         zerolog.Logger

	// /new 를 cursor 없이 부르는 polling 클라이언트용 "마지막으로 알려준 위치".
	// /init 과 /new 가 갱신한다.
	mu           sync.Mutex
	lastReported int64
	lastGen      uint64
	primed       bool
}

func NewHandler(cfg config.Config, m *metrics.Metrics, seq *sequence.Sequence, b *broadcast.Broadcaster, ingest StatusReporter) *Handler {
	return &Handler{
		metrics:     m,
		seq:         seq,
		snap:        snapshot.New(seq, cfg.SnapshotSize),
		broadcaster: b,
		ingest:      ingest,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 대시보드는 장비 LAN 안에서 다른 origin 으로 띄우는 경우가 많다
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logger.Component("http"),
	}
}

// Routes 는 모든 엔드포인트를 등록한 mux 를 반환한다.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.HandleFunc("GET /init", h.HandleInit)
	mux.HandleFunc("GET /new", h.HandleNew)
	mux.HandleFunc("GET /stream", h.HandleStream)
	mux.HandleFunc("GET /ws", h.HandleWebSocket)
	mux.HandleFunc("GET /export", h.HandleExport)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

func (h *Handler) HandleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "minerstream\n\n"+
		"GET /init     latest records + field order\n"+
		"GET /stream   server-sent events (Last-Event-ID / ?cursor=&gen=)\n"+
		"GET /ws       websocket\n"+
		"GET /new      records since last poll (or ?cursor=&gen=)\n"+
		"GET /export   gzip NDJSON (?from=&to=)\n"+
		"GET /status   ingestion and subscriber state\n")
}

// HandleInit
//
// 최초 화면용 스냅샷. ?n= 으로 개수를 바꿀 수 있다 (기본 SNAPSHOT_SIZE, 0 이면 레코드 없이 cursor 만).
// 응답의 cursor 를 /stream?cursor= 로 넘기면 스냅샷 이후부터 빠짐없이 이어 받는다.
func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	n := h.snap.Size()
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	s := h.snap.Snapshot(n)

	h.mu.Lock()
	h.lastReported, h.lastGen, h.primed = s.Cursor, s.Generation, true
	h.mu.Unlock()

	h.writeJSON(w, s)
}

// newResponse 는 /new 응답.
type newResponse struct {
	Records    []model.Record `json:"records"`
	Cursor     int64          `json:"cursor"`
	Generation uint64         `json:"generation"`
	Reset      bool           `json:"reset,omitempty"`
}

// HandleNew
//
// polling 클라이언트용.
//   - ?cursor=&gen= 이 있으면 그 위치부터 (stateless)
//   - 없으면 서버가 마지막으로 알려준 위치부터. 처음 호출이면 빈 응답으로 위치만 잡는다
//
// generation 이 바뀌었거나 cursor 가 범위를 벗어나면 reset:true 와 현재 위치를 돌려준다.
func (h *Handler) HandleNew(w http.ResponseWriter, r *http.Request) {
	q, err := parseResume(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stateless := q.HasCursor
	if !stateless {
		h.mu.Lock()
		if h.primed {
			q = broadcast.Resume{Cursor: h.lastReported, Generation: h.lastGen, HasCursor: true, HasGeneration: true}
		}
		h.mu.Unlock()
	}

	count, gen := h.seq.Position()
	resp := newResponse{Records: []model.Record{}, Cursor: count, Generation: gen}

	if q.HasCursor {
		if !q.HasGeneration {
			q.Generation = gen
		}
		recs, err := h.seq.Since(q.Generation, q.Cursor, maxNewRecords)
		switch {
		case errors.Is(err, sequence.ErrReset):
			resp.Reset = true
			atomic.AddInt64(&h.metrics.ResetsSignaledTotal, 1)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		default:
			resp.Records = recs
			resp.Cursor = q.Cursor + int64(len(recs))
			resp.Generation = q.Generation
		}
	}

	if !stateless {
		h.mu.Lock()
		h.lastReported, h.lastGen, h.primed = resp.Cursor, resp.Generation, true
		h.mu.Unlock()
	}

	h.writeJSON(w, resp)
}

// HandleExport
//
// [from, to) 구간을 gzip 압축된 NDJSON(Event 한 줄씩)으로 내려준다.
// to 가 없으면 현재 끝까지.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := queryInt(r, "to", -1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if from < 0 {
		from = 0
	}
	recs := h.seq.Slice(from, to)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="miner-export.ndjson.gz"`)

	gz := pool.GetGzipWriter(w)
	defer pool.PutGzipWriter(gz)

	enc := json.NewEncoder(gz)
	for i, rec := range recs {
		if err := enc.Encode(model.Event{Cursor: from + int64(i), Record: rec}); err != nil {
			h.log.Debug().Err(err).Msg("export aborted")
			return
		}
	}
	if err := gz.Close(); err != nil {
		h.log.Debug().Err(err).Msg("export close")
	}
}

// statusResponse 는 /status 응답.
type statusResponse struct {
	Ingest      model.IngestStatus      `json:"ingest"`
	Count       int64                   `json:"count"`
	Generation  uint64                  `json:"generation"`
	Subscribers []broadcast.SessionInfo `json:"subscribers"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	count, gen := h.seq.Position()
	resp := statusResponse{
		Count:       count,
		Generation:  gen,
		Subscribers: h.broadcaster.Sessions(),
	}
	if h.ingest != nil {
		resp.Ingest = h.ingest.Status()
	}
	h.writeJSON(w, resp)
}

// HandleMetrics
//
// 내부 카운터를 key=value 텍스트로 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

// parseResume
//
// 구독 시작 위치를 읽는다.
//   - Last-Event-ID: N : 마지막으로 받은 이벤트가 N 이므로 N+1 부터.
//     EventSource 가 재접속할 때만 붙이므로 URL 의 cursor/gen 보다 우선한다
//   - ?cursor=N : N 부터 받는다 (/init 응답의 cursor 를 그대로 넘기는 용도)
//   - ?gen=G : cursor 가 속한 generation. 다르면 reset 을 받는다
func parseResume(r *http.Request) (broadcast.Resume, error) {
	var res broadcast.Resume
	q := r.URL.Query()

	if v := r.Header.Get("Last-Event-ID"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil || c < 0 {
			return res, errors.New("invalid Last-Event-ID")
		}
		res.Cursor, res.HasCursor = c+1, true
		return res, nil
	}

	if v := q.Get("cursor"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil || c < 0 {
			return res, errors.New("invalid cursor")
		}
		res.Cursor, res.HasCursor = c, true
	}
	if v := q.Get("gen"); v != "" {
		g, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return res, errors.New("invalid gen")
		}
		res.Generation, res.HasGeneration = g, true
	}
	return res, nil
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
