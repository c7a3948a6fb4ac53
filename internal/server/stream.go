package server

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"minerstream/internal/broadcast"
	"minerstream/internal/model"
)

// wsWriteWait 는 WebSocket frame 하나를 쓰는 최대 시간.
// 이 시간 안에 못 쓰는 클라이언트는 끊는다.
const wsWriteWait = 10 * time.Second

// resetPayload 는 reset 이벤트 본문.
type resetPayload struct {
	Cursor     int64  `json:"cursor"`
	Generation uint64 `json:"generation"`
}

// streamResume 은 구독 시작 위치. 읽을 수 없는 토큰은 없는 것으로 보고 지금부터 보낸다.
// EventSource 는 200 이 아닌 응답을 받으면 재접속하지 않는다.
func (h *Handler) streamResume(r *http.Request) broadcast.Resume {
	resume, err := parseResume(r)
	if err != nil {
		h.log.Debug().Err(err).Str("ip", clientIP(r)).Msg("ignoring resume token, starting from now")
		return broadcast.Resume{}
	}
	return resume
}

// ------------------------------------------------------------
// SSE
// ------------------------------------------------------------

// sseSink 는 text/event-stream 으로 쓴다.
//
//	id: <cursor>
//	data: {"Time":"12:00:00","Status":"OK"}
//
// reset 은 "event: reset", heartbeat 는 comment 줄(": ping").
type sseSink struct {
	w  *bufio.Writer
	rc *http.ResponseController
}

func (s *sseSink) Send(ev model.Event) error {
	b, err := json.Marshal(ev.Record)
	if err != nil {
		return err
	}
	s.w.WriteString("id: ")
	s.w.WriteString(strconv.FormatInt(ev.Cursor, 10))
	s.w.WriteString("\ndata: ")
	s.w.Write(b)
	s.w.WriteString("\n\n")
	return s.flush()
}

func (s *sseSink) Reset(cursor int64, generation uint64) error {
	b, err := json.Marshal(resetPayload{Cursor: cursor, Generation: generation})
	if err != nil {
		return err
	}
	// 재접속 시 Last-Event-ID 가 새 위치를 가리키도록 id 도 옮긴다
	if cursor > 0 {
		fmt.Fprintf(s.w, "id: %d\n", cursor-1)
	}
	s.w.WriteString("event: reset\ndata: ")
	s.w.Write(b)
	s.w.WriteString("\n\n")
	return s.flush()
}

func (s *sseSink) Ping() error {
	s.w.WriteString(": ping\n\n")
	return s.flush()
}

func (s *sseSink) flush() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.rc.Flush()
}

// HandleStream
//
// Server-Sent Events 구독.
// 연결이 유지되는 동안 Broadcaster.Run 이 이 goroutine 에서 돈다.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	resume := h.streamResume(r)

	rc := http.NewResponseController(w)
	// 서버 Read/WriteTimeout 은 일반 요청용. 스트림은 끊길 때까지 유지한다.
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: bufio.NewWriterSize(w, 4096), rc: rc}
	// EventSource 재접속 간격 (ms)
	sink.w.WriteString("retry: 3000\n\n")
	if err := sink.flush(); err != nil {
		return
	}

	s := h.broadcaster.Subscribe(clientIP(r), resume)
	if err := h.broadcaster.Run(r.Context(), s, sink); err != nil {
		h.log.Debug().Err(err).Str("session", s.ID).Msg("sse closed")
	}
}

// ------------------------------------------------------------
// WebSocket
// ------------------------------------------------------------

// WebSocket 으로 보내는 JSON 메시지.
//
//	{"type":"record","cursor":12,"record":{...}}
//	{"type":"reset","cursor":0,"generation":3}
type wsRecordFrame struct {
	Type   string       `json:"type"`
	Cursor int64        `json:"cursor"`
	Record model.Record `json:"record"`
}

type wsResetFrame struct {
	Type       string `json:"type"`
	Cursor     int64  `json:"cursor"`
	Generation uint64 `json:"generation"`
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ev model.Event) error {
	return s.write(wsRecordFrame{Type: "record", Cursor: ev.Cursor, Record: ev.Record})
}

func (s *wsSink) Reset(cursor int64, generation uint64) error {
	return s.write(wsResetFrame{Type: "reset", Cursor: cursor, Generation: generation})
}

func (s *wsSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *wsSink) write(f any) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// HandleWebSocket
//
// ?cursor=&gen= 으로 시작 위치를 지정할 수 있다.
// 클라이언트가 보내는 메시지는 읽어서 버린다. 읽기 에러(close 포함)는 세션 종료로 본다.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	resume := h.streamResume(r)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 가 이미 에러 응답을 썼다
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(4096)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s := h.broadcaster.Subscribe(clientIP(r), resume)
	if err := h.broadcaster.Run(ctx, s, &wsSink{conn: conn}); err != nil {
		h.log.Debug().Err(err).Str("session", s.ID).Msg("websocket closed")
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
}
