// internal/model/event.go
package model

// Event
// ------------------------------------------------------------
// 구독자에게 전달되는 단위.
// Cursor 는 해당 레코드의 절대 위치(0-based)이며,
// 클라이언트는 이 값을 resumption token(Last-Event-ID)으로 다시 보낸다.
type Event struct {
	Cursor int64  `json:"cursor"`
	Record Record `json:"record"`
}

// Snapshot
// ------------------------------------------------------------
// 최초 화면 로딩용 응답 (/init).
//   - Records: 가장 최근 N개 레코드
//   - Fields: 가장 최근 레코드의 key 순서 (레코드가 없으면 fallback 목록)
//   - Cursor: 스냅샷 끝 위치. 새 구독자가 token 없이 들어오면 여기서부터 받는다.
//   - Generation: 시퀀스 세대. 전체 교체(replace) 시 증가한다.
type Snapshot struct {
	Records    []Record `json:"records"`
	Fields     []string `json:"fields"`
	Cursor     int64    `json:"cursor"`
	Generation uint64   `json:"generation"`
}

// DefaultFields 는 레코드가 하나도 없을 때 화면에 보여줄 컬럼 목록이다.
var DefaultFields = []string{"Time", "Status", "Hash", "Pwr", "ITmp", "OTmp", "EElec", "Incm"}
