// internal/model/status.go
package model

import "time"

// Ingestion 상태 이름. /status 에 그대로 노출된다.
const (
	StateConnecting = "CONNECTING"
	StateStreaming  = "STREAMING"
	StateBackoff    = "BACKOFF"
	StateIdle       = "IDLE"
	StateFetching   = "FETCHING"
	StateFollowing  = "FOLLOWING"
	StateStopped    = "STOPPED"
)

// IngestStatus 는 ingestion 쪽 상태를 외부(/status)에 노출하기 위한 값이다.
// 내부 핸들(세션, 채널 등)은 절대 밖으로 나가지 않는다.
type IngestStatus struct {
	Mode       string    `json:"mode"`
	Source     string    `json:"source,omitempty"`
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	LastError  string    `json:"last_error,omitempty"`
	LastIngest time.Time `json:"last_ingest,omitempty"`
	Attempts   int64     `json:"attempts"`
}
