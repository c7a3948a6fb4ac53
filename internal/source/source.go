// internal/source/source.go
package source

import (
	"context"
	"errors"
)

var (
	// ErrSessionEnded 는 원격 프로세스가 끝났거나 transport 가 닫혀서
	// 더 이상 데이터가 오지 않는 경우. "아직 새 데이터 없음"(idle)과 구분된다.
	ErrSessionEnded = errors.New("source: session ended")

	// ErrUnchanged 는 bulk fetch 결과가 이전과 같아서 본문을 받지 않은 경우.
	ErrUnchanged = errors.New("source: content unchanged")
)

// Stream
// ------------------------------------------------------------
// 연결 하나(= "마지막 K 줄 + follow" 명령 한 번)의 수신 측.
//
//   - Recv 는 새로 받은 원시 바이트를 반환한다. 줄 경계와 무관하다
//   - 데이터가 없으면 ctx 가 끝나거나 세션이 끝날 때까지 기다린다
//   - 세션 종료는 ErrSessionEnded (wrap 될 수 있음)
//   - Close 는 여러 번 호출해도 안전하고, 부수 에러는 무시한다
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Streamer 는 incremental 모드(SSH, local file)의 연결 생성기.
// Connect 는 접속 timeout 을 스스로 적용한다.
type Streamer interface {
	Connect(ctx context.Context) (Stream, error)
	Describe() string
}

// Refresher 는 bulk 모드의 fetcher.
// Fetch 는 원본 전체 내용을 반환하며, 바뀐 게 없으면 ErrUnchanged.
//
// "바뀐 게 없다"의 기준은 Commit 된 내용이다. 호출자는 Fetch 결과를 mirror 에
// 반영한 뒤에만 Commit 을 부른다. 반영에 실패하면 다음 Fetch 가 같은 내용을 다시 준다.
type Refresher interface {
	Fetch(ctx context.Context) ([]byte, error)
	Commit()
	Describe() string
}
