// internal/snapshot/snapshot.go
package snapshot

import (
	"minerstream/internal/model"
	"minerstream/internal/sequence"
)

// DefaultSize 는 /init 에서 사용하는 기본 레코드 수.
const DefaultSize = 180

// Provider
// ------------------------------------------------------------
// 최초 화면 로딩용 스냅샷을 만든다.
// 상태가 없으며 Sequence 의 Tail 한 번으로 만들어지므로
// records / cursor / generation 은 항상 같은 시점 기준이다.
type Provider struct {
	seq  *sequence.Sequence
	size int
}

// New 는 기본 크기 size 로 Provider 를 만든다. size <= 0 이면 DefaultSize.
func New(seq *sequence.Sequence, size int) *Provider {
	if size <= 0 {
		size = DefaultSize
	}
	return &Provider{seq: seq, size: size}
}

// Size returns the default snapshot size.
func (p *Provider) Size() int { return p.size }

// Snapshot
//
// 마지막 n 개 레코드와 필드 목록을 반환한다 (n < 0 이면 기본 크기).
//   - n == 0: 레코드 없이 Fields/Cursor 만. 이력 없이 지금부터 구독하려는 클라이언트용
//   - Fields: 가장 최근 레코드의 key 순서. 레코드가 없으면 model.DefaultFields
//   - Cursor: 스냅샷 끝 위치. token 없는 새 구독자의 시작점
//
// 데이터가 없어도 에러가 아니라 빈 Records 를 돌려준다.
func (p *Provider) Snapshot(n int) model.Snapshot {
	if n < 0 {
		n = p.size
	}
	// Fields 를 위해 최소 한 개는 읽는다
	recs, end, gen := p.seq.Tail(max(n, 1))

	var fields []string
	if len(recs) > 0 {
		fields = recs[len(recs)-1].Keys()
	} else {
		fields = append([]string(nil), model.DefaultFields...)
	}

	if len(recs) > n {
		recs = recs[len(recs)-n:]
	}

	return model.Snapshot{
		Records:    recs,
		Fields:     fields,
		Cursor:     end,
		Generation: gen,
	}
}
