// internal/worker/replay.go
package worker

// replayFilter
// ------------------------------------------------------------
// 재접속할 때마다 upstream 은 "마지막 K 줄" 을 다시 보낸다.
// 그중 이미 mirror 에 쓴 줄을 걸러낸다.
//
// 방식:
//   - recent: mirror 에 마지막으로 쓴(또는 쓰기로 확정한) K 줄
//   - 새 연결이 시작되면 창(window)을 연다
//   - 창이 열려 있는 동안 받은 줄은 모아 두기만 한다
//   - 창이 닫히면(K 줄 도달 / idle / 세션 종료) window 앞부분과
//     recent 뒷부분이 겹치는 가장 긴 구간을 버리고 나머지를 돌려준다
//
// 같은 내용의 줄이 여러 번 있어도 "겹치는 연속 구간" 으로 판단하므로
// 새 줄을 중복으로 오인해 버리지 않는다.
type replayFilter struct {
	k      int
	recent []string
	window []string
	open   bool
}

func newReplayFilter(k int) *replayFilter {
	return &replayFilter{k: k}
}

// Seed 는 시작 시 mirror 의 마지막 줄들로 recent 를 채운다.
func (r *replayFilter) Seed(lines []string) {
	r.recent = r.recent[:0]
	r.Remember(lines)
}

// Remember 는 mirror 로 보낸 줄을 recent 에 추가한다 (최대 K 개 유지).
func (r *replayFilter) Remember(lines []string) {
	if r.k <= 0 || len(lines) == 0 {
		return
	}
	r.recent = append(r.recent, lines...)
	if over := len(r.recent) - r.k; over > 0 {
		r.recent = append(r.recent[:0], r.recent[over:]...)
	}
}

// Begin 은 새 연결의 replay 창을 연다. 비교할 recent 가 없으면 열지 않는다.
func (r *replayFilter) Begin() {
	r.window = r.window[:0]
	r.open = r.k > 0 && len(r.recent) > 0
}

// Open reports whether the replay window is still collecting lines.
func (r *replayFilter) Open() bool { return r.open }

// Feed 는 새로 받은 줄을 처리한다.
// 창이 닫혀 있으면 그대로 돌려주고, 열려 있으면 모아 두었다가
// K 줄이 차는 순간 창을 닫고 결과를 돌려준다.
func (r *replayFilter) Feed(lines []string) (out []string, dropped int) {
	if !r.open {
		return lines, 0
	}
	r.window = append(r.window, lines...)
	if len(r.window) < r.k {
		return nil, 0
	}
	return r.Close()
}

// Close 는 창을 닫고, 겹치는 구간을 뺀 줄들을 돌려준다.
func (r *replayFilter) Close() (out []string, dropped int) {
	if !r.open {
		return nil, 0
	}
	r.open = false
	n := overlap(r.recent, r.window)
	out = append([]string(nil), r.window[n:]...)
	r.window = r.window[:0]
	return out, n
}

// overlap 은 head 의 앞 j 줄이 tail 의 마지막 j 줄과 같은 가장 큰 j 를 찾는다.
func overlap(tail, head []string) int {
	max := len(head)
	if len(tail) < max {
		max = len(tail)
	}
	for j := max; j > 0; j-- {
		if equalLines(tail[len(tail)-j:], head[:j]) {
			return j
		}
	}
	return 0
}

func equalLines(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
