// internal/worker/framer.go
package worker

import (
	"bytes"
	"strings"
)

// maxLineBytes 를 넘도록 '\n' 이 오지 않으면 그때까지 받은 내용을 한 줄로 내보낸다.
const maxLineBytes = 1 << 20

// framer
// ------------------------------------------------------------
// upstream 에서 받은 임의 크기의 chunk 를 완결된 줄로 자른다.
// '\n' 이 오기 전의 조각은 들고 있다가 다음 chunk 와 이어 붙인다.
//
// 줄 정리 규칙:
//   - 잘못된 UTF-8 바이트는 버린다 (루프를 멈추지 않는다)
//   - 끝의 '\r' 제거
//   - 공백뿐인 줄은 버린다 (Sequence 에서도 어차피 건너뛴다)
type framer struct {
	partial []byte
}

// Push 는 b 를 이어 붙이고 완결된 줄들을 반환한다.
func (f *framer) Push(b []byte) []string {
	f.partial = append(f.partial, b...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(f.partial[start:], '\n')
		if i < 0 {
			break
		}
		if ln, ok := cleanLine(f.partial[start : start+i]); ok {
			lines = append(lines, ln)
		}
		start += i + 1
	}

	rest := f.partial[start:]
	if len(rest) > maxLineBytes {
		if ln, ok := cleanLine(rest); ok {
			lines = append(lines, ln)
		}
		rest = nil
	}
	f.partial = append(f.partial[:0], rest...)
	return lines
}

// Pending 은 아직 '\n' 을 받지 못한 바이트 수.
func (f *framer) Pending() int { return len(f.partial) }

// Reset 은 들고 있던 조각을 버린다. 새 연결이 시작될 때 호출한다.
// 끊긴 연결의 반쪽 줄은 재접속 후 replay 로 다시 온다.
func (f *framer) Reset() { f.partial = f.partial[:0] }

func cleanLine(b []byte) (string, bool) {
	s := strings.ToValidUTF8(string(b), "")
	s = strings.TrimRight(s, "\r")
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// normalize 는 bulk 로 받은 전체 내용을 mirror 에 쓰는 형태로 바꾼다.
// 마지막 '\n' 뒤의 미완결 조각은 다음 refresh 때까지 쓰지 않는다.
func normalize(data []byte) []byte {
	var f framer
	lines := f.Push(data)
	return joinLines(lines)
}

// joinLines 는 각 줄 뒤에 '\n' 을 붙여 이어 붙인다.
func joinLines(lines []string) []byte {
	n := 0
	for _, ln := range lines {
		n += len(ln) + 1
	}
	out := make([]byte, 0, n)
	for _, ln := range lines {
		out = append(out, ln...)
		out = append(out, '\n')
	}
	return out
}
