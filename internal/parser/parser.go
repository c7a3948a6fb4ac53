// internal/parser/parser.go
package parser

import (
	"strings"

	"minerstream/internal/model"
)

// Parse
//
// 장비 로그 한 줄을 Record 로 변환한다.
//
// 형식:
//
//	<time>|Key:Value|Key:Value|...
//
// 규칙:
//  1. 앞뒤 공백 제거 후 '|' 로 분리
//  2. 첫 segment 가 비어 있으면 레코드가 아님 → nil
//  3. 첫 segment 는 그대로 "Time" 값
//  4. 나머지는 첫 ':' 기준으로 한 번만 분리, 양쪽 trim
//     ':' 가 없는 segment 는 무시
//
// 잘못된 입력은 에러 대신 빈 결과를 돌려주며, 호출자는 "레코드 아님"으로 취급한다.
func Parse(line string) model.Record {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	segments := strings.Split(line, "|")
	if segments[0] == "" {
		return nil
	}

	rec := make(model.Record, 0, len(segments))
	rec = append(rec, model.Field{Key: model.FieldTime, Value: segments[0]})

	for _, seg := range segments[1:] {
		k, v, ok := strings.Cut(seg, ":")
		if !ok {
			continue
		}
		rec = rec.Set(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return rec
}

// ParseLines 는 여러 줄을 파싱해 레코드만 돌려준다.
// 두 번째 반환값은 버려진(빈 줄 제외) 줄 수.
func ParseLines(lines []string) ([]model.Record, int) {
	out := make([]model.Record, 0, len(lines))
	malformed := 0
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		rec := Parse(ln)
		if len(rec) == 0 {
			malformed++
			continue
		}
		out = append(out, rec)
	}
	return out, malformed
}
