// internal/model/record.go
package model

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// FieldTime 는 모든 레코드의 첫 번째 필드 이름이다.
const FieldTime = "Time"

// Field 는 레코드의 key/value 한 쌍.
type Field struct {
	Key   string
	Value string
}

// Record
// ------------------------------------------------------------
// 원격 장비 로그 한 줄을 파싱한 결과.
// 필드 순서가 의미를 가지므로(map 이 아니라) slice 로 보관한다.
//   - 첫 필드는 항상 "Time"
//   - 같은 key 가 다시 나오면 값만 갱신하고 위치는 처음 등장한 곳을 유지
//
// 필드 집합은 레코드마다 다를 수 있으며,
// 화면 schema 는 가장 최근 레코드의 Keys() 로 결정된다.
type Record []Field

// Set 은 key 의 값을 설정한다. 이미 있으면 값만 교체(last occurrence wins).
func (r Record) Set(key, value string) Record {
	for i := range r {
		if r[i].Key == key {
			r[i].Value = value
			return r
		}
	}
	return append(r, Field{Key: key, Value: value})
}

// Get returns the value for key.
func (r Record) Get(key string) (string, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Keys 는 필드 이름을 등장 순서대로 반환한다.
func (r Record) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Key
	}
	return keys
}

// Map 은 순서를 버린 map 사본을 반환한다 (테스트/비교용).
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r))
	for _, f := range r {
		m[f.Key] = f.Value
	}
	return m
}

// Clone 은 호출자가 소유하는 사본을 만든다.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	dup := make(Record, len(r))
	copy(dup, r)
	return dup
}

// MarshalJSON
//
// 필드 순서를 유지한 JSON object 로 직렬화한다.
// 예: {"Time":"12:00:00","Status":"OK","Hash":"123"}
//
// encoding/json 의 map 직렬화는 key 를 정렬해버리므로 직접 조립한다.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(16 + len(r)*24)
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
