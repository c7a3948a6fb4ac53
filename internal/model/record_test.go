package model

import (
	"testing"

	json "github.com/goccy/go-json"
)

func TestRecordMarshalKeepsOrder(t *testing.T) {
	rec := Record{{"Time", "12:00:00"}, {"Status", "OK"}, {"Hash", "1\"23"}}

	got, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"Time":"12:00:00","Status":"OK","Hash":"1\"23"}`
	if string(got) != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}
}

func TestRecordMarshalEmpty(t *testing.T) {
	got, err := json.Marshal(Record{})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "{}" {
		t.Errorf("Marshal = %s, want {}", got)
	}
}

func TestRecordSetAndKeys(t *testing.T) {
	var rec Record
	rec = rec.Set("Time", "t")
	rec = rec.Set("A", "1")
	rec = rec.Set("A", "2")

	if keys := rec.Keys(); len(keys) != 2 || keys[0] != "Time" || keys[1] != "A" {
		t.Errorf("Keys = %v", keys)
	}
	if v, ok := rec.Get("A"); !ok || v != "2" {
		t.Errorf("Get(A) = %q, %v", v, ok)
	}

	dup := rec.Clone()
	dup[1].Value = "changed"
	if v, _ := rec.Get("A"); v != "2" {
		t.Error("Clone shares backing array with original")
	}
}
