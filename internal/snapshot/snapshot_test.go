package snapshot

import (
	"path/filepath"
	"reflect"
	"testing"

	json "github.com/goccy/go-json"

	"minerstream/internal/metrics"
	"minerstream/internal/mirror"
	"minerstream/internal/model"
	"minerstream/internal/sequence"
)

func setup(t *testing.T) (*Provider, *sequence.Sequence, *mirror.Mirror) {
	t.Helper()
	m, err := mirror.Open(filepath.Join(t.TempDir(), "bllcmon.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	seq := sequence.New(m, metrics.New())
	return New(seq, 0), seq, m
}

func TestEmptySnapshot(t *testing.T) {
	p, _, _ := setup(t)

	snap := p.Snapshot(0)
	if snap.Records == nil || len(snap.Records) != 0 {
		t.Errorf("records = %v, want empty non-nil", snap.Records)
	}
	if !reflect.DeepEqual(snap.Fields, model.DefaultFields) {
		t.Errorf("fields = %v, want fallback", snap.Fields)
	}
	if snap.Cursor != 0 {
		t.Errorf("cursor = %d", snap.Cursor)
	}

	b, _ := json.Marshal(snap)
	var out map[string]any
	json.Unmarshal(b, &out)
	if recs, ok := out["records"].([]any); !ok || len(recs) != 0 {
		t.Errorf("records json = %s", b)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	p, seq, m := setup(t)
	if err := m.Append([]byte("11:59:59|Status:OK|Hash:1|Pwr:300\n12:00:00|Status:OK|Hash:123\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := seq.Sync(); err != nil {
		t.Fatal(err)
	}

	snap := p.Snapshot(DefaultSize)
	if len(snap.Records) != 2 || snap.Cursor != 2 {
		t.Fatalf("records = %d cursor = %d", len(snap.Records), snap.Cursor)
	}
	last := snap.Records[len(snap.Records)-1]
	want := map[string]string{"Time": "12:00:00", "Status": "OK", "Hash": "123"}
	if !reflect.DeepEqual(last.Map(), want) {
		t.Errorf("last = %v, want %v", last.Map(), want)
	}
	if !reflect.DeepEqual(snap.Fields, []string{"Time", "Status", "Hash"}) {
		t.Errorf("fields = %v", snap.Fields)
	}
}

func TestSnapshotBoundedAndIdempotent(t *testing.T) {
	p, seq, m := setup(t)
	for i := 0; i < 5; i++ {
		m.Append([]byte("t|N:1\n"))
	}
	seq.Sync()

	a := p.Snapshot(3)
	b := p.Snapshot(3)
	if len(a.Records) != 3 || a.Cursor != 5 {
		t.Fatalf("records = %d cursor = %d", len(a.Records), a.Cursor)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("snapshot not idempotent: %+v vs %+v", a, b)
	}
}

func TestZeroSizeSnapshotKeepsFieldsAndCursor(t *testing.T) {
	p, seq, m := setup(t)
	m.Append([]byte("a|Status:OK|Hash:1\nb|Status:OK|Hash:2\n"))
	seq.Sync()

	snap := p.Snapshot(0)
	if snap.Records == nil || len(snap.Records) != 0 || snap.Cursor != 2 {
		t.Fatalf("records = %v cursor = %d", snap.Records, snap.Cursor)
	}
	if !reflect.DeepEqual(snap.Fields, []string{"Time", "Status", "Hash"}) {
		t.Errorf("fields = %v", snap.Fields)
	}
	if got := p.Snapshot(-1); len(got.Records) != 2 {
		t.Errorf("default-size snapshot = %d records", len(got.Records))
	}
}
