package status

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCollectEncodesSections(t *testing.T) {
	r := New()
	if err := r.Register("battery", func() any { return map[string]int{"level": 80} }); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("network", func() any { return map[string]string{"type": "wifi"} }); err != nil {
		t.Fatal(err)
	}

	snap, err := r.Collect()
	if err != nil {
		t.Fatal(err)
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"battery":{"level":80},"network":{"type":"wifi"}}`
	if string(doc) != want {
		t.Errorf("document = %s, want %s", doc, want)
	}
	if strings.Join(snap.Changed, ",") != "battery,network" {
		t.Errorf("changed = %v", snap.Changed)
	}
}

func TestCollectTracksChanges(t *testing.T) {
	r := New()
	level := 80
	r.Register("battery", func() any { return map[string]int{"level": level} })
	r.Register("board", func() any { return "rev-b" })

	first, _ := r.Collect()
	second, _ := r.Collect()
	if len(second.Changed) != 0 {
		t.Errorf("unchanged collect reported %v", second.Changed)
	}
	if first.Checksum() != second.Checksum() {
		t.Error("equal content produced different checksums")
	}

	level = 79
	third, _ := r.Collect()
	if len(third.Changed) != 1 || third.Changed[0] != "battery" {
		t.Errorf("changed = %v, want [battery]", third.Changed)
	}
	if third.Checksums["board"] != first.Checksums["board"] {
		t.Error("untouched section checksum moved")
	}
	if third.Checksum() == first.Checksum() {
		t.Error("changed content kept the same checksum")
	}
}

func TestCollectSkipsUnencodableSection(t *testing.T) {
	r := New()
	r.Register("bad", func() any { return make(chan int) })
	r.Register("good", func() any { return 1 })

	snap, err := r.Collect()
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Errorf("err = %v, want failure naming the bad section", err)
	}
	if _, ok := snap.Sections["bad"]; ok {
		t.Error("unencodable section included")
	}
	if string(snap.Sections["good"]) != "1" {
		t.Errorf("good section = %s", snap.Sections["good"])
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	if err := r.Register("", func() any { return nil }); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register("x", nil); err == nil {
		t.Error("nil provider accepted")
	}
	r.Register("x", func() any { return nil })
	if err := r.Register("x", func() any { return nil }); err == nil {
		t.Error("duplicate accepted")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "x" {
		t.Errorf("names = %v", names)
	}
}

func TestEmptySnapshotMarshals(t *testing.T) {
	doc, err := json.Marshal(Snapshot{})
	if err != nil || string(doc) != "{}" {
		t.Errorf("doc = %s, %v", doc, err)
	}
}
