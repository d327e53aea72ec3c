package byroute

import (
	"reflect"
	"testing"
)

func TestManager(t *testing.T) {
	m := New[int]()
	m.Add("b", 2)
	m.Add("a", 1)
	m.Add("b", 3)

	if m.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", m.Len())
	}
	if v, ok := m.Get("b"); !ok || v != 3 {
		t.Errorf("expected replaced value 3, got %d (ok=%v)", v, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("expected missing lookup to fail")
	}
	if ids := m.RouteIDs(); !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("expected sorted ids, got %v", ids)
	}
}

func TestManagerRangeStopsEarly(t *testing.T) {
	m := New[string]()
	m.Add("a", "x")
	m.Add("b", "y")
	m.Add("c", "z")

	seen := 0
	m.Range(func(string, string) bool {
		seen++
		return false
	})
	if seen != 1 {
		t.Errorf("expected Range to stop after one item, saw %d", seen)
	}
}

func TestCollect(t *testing.T) {
	m := New[int]()
	m.Add("a", 1)
	m.Add("b", 2)

	got := Collect(m, func(v int) int { return v * 10 })
	want := map[string]int{"a": 10, "b": 20}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Collect = %v, want %v", got, want)
	}
}
