package citations

import (
	"reflect"
	"testing"

	"notebot/internal/storage"
)

func TestGroupedDedupesAndNumbers(t *testing.T) {
	in := []storage.Citation{
		{SourceID: "s1", SourceTitle: "T1", Excerpt: "a"},
		{SourceID: "s1", SourceTitle: "T1", Excerpt: "a"},
		{SourceID: "s1", SourceTitle: "T1", Excerpt: "b"},
		{SourceID: "s2", SourceTitle: "T2", Excerpt: "c"},
	}
	got := Grouped(in)
	want := []Group{
		{Number: 1, SourceID: "s1", SourceTitle: "T1", Excerpts: []string{"a", "b"}},
		{Number: 2, SourceID: "s2", SourceTitle: "T2", Excerpts: []string{"c"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected groups:\n got %#v\nwant %#v", got, want)
	}

	if l := Labels(got[0]); !reflect.DeepEqual(l, []string{"1a", "1b"}) {
		t.Fatalf("unexpected labels for group 1: %v", l)
	}
	if l := Labels(got[1]); !reflect.DeepEqual(l, []string{"2"}) {
		t.Fatalf("unexpected labels for group 2: %v", l)
	}
}

func TestGroupedKeepsFirstAppearanceOrder(t *testing.T) {
	got := Grouped([]storage.Citation{
		{SourceID: "s2", Excerpt: "x"},
		{SourceID: "s1", Excerpt: "y"},
		{SourceID: "s2", Excerpt: "z"},
	})
	if len(got) != 2 || got[0].SourceID != "s2" || got[1].SourceID != "s1" {
		t.Fatalf("unexpected order: %#v", got)
	}
	if !reflect.DeepEqual(got[0].Excerpts, []string{"x", "z"}) {
		t.Fatalf("unexpected excerpts: %v", got[0].Excerpts)
	}
}

func TestRegroupingIsIdempotent(t *testing.T) {
	in := []storage.Citation{
		{SourceID: "s3", SourceTitle: "C", Excerpt: "p"},
		{SourceID: "s1", SourceTitle: "A", Excerpt: "q"},
		{SourceID: "s3", SourceTitle: "C", Excerpt: "p"},
		{SourceID: "s3", SourceTitle: "C", Excerpt: "r"},
	}
	once := Grouped(in)
	twice := Grouped(Flatten(once))
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("regrouping changed result:\n once %#v\ntwice %#v", once, twice)
	}
}

func TestGroupedEmpty(t *testing.T) {
	if got := Grouped(nil); len(got) != 0 {
		t.Fatalf("expected no groups, got %#v", got)
	}
	if got := Flatten(nil); len(got) != 0 {
		t.Fatalf("expected no citations, got %#v", got)
	}
}

func TestLabelSuffixPastZ(t *testing.T) {
	g := Group{Number: 3, Excerpts: make([]string, 28)}
	l := Labels(g)
	if l[0] != "3a" || l[25] != "3z" || l[26] != "3aa" || l[27] != "3ab" {
		t.Fatalf("unexpected labels: %s %s %s %s", l[0], l[25], l[26], l[27])
	}
}
