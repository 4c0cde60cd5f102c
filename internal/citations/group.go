package citations

import (
	"strconv"

	"notebot/internal/storage"
)

// Group is every excerpt cited from one source. Number is 1-based and follows
// the order in which sources first appear.
type Group struct {
	Number      int      `json:"number"`
	SourceID    string   `json:"source_id"`
	SourceTitle string   `json:"source_title"`
	Excerpts    []string `json:"excerpts"`
}

// Grouped collapses citations by source, keeping first-appearance order and
// dropping exact duplicate excerpts.
func Grouped(cites []storage.Citation) []Group {
	out := make([]Group, 0)
	index := make(map[string]int)
	for _, c := range cites {
		i, ok := index[c.SourceID]
		if !ok {
			out = append(out, Group{Number: len(out) + 1, SourceID: c.SourceID, SourceTitle: c.SourceTitle})
			i = len(out) - 1
			index[c.SourceID] = i
		}
		if !contains(out[i].Excerpts, c.Excerpt) {
			out[i].Excerpts = append(out[i].Excerpts, c.Excerpt)
		}
	}
	return out
}

// Flatten is the inverse view of Grouped: one citation per kept excerpt, in
// group then excerpt order.
func Flatten(groups []Group) []storage.Citation {
	out := make([]storage.Citation, 0)
	for _, g := range groups {
		for _, e := range g.Excerpts {
			out = append(out, storage.Citation{SourceID: g.SourceID, SourceTitle: g.SourceTitle, Excerpt: e})
		}
	}
	return out
}

// Labels returns the presentation label of each excerpt of g: "2" for a
// single-excerpt group, otherwise "2a", "2b", ...
func Labels(g Group) []string {
	n := strconv.Itoa(g.Number)
	if len(g.Excerpts) <= 1 {
		return []string{n}
	}
	out := make([]string, len(g.Excerpts))
	for i := range g.Excerpts {
		out[i] = n + suffix(i)
	}
	return out
}

// suffix maps 0..25 to a..z, then continues aa, ab, ...
func suffix(i int) string {
	var b []byte
	for i >= 0 {
		b = append([]byte{byte('a' + i%26)}, b...)
		i = i/26 - 1
	}
	return string(b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
