package search

import (
	"sort"
	"strings"
	"unicode/utf8"

	roaring "github.com/RoaringBitmap/roaring"

	"github.com/skiffcore/skiff/skiff/entry"
	"github.com/skiffcore/skiff/skiff/index"
)

// Match is one scored result. Matches are ephemeral: rebuilt on every
// query, never stored.
type Match struct {
	Entry entry.Entry
	Score int
	// Positions holds the byte offsets of matched characters within the
	// text the entry was matched on (name for local scope, root-relative
	// path for global scope).
	Positions []int
}

// Engine scores and ranks index entries against query strings. It is
// stateless apart from its result cap and safe for concurrent use; it
// always scores whatever snapshot generation it is handed and never
// blocks on index rebuilds.
type Engine struct {
	maxResults int
}

// NewEngine creates a search engine capped at maxResults per query.
// A non-positive cap falls back to 100.
func NewEngine(maxResults int) *Engine {
	if maxResults <= 0 {
		maxResults = 100
	}
	return &Engine{maxResults: maxResults}
}

// Search runs query over the given snapshot view and returns ranked
// matches. An empty query text returns the candidate set in its natural
// name-ascending order, unscored.
func (en *Engine) Search(q Query, v index.View) []Match {
	candidates := en.candidates(q, v)

	if strings.TrimSpace(q.Text) == "" {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Name < candidates[j].Name
		})
		if len(candidates) > en.maxResults {
			candidates = candidates[:en.maxResults]
		}
		out := make([]Match, len(candidates))
		for i, e := range candidates {
			out[i] = Match{Entry: e}
		}
		return out
	}

	queryOriginal := []rune(q.Text)
	queryRunes := queryOriginal
	if !q.CaseSensitive {
		queryRunes = []rune(strings.ToLower(q.Text))
	}

	results := make([]Match, 0, 64)
	for _, e := range candidates {
		text := en.matchText(q, v, e)
		s, positions := matchOne(queryRunes, queryOriginal, text, q.CaseSensitive)
		if s > 0 {
			results = append(results, Match{Entry: e, Score: s, Positions: positions})
		}
	}

	// Ties break by path order for deterministic results.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.Path < results[j].Entry.Path
	})

	if len(results) > en.maxResults {
		results = results[:en.maxResults]
	}
	return results
}

// candidates selects the entry set the query runs over, applying the
// view's attribute bitmaps as pre-filters where possible.
func (en *Engine) candidates(q Query, v index.View) []entry.Entry {
	if q.Scope.Kind == Local {
		children := v.Children(q.Scope.Dir)
		out := children[:0:len(children)]
		for _, e := range children {
			if !q.IncludeHidden && e.IsHidden {
				continue
			}
			if len(q.Extensions) > 0 && !hasExt(e, q.Extensions) {
				continue
			}
			out = append(out, e)
		}
		return out
	}

	if v.Bitmaps == nil {
		return v.Entries
	}

	allowed := roaring.New()
	allowed.AddRange(0, uint64(len(v.Entries)))
	if !q.IncludeHidden {
		allowed.AndNot(v.Bitmaps.Hidden)
	}
	if len(q.Extensions) > 0 {
		allowed.And(v.Bitmaps.AnyExt(q.Extensions...))
	}
	if allowed.GetCardinality() == uint64(len(v.Entries)) {
		return v.Entries
	}

	out := make([]entry.Entry, 0, allowed.GetCardinality())
	it := allowed.Iterator()
	for it.HasNext() {
		out = append(out, v.Entries[it.Next()])
	}
	return out
}

// matchText picks the candidate text: the bare name for local scope, the
// root-relative path for global scope so segment boundaries count.
func (en *Engine) matchText(q Query, v index.View, e entry.Entry) string {
	if q.Scope.Kind == Local {
		return e.Name
	}
	rel := strings.TrimPrefix(e.Path, v.Root)
	return strings.TrimPrefix(rel, "/")
}

// matchOne performs the greedy in-order subsequence match and scores it.
// Returns 0 when any query character fails to appear in order.
func matchOne(queryRunes, queryOriginal []rune, text string, caseSensitive bool) (int, []int) {
	if text == "" || len(queryRunes) == 0 {
		return 0, nil
	}

	original := []rune(text)
	textRunes := original
	if !caseSensitive {
		textRunes = []rune(strings.ToLower(text))
	}

	positions := make([]int, 0, len(queryRunes))
	qi := 0
	for i := 0; i < len(textRunes) && qi < len(queryRunes); i++ {
		if textRunes[i] == queryRunes[qi] {
			positions = append(positions, i)
			qi++
		}
	}
	if qi != len(queryRunes) {
		return 0, nil
	}

	s := score(queryRunes, original, textRunes, queryOriginal, positions)
	return s, runeToByteOffsets(text, positions)
}

// runeToByteOffsets converts matched rune indices to byte offsets in text.
func runeToByteOffsets(text string, runeIdx []int) []int {
	if len(runeIdx) == 0 {
		return nil
	}
	offsets := make([]int, 0, len(runeIdx))
	byteOff := 0
	runePos := 0
	next := 0
	for _, r := range text {
		if next < len(runeIdx) && runePos == runeIdx[next] {
			offsets = append(offsets, byteOff)
			next++
		}
		byteOff += utf8.RuneLen(r)
		runePos++
	}
	return offsets
}

func hasExt(e entry.Entry, exts []string) bool {
	ext := e.Ext()
	for _, want := range exts {
		if ext == want {
			return true
		}
	}
	return false
}
