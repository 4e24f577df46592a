package search

// Scoring weights. The ordering of concerns is: contiguous run length
// dominates, then matches that start a path segment, then shorter
// candidates, then case-exact characters. Gap and leading penalties keep
// scattered matches below tight ones.
const (
	baseScore        = 100
	consecutiveBonus = 40
	segmentBonus     = 25
	caseBonus        = 5
	exactBonus       = 500
	prefixBonus      = 30
	gapPenalty       = 3
	leadingPenalty   = 1
	lengthThreshold  = 48
)

// score rates one matched candidate. query and text are the normalized
// rune slices the match ran over; original preserves the candidate's case
// and originalQuery the query's; positions are the matched rune indices.
func score(query, original, text []rune, originalQuery []rune, positions []int) int {
	if len(positions) == 0 {
		return 0
	}

	s := baseScore

	// Contiguous run length is the strongest signal.
	for i := 1; i < len(positions); i++ {
		if positions[i] == positions[i-1]+1 {
			s += consecutiveBonus
		}
	}

	// Matches that start a path segment (after a separator, or at the
	// very start) outrank mid-segment hits.
	for _, idx := range positions {
		if idx == 0 || original[idx-1] == '/' {
			s += segmentBonus
		}
	}

	// Case-exact characters beat case-folded ones.
	for i, idx := range positions {
		if i < len(originalQuery) && original[idx] == originalQuery[i] {
			s += caseBonus
		}
	}

	// Scattered matches pay for their spread.
	if len(positions) > 1 {
		gap := positions[len(positions)-1] - positions[0] - len(positions) + 1
		if gap > 0 {
			s -= gap * gapPenalty
		}
	}
	if positions[0] > 0 {
		s -= positions[0] * leadingPenalty
	}

	// Shorter candidates win ties between equally tight matches.
	if len(text) < lengthThreshold {
		s += lengthThreshold - len(text)
	}

	if positions[0] == 0 && isPrefix(query, text) {
		s += prefixBonus
	}

	// A query consuming the entire candidate dominates every proper
	// subsequence match against a longer candidate.
	if len(query) == len(text) {
		s += exactBonus
	}

	if s < 1 {
		s = 1
	}
	return s
}

func isPrefix(query, text []rune) bool {
	if len(text) < len(query) {
		return false
	}
	for i, qr := range query {
		if text[i] != qr {
			return false
		}
	}
	return true
}
