package chunking_stage

import (
	"strings"
	"unicode"
)

// FixedSizeStrategy cuts text into windows of at most Max runes, preferring
// to break at whitespace, with Overlap runes carried between windows. A
// final piece shorter than Min is appended to the previous piece.
type FixedSizeStrategy struct {
	limits Limits
}

func NewFixedSizeStrategy(limits Limits) *FixedSizeStrategy {
	return &FixedSizeStrategy{limits: limits.normalized()}
}

func (s *FixedSizeStrategy) Name() string {
	return StrategyFixedSize
}

func (s *FixedSizeStrategy) Split(text string) ([]string, error) {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil, nil
	}
	if len(runes) <= s.limits.Max {
		return []string{string(runes)}, nil
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := start + s.limits.Max
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		if end == len(runes) {
			break
		}

		next := end - s.limits.Overlap
		if next <= start {
			next = end
		}
		start = next
	}

	if n := len(pieces); n > 1 && len([]rune(pieces[n-1])) < s.limits.Min {
		pieces[n-2] = pieces[n-2] + " " + pieces[n-1]
		pieces = pieces[:n-1]
	}
	return pieces, nil
}

// breakPoint walks back from the window edge to the nearest whitespace so
// words are not cut mid-rune-sequence. Gives up after a quarter of the
// window and cuts hard.
func breakPoint(runes []rune, start, end int) int {
	limit := end - (end-start)/4
	for i := end; i > limit; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}
