package chunking_stage

import (
	"github.com/tmc/langchaingo/textsplitter"
)

// RecursiveStrategy splits on paragraph, line and word boundaries in turn,
// keeping semantic units together where the size limit allows.
type RecursiveStrategy struct {
	splitter textsplitter.RecursiveCharacter
}

func NewRecursiveStrategy(limits Limits) *RecursiveStrategy {
	l := limits.normalized()
	return &RecursiveStrategy{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(l.Max),
			textsplitter.WithChunkOverlap(l.Overlap),
		),
	}
}

func (s *RecursiveStrategy) Name() string {
	return StrategyRecursive
}

func (s *RecursiveStrategy) Split(text string) ([]string, error) {
	return s.splitter.SplitText(text)
}
