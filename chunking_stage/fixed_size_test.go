package chunking_stage

import (
	"strings"
	"testing"
)

func TestFixedSizeShortTextSinglePiece(t *testing.T) {
	s := NewFixedSizeStrategy(Limits{Max: 100, Min: 10, Overlap: 20})
	pieces, err := s.Split("a short paragraph")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(pieces) != 1 || pieces[0] != "a short paragraph" {
		t.Errorf("unexpected pieces: %v", pieces)
	}
}

func TestFixedSizeRespectsMax(t *testing.T) {
	s := NewFixedSizeStrategy(Limits{Max: 50, Min: 10, Overlap: 10})
	text := strings.Repeat("alpha beta gamma delta ", 40)
	pieces, err := s.Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(pieces) < 2 {
		t.Fatalf("expected multiple pieces, got %d", len(pieces))
	}
	// The last piece may absorb a sub-minimum tail, so the hard bound is
	// max plus min.
	for i, p := range pieces {
		if n := len([]rune(p)); n > 50+10 {
			t.Errorf("piece %d has %d runes, exceeds max", i, n)
		}
	}
}

func TestFixedSizeDeterministic(t *testing.T) {
	s := NewFixedSizeStrategy(Limits{Max: 80, Min: 20, Overlap: 15})
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 30)

	first, err := s.Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	second, err := s.Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("piece counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("piece %d differs between runs", i)
		}
	}
}

func TestFixedSizeOverlapCarriesText(t *testing.T) {
	s := NewFixedSizeStrategy(Limits{Max: 40, Min: 5, Overlap: 10})
	text := strings.Repeat("word ", 60)
	pieces, err := s.Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(pieces) < 2 {
		t.Fatalf("expected multiple pieces, got %d", len(pieces))
	}
	// With a uniform token stream every piece after the first starts with
	// content repeated from its predecessor.
	for i := 1; i < len(pieces); i++ {
		if !strings.HasPrefix(pieces[i], "word") {
			t.Errorf("piece %d does not start at a word boundary: %q", i, pieces[i])
		}
	}
}

func TestFixedSizeFoldsShortTail(t *testing.T) {
	s := NewFixedSizeStrategy(Limits{Max: 100, Min: 50, Overlap: 0})
	// 100 runes then a tiny tail.
	text := strings.Repeat("x", 100) + " tail"
	pieces, err := s.Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(pieces) != 1 {
		t.Fatalf("expected the tail folded into one piece, got %d pieces: %v", len(pieces), pieces)
	}
	if !strings.HasSuffix(pieces[0], "tail") {
		t.Errorf("tail content lost: %q", pieces[0])
	}
}

func TestFixedSizeEmptyInput(t *testing.T) {
	s := NewFixedSizeStrategy(Limits{Max: 100, Min: 10, Overlap: 10})
	pieces, err := s.Split("   ")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(pieces) != 0 {
		t.Errorf("expected no pieces for blank input, got %v", pieces)
	}
}
