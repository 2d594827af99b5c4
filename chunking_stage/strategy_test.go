package chunking_stage

import (
	"strings"
	"testing"
)

func TestFlattenTable(t *testing.T) {
	html := `<table>
		<tr><th>Quarter</th><th>Revenue</th></tr>
		<tr><td>Q1</td><td>1.2M</td></tr>
		<tr><td>Q2</td><td>1.5M</td></tr>
	</table>`

	got := flattenTable(html)
	want := "Quarter | Revenue\nQ1 | 1.2M\nQ2 | 1.5M"
	if got != want {
		t.Errorf("flattenTable() = %q, want %q", got, want)
	}
}

func TestFlattenTableWithoutRows(t *testing.T) {
	got := flattenTable("<p>not a table</p>")
	if got != "not a table" {
		t.Errorf("expected text fallback, got %q", got)
	}
}

func TestLimitsNormalized(t *testing.T) {
	tests := []struct {
		name string
		in   Limits
		want Limits
	}{
		{"zero max gets default", Limits{}, Limits{Max: 2000}},
		{"min above max clamped", Limits{Max: 100, Min: 500}, Limits{Max: 100, Min: 100}},
		{"overlap at max halved", Limits{Max: 100, Overlap: 100}, Limits{Max: 100, Overlap: 50}},
		{"sane limits untouched", Limits{Max: 2000, Min: 200, Overlap: 200}, Limits{Max: 2000, Min: 200, Overlap: 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.normalized(); got != tt.want {
				t.Errorf("normalized() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRecursiveStrategySplits(t *testing.T) {
	s := NewRecursiveStrategy(Limits{Max: 120, Min: 20, Overlap: 20})
	text := strings.Repeat("One sentence here.\n\nAnother paragraph follows with more words.\n\n", 10)
	pieces, err := s.Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(pieces) < 2 {
		t.Fatalf("expected multiple pieces, got %d", len(pieces))
	}
}
