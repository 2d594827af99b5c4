package chunking_stage

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	StrategyFixedSize = "fixed_size"
	StrategyRecursive = "recursive"
)

// Strategy splits one section's content into chunk texts. Implementations
// must be deterministic: the same input always yields the same pieces, in
// the same order.
type Strategy interface {
	Name() string
	Split(text string) ([]string, error)
}

// Limits bound chunk sizes in characters (runes). Pieces shorter than Min
// are folded into their neighbor; Overlap characters are repeated between
// consecutive pieces for retrieval continuity.
type Limits struct {
	Max     int
	Min     int
	Overlap int
}

func (l Limits) normalized() Limits {
	if l.Max < 1 {
		l.Max = 2000
	}
	if l.Min < 0 {
		l.Min = 0
	}
	if l.Min > l.Max {
		l.Min = l.Max
	}
	if l.Overlap < 0 {
		l.Overlap = 0
	}
	if l.Overlap >= l.Max {
		l.Overlap = l.Max / 2
	}
	return l
}

// flattenTable renders an HTML table as pipe-delimited rows so tabular
// content embeds as readable text instead of markup.
func flattenTable(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	var rows []string
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, " | "))
		}
	})
	if len(rows) == 0 {
		return strings.TrimSpace(doc.Text())
	}
	return strings.Join(rows, "\n")
}
