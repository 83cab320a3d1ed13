package differs

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pmezard/go-difflib/difflib"
)

func init() {
	mustRegister(&Definition{
		Name:        "table",
		Description: "Side-by-side table diff",
		Apply:       tableApply,
	})
}

func tableApply(ctx context.Context, dc *Context) (string, error) {
	oldLines := difflib.SplitLines(dc.OldData)
	newLines := difflib.SplitLines(dc.NewData)
	opcodes := difflib.NewMatcher(oldLines, newLines).GetOpCodes()

	changed := false
	for _, op := range opcodes {
		if op.Tag != 'e' {
			changed = true
			break
		}
	}
	if !changed {
		return "", ErrNoReport
	}

	rendered := renderTableHTML(dc, oldLines, newLines, opcodes)
	if dc.Kind == KindHTML {
		return rendered, nil
	}

	// text and markdown kinds are derived from the HTML rendering
	text, err := tableToText(rendered)
	if err != nil {
		return "", err
	}
	return text, nil
}

const (
	tableCellAdd  = "background-color: #e6ffed;"
	tableCellDel  = "background-color: #ffeef0;"
	tableCellMod  = "background-color: #fff5b1;"
	tableCellBase = "vertical-align: top; padding: 1px 4px;"
)

// renderTableHTML builds a two-column table with old content on the left
// and new content on the right, one row per aligned line pair.
func renderTableHTML(dc *Context, oldLines, newLines []string, opcodes []difflib.OpCode) string {
	var b strings.Builder
	b.WriteString(`<table style="border-collapse: collapse; font-family: monospace; white-space: pre-wrap;">`)
	b.WriteString("<thead><tr>")
	fmt.Fprintf(&b, `<th style="text-align: left;">%s</th>`, html.EscapeString(dc.FormatTimestamp(dc.OldTimestamp)))
	fmt.Fprintf(&b, `<th style="text-align: left;">%s</th>`, html.EscapeString(dc.FormatTimestamp(dc.NewTimestamp)))
	b.WriteString("</tr></thead><tbody>")

	for _, op := range opcodes {
		switch op.Tag {
		case 'e':
			for i := 0; i < op.I2-op.I1; i++ {
				writeTableRow(&b, "", oldLines[op.I1+i], "", newLines[op.J1+i])
			}
		case 'r':
			left, right := op.I2-op.I1, op.J2-op.J1
			rows := left
			if right > rows {
				rows = right
			}
			for i := 0; i < rows; i++ {
				oldCell, newCell := "", ""
				if i < left {
					oldCell = oldLines[op.I1+i]
				}
				if i < right {
					newCell = newLines[op.J1+i]
				}
				writeTableRow(&b, tableCellMod, oldCell, tableCellMod, newCell)
			}
		case 'd':
			for i := op.I1; i < op.I2; i++ {
				writeTableRow(&b, tableCellDel, oldLines[i], "", "")
			}
		case 'i':
			for j := op.J1; j < op.J2; j++ {
				writeTableRow(&b, "", "", tableCellAdd, newLines[j])
			}
		}
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

func writeTableRow(b *strings.Builder, oldStyle, oldCell, newStyle, newCell string) {
	fmt.Fprintf(b, `<tr><td style="%s%s">%s</td><td style="%s%s">%s</td></tr>`,
		tableCellBase, oldStyle, html.EscapeString(strings.TrimRight(oldCell, "\n")),
		tableCellBase, newStyle, html.EscapeString(strings.TrimRight(newCell, "\n")))
}

// tableToText flattens the HTML table into aligned text rows
func tableToText(rendered string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rendered))
	if err != nil {
		return "", fmt.Errorf("failed to parse table diff: %w", err)
	}

	var rows []string
	doc.Find("tr").Each(func(i int, row *goquery.Selection) {
		var cells []string
		row.Find("th, td").Each(func(j int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		rows = append(rows, strings.Join(cells, " | "))
	})
	return strings.Join(rows, "\n"), nil
}
