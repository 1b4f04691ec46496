package textextractor

import (
	"fmt"
	"strings"
)

// ExtractionItem is one string literal inside a formula. Start and End index
// the literal's raw content between its quotes, so doubled quotes ("") are
// still escaped inside that range; Text holds the unescaped value.
type ExtractionItem struct {
	Text  string
	Start int
	End   int
}

// ExtractFormulaLiterals finds the double-quoted string literals of an Excel
// formula. Single-quoted sheet references are skipped. An unterminated
// literal ends the scan.
func ExtractFormulaLiterals(formula string) []ExtractionItem {
	var items []ExtractionItem

	for i := 0; i < len(formula); i++ {
		switch formula[i] {
		case '\'':
			i = skipQuoted(formula, i, '\'')
		case '"':
			end := skipQuoted(formula, i, '"')
			if end >= len(formula) {
				return items
			}
			raw := formula[i+1 : end]
			items = append(items, ExtractionItem{
				Text:  strings.ReplaceAll(raw, `""`, `"`),
				Start: i + 1,
				End:   end,
			})
			i = end
		}
	}
	return items
}

// skipQuoted returns the index of the closing quote matching the opening quote
// at start, honouring doubled-quote escapes. It returns len(s) if unterminated.
func skipQuoted(s string, start int, quote byte) int {
	for j := start + 1; j < len(s); j++ {
		if s[j] != quote {
			continue
		}
		if j+1 < len(s) && s[j+1] == quote {
			j++
			continue
		}
		return j
	}
	return len(s)
}

// ApplyFormulaLiterals replaces the given literals with their translations,
// escaping embedded quotes. Everything outside the literals is kept byte for
// byte. items must be ordered as returned by ExtractFormulaLiterals.
func ApplyFormulaLiterals(formula string, items []ExtractionItem, translations []string) (string, error) {
	if len(items) != len(translations) {
		return "", fmt.Errorf("items count (%d) and translations count (%d) do not match", len(items), len(translations))
	}
	if len(items) == 0 {
		return formula, nil
	}

	var sb strings.Builder
	sb.Grow(len(formula))

	last := 0
	for i, item := range items {
		if item.Start < last || item.End < item.Start || item.End > len(formula) {
			return "", fmt.Errorf("literal %d out of order or out of range", i)
		}
		sb.WriteString(formula[last:item.Start])
		sb.WriteString(strings.ReplaceAll(translations[i], `"`, `""`))
		last = item.End
	}
	sb.WriteString(formula[last:])

	return sb.String(), nil
}
