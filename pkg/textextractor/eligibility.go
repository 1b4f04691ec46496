package textextractor

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// Filter decides whether a piece of text has to go to the backend.
// It is pure and safe for concurrent use.
type Filter struct {
	scripts        []*unicode.RangeTable
	targetBase     string
	detectLanguage bool
}

// scriptTables maps ISO 15924 script codes to the rune tables that identify them.
var scriptTables = map[string][]*unicode.RangeTable{
	"Hans": {unicode.Han},
	"Hant": {unicode.Han},
	"Hani": {unicode.Han},
	"Jpan": {unicode.Han, unicode.Hiragana, unicode.Katakana},
	"Kore": {unicode.Hangul, unicode.Han},
	"Latn": {unicode.Latin},
	"Cyrl": {unicode.Cyrillic},
	"Grek": {unicode.Greek},
	"Arab": {unicode.Arabic},
	"Hebr": {unicode.Hebrew},
	"Thai": {unicode.Thai},
	"Deva": {unicode.Devanagari},
	"Armn": {unicode.Armenian},
	"Geor": {unicode.Georgian},
	"Ethi": {unicode.Ethiopic},
	"Beng": {unicode.Bengali},
	"Taml": {unicode.Tamil},
}

// NewFilter builds a Filter for the given language pair. The source
// language's likely script decides eligibility; detectLanguage additionally
// drops text that is already in the target language when both languages
// share a script.
func NewFilter(sourceLang, targetLang string, detectLanguage bool) (*Filter, error) {
	src, err := language.Parse(sourceLang)
	if err != nil {
		return nil, fmt.Errorf("parse source language %q: %w", sourceLang, err)
	}
	tgt, err := language.Parse(targetLang)
	if err != nil {
		return nil, fmt.Errorf("parse target language %q: %w", targetLang, err)
	}

	srcScript, _ := src.Script()
	tables, ok := scriptTables[srcScript.String()]
	if !ok {
		return nil, fmt.Errorf("no script table for source language %q (script %s)", sourceLang, srcScript)
	}

	tgtScript, _ := tgt.Script()
	tgtBase, _ := tgt.Base()
	return &Filter{
		scripts:        tables,
		targetBase:     tgtBase.String(),
		detectLanguage: detectLanguage && sharesScript(tables, tgtScript.String()),
	}, nil
}

func sharesScript(tables []*unicode.RangeTable, script string) bool {
	other, ok := scriptTables[script]
	if !ok {
		return false
	}
	for _, a := range tables {
		for _, b := range other {
			if a == b {
				return true
			}
		}
	}
	return false
}

// NeedsTranslation reports whether text contains meaningful content in the
// source script. Empty, numeric-only, symbol-only and invalid UTF-8 text is
// never eligible.
func (f *Filter) NeedsTranslation(text string) bool {
	if !utf8.ValidString(text) || !IsValidTextContent(text) {
		return false
	}
	if !f.containsSourceScript(text) {
		return false
	}
	if f.detectLanguage {
		info := whatlanggo.Detect(text)
		if info.IsReliable() && info.Lang.Iso6391() == f.targetBase {
			return false
		}
	}
	return true
}

func (f *Filter) containsSourceScript(text string) bool {
	for _, r := range text {
		if unicode.In(r, f.scripts...) {
			return true
		}
	}
	return false
}

// IsValidTextContent checks if the text is valid for translation.
// It returns false for empty strings, pure numbers, or text consisting only of symbols/punctuation.
func IsValidTextContent(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}

	for _, r := range trimmed {
		if !unicode.IsNumber(r) && !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
