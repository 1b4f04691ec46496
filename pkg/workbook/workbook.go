// Package workbook reads translatable text out of an .xlsx workbook and
// writes translations back without touching anything else in the file.
package workbook

import (
	"fmt"
	"io"
	"strings"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/fsutil"
	"exceltranslator/pkg/logger"
	"exceltranslator/pkg/textextractor"

	"github.com/xuri/excelize/v2"
)

// WholeCell is the Segment of a LocationKey that addresses a cell's entire
// string value rather than one literal of its formula.
const WholeCell = -1

// LocationKey identifies one piece of text in the workbook.
type LocationKey struct {
	Sheet   string
	Cell    string
	Segment int
}

func (k LocationKey) String() string {
	if k.Segment == WholeCell {
		return fmt.Sprintf("%s!%s", k.Sheet, k.Cell)
	}
	return fmt.Sprintf("%s!%s#%d", k.Sheet, k.Cell, k.Segment)
}

// TextUnit is one piece of text read from the workbook.
type TextUnit struct {
	Location     LocationKey
	OriginalText string
}

// Replacement is the text to put at a location.
type Replacement struct {
	Location LocationKey
	Text     string
}

// Document wraps an open workbook.
type Document struct {
	f      *excelize.File
	path   string
	logger *logger.Logger
}

// Open opens the workbook at path.
func Open(path string, log *logger.Logger) (*Document, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.DocumentIO, "open workbook").With("path", path)
	}
	return &Document{f: f, path: path, logger: log}, nil
}

func (d *Document) Close() error {
	return d.f.Close()
}

// Path is the file the document was opened from.
func (d *Document) Path() string { return d.path }

// ReadUnits returns every string cell and every string literal inside a
// formula, in sheet then row order. Numbers, booleans, dates and errors are
// never returned.
func (d *Document) ReadUnits() ([]TextUnit, error) {
	var units []TextUnit
	checked := 0

	for _, sheet := range d.f.GetSheetList() {
		rows, err := d.f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			// chart sheets have no cell grid
			d.logger.Warnf("Skipping sheet %q: %v", sheet, err)
			continue
		}

		for r, row := range rows {
			for c, value := range row {
				checked++
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				if err != nil {
					return nil, apperr.Wrap(err, apperr.DocumentIO, "resolve cell name").With("sheet", sheet)
				}

				formula, err := d.f.GetCellFormula(sheet, cell)
				if err != nil {
					return nil, apperr.Wrap(err, apperr.DocumentIO, "read formula").With("cell", sheet+"!"+cell)
				}
				if formula != "" {
					for i, item := range textextractor.ExtractFormulaLiterals(formula) {
						units = append(units, TextUnit{
							Location:     LocationKey{Sheet: sheet, Cell: cell, Segment: i},
							OriginalText: item.Text,
						})
					}
					continue
				}

				if value == "" {
					continue
				}
				typ, err := d.f.GetCellType(sheet, cell)
				if err != nil {
					return nil, apperr.Wrap(err, apperr.DocumentIO, "read cell type").With("cell", sheet+"!"+cell)
				}
				if typ != excelize.CellTypeSharedString && typ != excelize.CellTypeInlineString {
					continue
				}
				units = append(units, TextUnit{
					Location:     LocationKey{Sheet: sheet, Cell: cell, Segment: WholeCell},
					OriginalText: value,
				})
			}
		}
	}

	d.logger.Debugf("Checked %d cells in %s, found %d text units", checked, d.path, len(units))
	return units, nil
}

// WriteBack applies replacements. Formula literals are substituted in place so
// the rest of the formula is kept as is; string cells keep their style, and
// rich text cells keep the font of their first run.
func (d *Document) WriteBack(replacements []Replacement) error {
	type cellRef struct{ sheet, cell string }
	segments := make(map[cellRef]map[int]string)
	var order []cellRef

	for _, rep := range replacements {
		ref := cellRef{rep.Location.Sheet, rep.Location.Cell}
		if rep.Location.Segment == WholeCell {
			if err := d.setText(ref.sheet, ref.cell, rep.Text); err != nil {
				return err
			}
			continue
		}
		if segments[ref] == nil {
			segments[ref] = make(map[int]string)
			order = append(order, ref)
		}
		segments[ref][rep.Location.Segment] = rep.Text
	}

	for _, ref := range order {
		if err := d.setFormulaLiterals(ref.sheet, ref.cell, segments[ref]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) setText(sheet, cell, text string) error {
	runs, err := d.f.GetCellRichText(sheet, cell)
	if err != nil {
		return apperr.Wrap(err, apperr.DocumentIO, "read rich text").With("cell", sheet+"!"+cell)
	}
	// a plain shared string comes back as one run without a font
	if len(runs) > 1 || (len(runs) == 1 && runs[0].Font != nil) {
		err = d.f.SetCellRichText(sheet, cell, []excelize.RichTextRun{{Font: runs[0].Font, Text: text}})
	} else {
		err = d.f.SetCellStr(sheet, cell, text)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.DocumentIO, "write cell").With("cell", sheet+"!"+cell)
	}
	return nil
}

func (d *Document) setFormulaLiterals(sheet, cell string, bySegment map[int]string) error {
	formula, err := d.f.GetCellFormula(sheet, cell)
	if err != nil {
		return apperr.Wrap(err, apperr.DocumentIO, "read formula").With("cell", sheet+"!"+cell)
	}
	items := textextractor.ExtractFormulaLiterals(formula)
	translations := make([]string, len(items))
	for i, item := range items {
		translations[i] = item.Text
		if text, ok := bySegment[i]; ok {
			translations[i] = text
		}
	}
	for seg := range bySegment {
		if seg >= len(items) {
			return apperr.New(apperr.DocumentIO, "formula literal out of range").
				With("cell", sheet+"!"+cell).With("segment", seg)
		}
	}

	updated, err := textextractor.ApplyFormulaLiterals(formula, items, translations)
	if err != nil {
		return apperr.Wrap(err, apperr.DocumentIO, "rebuild formula").With("cell", sheet+"!"+cell)
	}
	if updated == formula {
		return nil
	}
	if err := d.f.SetCellFormula(sheet, cell, updated); err != nil {
		return apperr.Wrap(err, apperr.DocumentIO, "write formula").With("cell", sheet+"!"+cell)
	}
	return nil
}

// SaveAtomic writes the workbook to path through a temporary file, so an
// interrupted save never leaves a half-written workbook behind.
func (d *Document) SaveAtomic(path string) error {
	err := fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		return d.f.Write(w)
	})
	if err != nil {
		return apperr.Wrap(err, apperr.DocumentIO, "save workbook").With("path", path)
	}
	return nil
}

// BackupPath is the name a backup of input taken at now is written to.
func BackupPath(input string, now time.Time) string {
	return input + ".backup_" + now.Format("20060102_150405")
}

// Backup copies input next to itself and returns the backup path.
func Backup(input string, now time.Time) (string, error) {
	dst := BackupPath(input, now)
	if err := fsutil.CopyFile(input, dst); err != nil {
		return "", apperr.Wrap(err, apperr.DocumentIO, "create backup").With("path", dst)
	}
	return dst, nil
}

// IsWorkbook reports whether path has an extension excelize can open.
func IsWorkbook(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".xlsx", ".xlsm", ".xltx", ".xltm"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
