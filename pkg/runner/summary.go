package runner

import (
	"fmt"
	"io"
	"strings"
	"time"

	"exceltranslator/pkg/logger"
)

// Gap is a distinct text that could not be translated. Its cells keep the
// original text.
type Gap struct {
	Fingerprint  string
	OriginalText string
	Locations    []string
	Reason       string
}

// Summary reports the outcome of a run.
type Summary struct {
	State State

	TotalUnits      int // text units read from the workbook
	EligibleUnits   int // units that needed translation
	DistinctTexts   int // distinct fingerprints among eligible units
	CacheHits       int // distinct texts served from the cache
	NewlyTranslated int // distinct texts translated by the backend this run
	Failed          []Gap
	Elapsed         time.Duration

	Resumed    bool
	BackupPath string
	OutputPath string
}

// Report writes a human-readable summary, including the gap report.
func (s *Summary) Report(w io.Writer) {
	fmt.Fprintf(w, "Run %s in %s: %s\n", strings.ToLower(s.State.String()), s.Elapsed.Round(time.Millisecond), s.OutputPath)
	fmt.Fprintf(w, "  text units:       %d (%d eligible, %d distinct)\n", s.TotalUnits, s.EligibleUnits, s.DistinctTexts)
	fmt.Fprintf(w, "  from cache:       %d\n", s.CacheHits)
	fmt.Fprintf(w, "  newly translated: %d\n", s.NewlyTranslated)
	if s.Resumed {
		fmt.Fprintln(w, "  resumed from checkpoint")
	}
	if s.BackupPath != "" {
		fmt.Fprintf(w, "  backup:           %s\n", s.BackupPath)
	}
	if len(s.Failed) == 0 {
		return
	}
	fmt.Fprintf(w, "  untranslated:     %d (left in the original language)\n", len(s.Failed))
	for _, gap := range s.Failed {
		fmt.Fprintf(w, "    %q at %s: %s\n", logger.Truncate(gap.OriginalText, 60), strings.Join(gap.Locations, ", "), gap.Reason)
	}
}
