// Package logparse classifies raw build log lines into structured records.
//
// Parse is total and pure: the same raw text and section context always
// produce the same record, which keeps streamed logs replayable.
package logparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/christippett/7apps-in-7minutes/internal/domain"
)

// separatorWidth is the display width separator labels are recentered into.
const separatorWidth = 66

var (
	stepRe      = regexp.MustCompile(`^(Starting|Finished)? ?Step #(\d{1,2}) - "(.*?)"(?:: (.*))?$`)
	separatorRe = regexp.MustCompile(`^([=-]{3,})\s*([A-Za-z][A-Za-z0-9 ]*?)?\s*([=-]{3,})$`)
	linebreakRe = regexp.MustCompile(`^[\s.]+$`)
	ellipsisRe  = regexp.MustCompile(`\.{4,}`)
)

var sectionHeaders = map[string]domain.LogSection{
	"FETCHSOURCE": domain.SectionFetchSource,
	"BUILD":       domain.SectionBuild,
	"PUSH":        domain.SectionPush,
	"DONE":        domain.SectionDone,
	"ERROR":       domain.SectionError,
}

// Parse classifies a single raw log line. The section argument is the
// "current section" carried forward from the previous line; callers thread
// the returned record's Section into the next call.
func Parse(raw string, section domain.LogSection) domain.LogRecord {
	if m := stepRe.FindStringSubmatch(raw); m != nil {
		step, _ := strconv.Atoi(m[2])
		text := m[4]
		if text == "" {
			text = raw
		}
		return domain.LogRecord{
			Raw:     raw,
			Text:    collapseEllipses(text),
			Step:    &step,
			StepID:  m[3],
			Section: section,
			Type:    domain.TypeStepStatus,
		}
	}

	if s, ok := sectionHeaders[raw]; ok {
		return domain.LogRecord{
			Raw:     raw,
			Text:    raw,
			Section: s,
			Type:    domain.TypeSectionHeader,
		}
	}

	if m := separatorRe.FindStringSubmatch(raw); m != nil && len(m[1])+len(m[3]) >= 20 {
		return domain.LogRecord{
			Raw:     raw,
			Text:    centerLabel(m[2]),
			Section: section,
			Type:    domain.TypeSeparator,
		}
	}

	if linebreakRe.MatchString(raw) {
		return domain.LogRecord{
			Raw:     raw,
			Section: section,
			Type:    domain.TypeLinebreak,
		}
	}

	return domain.LogRecord{
		Raw:     raw,
		Text:    collapseEllipses(raw),
		Section: section,
		Type:    domain.TypePlain,
	}
}

// collapseEllipses truncates runs of four or more periods to exactly three,
// taming runaway progress indicators.
func collapseEllipses(text string) string {
	return ellipsisRe.ReplaceAllString(text, "...")
}

// centerLabel recenters a separator label into a fixed-width dashed frame.
func centerLabel(label string) string {
	if label == "" {
		return strings.Repeat("-", separatorWidth)
	}
	padded := " " + label + " "
	if len(padded) >= separatorWidth {
		return padded
	}
	left := (separatorWidth - len(padded)) / 2
	right := separatorWidth - len(padded) - left
	return strings.Repeat("-", left) + padded + strings.Repeat("-", right)
}
