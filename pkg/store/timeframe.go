package store

import (
	"regexp"
	"strings"
	"time"

	"github.com/robomem/robomem/pkg/core"
)

// ---------------------------------------------------------------------------
// Timeframe normalization. Searches accept timeframes in several shapes:
// nothing, a single range, a list of ranges, a bare date (promoted to that
// day), a natural-language phrase, or AutoTimeframe which extracts the
// phrase from the query string itself.
// ---------------------------------------------------------------------------

// Range is a closed [From, To] time window.
type Range struct {
	From time.Time
	To   time.Time
}

// Timeframe is one or more ranges OR-ed together. A nil *Timeframe means no
// time filtering.
type Timeframe struct {
	Ranges []Range
}

// AutoTimeframe is the sentinel phrase that asks the normalizer to pull the
// timeframe out of the query string.
const AutoTimeframe = "auto"

// timeframePhrases are the natural-language windows the normalizer
// understands, longest-match first.
var timeframePhrases = []string{
	"this morning", "last night",
	"yesterday", "today",
	"this week", "last week",
	"this month", "last month",
	"this year", "last year",
	"recently", "recent",
}

var timeframePhraseRe = regexp.MustCompile(`(?i)\b(` + strings.Join(timeframePhrases, "|") + `)\b`)

// NormalizeTimeframe resolves a timeframe input to concrete ranges.
// Accepted inputs: nil, *Timeframe, Range, []Range, time.Time (promoted to
// the full day), or a phrase string. weekStart is "sunday" or "monday".
func NormalizeTimeframe(input any, now time.Time, weekStart string) (*Timeframe, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case *Timeframe:
		return v, nil
	case Timeframe:
		return &v, nil
	case Range:
		return &Timeframe{Ranges: []Range{v}}, nil
	case []Range:
		if len(v) == 0 {
			return nil, nil
		}
		return &Timeframe{Ranges: v}, nil
	case time.Time:
		return &Timeframe{Ranges: []Range{dayOf(v)}}, nil
	case string:
		s := strings.TrimSpace(strings.ToLower(v))
		if s == "" {
			return nil, nil
		}
		if r, ok := phraseRange(s, now, weekStart); ok {
			return &Timeframe{Ranges: []Range{r}}, nil
		}
		return nil, core.E(core.KindValidation, "store.NormalizeTimeframe", "unrecognized timeframe %q", v)
	}
	return nil, core.E(core.KindValidation, "store.NormalizeTimeframe", "unsupported timeframe type %T", input)
}

// ExtractTimeframe scans a query for a natural-language timeframe phrase.
// It returns the query with the phrase removed and the resolved timeframe,
// or the original query and nil when no phrase is present.
func ExtractTimeframe(query string, now time.Time, weekStart string) (string, *Timeframe) {
	loc := timeframePhraseRe.FindStringIndex(query)
	if loc == nil {
		return query, nil
	}
	phrase := strings.ToLower(query[loc[0]:loc[1]])
	r, ok := phraseRange(phrase, now, weekStart)
	if !ok {
		return query, nil
	}

	stripped := strings.TrimSpace(query[:loc[0]] + query[loc[1]:])
	stripped = strings.Join(strings.Fields(stripped), " ")
	return stripped, &Timeframe{Ranges: []Range{r}}
}

func phraseRange(phrase string, now time.Time, weekStart string) (Range, bool) {
	day := dayOf(now)
	switch phrase {
	case "today":
		return day, true
	case "yesterday":
		return dayOf(now.AddDate(0, 0, -1)), true
	case "this morning":
		start := time.Date(now.Year(), now.Month(), now.Day(), 5, 0, 0, 0, now.Location())
		end := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, now.Location())
		return Range{From: start, To: end}, true
	case "last night":
		y := now.AddDate(0, 0, -1)
		start := time.Date(y.Year(), y.Month(), y.Day(), 18, 0, 0, 0, now.Location())
		end := time.Date(now.Year(), now.Month(), now.Day(), 5, 0, 0, 0, now.Location())
		return Range{From: start, To: end}, true
	case "this week":
		start := weekStartOf(now, weekStart)
		return Range{From: start, To: start.AddDate(0, 0, 7).Add(-time.Nanosecond)}, true
	case "last week":
		start := weekStartOf(now, weekStart).AddDate(0, 0, -7)
		return Range{From: start, To: start.AddDate(0, 0, 7).Add(-time.Nanosecond)}, true
	case "this month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return Range{From: start, To: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}, true
	case "last month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0)
		return Range{From: start, To: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}, true
	case "this year":
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
		return Range{From: start, To: start.AddDate(1, 0, 0).Add(-time.Nanosecond)}, true
	case "last year":
		start := time.Date(now.Year()-1, 1, 1, 0, 0, 0, 0, now.Location())
		return Range{From: start, To: start.AddDate(1, 0, 0).Add(-time.Nanosecond)}, true
	case "recent", "recently":
		return Range{From: now.AddDate(0, 0, -7), To: now}, true
	}
	return Range{}, false
}

func dayOf(t time.Time) Range {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return Range{From: start, To: start.AddDate(0, 0, 1).Add(-time.Nanosecond)}
}

func weekStartOf(t time.Time, weekStart string) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	anchor := time.Monday
	if weekStart == "sunday" {
		anchor = time.Sunday
	}
	diff := (int(day.Weekday()) - int(anchor) + 7) % 7
	return day.AddDate(0, 0, -diff)
}
