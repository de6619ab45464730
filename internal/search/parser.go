package search

import (
	"regexp"
	"strconv"
	"strings"

	"moviebrowse/searchservice/internal/domain"
)

var (
	powerTokenPattern = regexp.MustCompile(`^([A-Za-z]+):(.*)$`)
	yearRangePattern  = regexp.MustCompile(`(19|20)\d{2}-(19|20)\d{2}`)
	yearPattern       = regexp.MustCompile(`(19|20)\d{2}`)
)

// Parse turns a raw search string into its structured form. It never fails:
// anything it cannot interpret stays in Tokens and Raw for the fallback intents.
func Parse(input string) domain.ParsedQuery {
	raw := strings.TrimSpace(input)
	parts := strings.Fields(raw)

	power := make(map[string]string)
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		if match := powerTokenPattern.FindStringSubmatch(part); match != nil {
			power[strings.ToLower(match[1])] = match[2]
			continue
		}
		tokens = append(tokens, part)
	}

	parsed := domain.ParsedQuery{
		Raw:    raw,
		Tokens: tokens,
		Power:  power,
		Year:   parseYear(raw),
	}
	if lang, ok := power["lang"]; ok {
		parsed.Lang = strings.ToLower(lang)
	}
	if adult, ok := power["adult"]; ok {
		value := strings.ToLower(adult) == "true"
		parsed.Adult = &value
	}
	return parsed
}

// parseYear prefers a YYYY-YYYY range anywhere in raw, then the rightmost lone year.
func parseYear(raw string) *domain.YearFilter {
	if span := yearRangePattern.FindString(raw); span != "" {
		bounds := strings.SplitN(span, "-", 2)
		start, _ := strconv.Atoi(bounds[0])
		end, _ := strconv.Atoi(bounds[1])
		return domain.YearRange(start, end)
	}
	years := yearPattern.FindAllString(raw, -1)
	if len(years) == 0 {
		return nil
	}
	year, _ := strconv.Atoi(years[len(years)-1])
	return domain.SingleYear(year)
}
