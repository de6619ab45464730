package search

import (
	"regexp"
	"strings"

	"moviebrowse/searchservice/internal/domain"
)

// MaxIntents caps how many intents one query may fan out to.
const MaxIntents = 4

var personNamePattern = regexp.MustCompile(`^[A-Za-zÀ-ÖØ-öø-ÿ'.\-]+ [A-Za-zÀ-ÖØ-öø-ÿ'.\-]+$`)

// DecideIntents maps a parsed query to an ordered list of intents. Explicit
// power-syntax hints come first, free-text guesses after them, and the
// title/multi fallbacks last; the list is cut to MaxIntents.
func DecideIntents(parsed domain.ParsedQuery, lookup GenreLookup) []domain.Intent {
	intents := make([]domain.Intent, 0, 8)

	if genre, ok := parsed.PowerValue("genre"); ok && genre != "" && lookup != nil {
		if id, found := lookup.ID(genre); found {
			intents = append(intents, domain.GenreIntent(id))
		}
	}
	if actor, ok := parsed.PowerValue("actor"); ok {
		intents = append(intents, domain.PersonIntent(actor, domain.RoleActor))
	}
	if director, ok := parsed.PowerValue("director"); ok {
		intents = append(intents, domain.PersonIntent(director, domain.RoleDirector))
	}
	if keyword, ok := parsed.PowerValue("keyword"); ok {
		intents = append(intents, domain.KeywordIntent(keyword))
	}

	// The whole query may itself be a genre name ("science fiction").
	if lookup != nil && parsed.Raw != "" {
		if id, found := lookup.ID(strings.ToLower(parsed.Raw)); found {
			intents = append(intents, domain.GenreIntent(id))
		}
	}

	if len(parsed.Tokens) >= 2 {
		intents = append(intents, domain.CollectionIntent(parsed.Raw))
		if personNamePattern.MatchString(parsed.Raw) {
			intents = append(intents, domain.PersonIntent(parsed.Raw, domain.RoleUnset))
		}
	}

	intents = append(intents,
		domain.TitleIntent(parsed.Raw, parsed.Year),
		domain.MultiIntent(parsed.Raw, parsed.Year),
	)

	if len(intents) > MaxIntents {
		intents = intents[:MaxIntents]
	}
	return intents
}

// IntentLabels returns the kind label of each intent, in order.
func IntentLabels(intents []domain.Intent) []string {
	labels := make([]string, len(intents))
	for i, intent := range intents {
		labels[i] = intent.Label()
	}
	return labels
}
