package normalize

import (
	"regexp"
	"strings"

	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/pkg/errors"
)

// Rules holds the per-manga override tables and heuristic constants that
// tune normalization. Construct once from config and share.
type Rules struct {
	TitleOverrides     map[string]string
	TitlelessManga     map[string]bool
	CustomTitleRegexes map[string]*regexp.Regexp
	ExDistanceLimit    int
	ExDefaultDecimal   string
}

// NewRules compiles the configured override tables.
func NewRules(cfg config.RulesConfig) (*Rules, error) {
	rules := &Rules{
		TitleOverrides:     map[string]string{},
		TitlelessManga:     map[string]bool{},
		CustomTitleRegexes: map[string]*regexp.Regexp{},
		ExDistanceLimit:    cfg.ExDistanceLimit,
		ExDefaultDecimal:   cfg.ExDefaultDecimal,
	}
	for mangaID, title := range cfg.TitleOverrides {
		rules.TitleOverrides[mangaID] = title
	}
	for _, mangaID := range cfg.TitlelessManga {
		rules.TitlelessManga[mangaID] = true
	}
	for mangaID, pattern := range cfg.CustomTitleRegexes {
		re, err := regexp.Compile("(?i)^(?:" + pattern + ")")
		if err != nil {
			return nil, errors.Wrapf(err, "invalid custom title regex for manga %s", mangaID)
		}
		rules.CustomTitleRegexes[mangaID] = re
	}
	return rules, nil
}

// DefaultRules returns rules with no per-manga overrides.
func DefaultRules() *Rules {
	return &Rules{
		TitleOverrides:     map[string]string{},
		TitlelessManga:     map[string]bool{},
		CustomTitleRegexes: map[string]*regexp.Regexp{},
		ExDistanceLimit:    5,
		ExDefaultDecimal:   "5",
	}
}

// The generic prefix cascade. Upstream titles inconsistently embed the
// chapter number; the first pattern matching the start of the string wins and
// its match is removed once.
var genericTitlePrefixes = []*regexp.Regexp{
	// "Chapter 12: Title" / "12.5: Title"
	regexp.MustCompile(`(?i)^(?:chapter\s*)?#?\d+(?:[.,]\d+)*\s*[:：]\s*`),
	// "Chapter 12 Title"
	regexp.MustCompile(`(?i)^(?:chapter|ch\.?)\s*\d+(?:[.,]\d+)*\s+`),
	// "#12 Title"
	regexp.MustCompile(`(?i)^#\d+(?:[.,]\d+)*\s+`),
	// "12. Title" / "12 - Title"
	regexp.MustCompile(`(?i)^#?\d+(?:[.,]\d+)*\s*[.\-–—]\s*`),
	// "12 Title"
	regexp.MustCompile(`(?i)^\d+(?:[.,]\d+)*\s+`),
	// "Twelve: Title"
	regexp.MustCompile(`(?i)^(?:one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\s*[:：]\s*`),
	// "Final Chapter: Title" / "The Last Chapter - Title"
	regexp.MustCompile(`(?i)^(?:the\s+)?(?:final|last)\s+chapter\s*[:：.\-]?\s*`),
}

const finalChapterLiteral = "final chapter"

// Title normalizes a raw chapter title for the given manga. numberResolved
// reports whether the chapter ended up with a non-nil number, which the
// title-less manga rule depends on. A nil result means the chapter publishes
// without a title.
func (r *Rules) Title(sourceMangaID, raw string, numberResolved bool) *string {
	if override, ok := r.TitleOverrides[sourceMangaID]; ok {
		if override == "" {
			return nil
		}
		return &override
	}

	title := strings.TrimSpace(raw)
	if title == "" {
		return nil
	}

	if strings.EqualFold(title, finalChapterLiteral) {
		return nil
	}
	if numberResolved && r.TitlelessManga[sourceMangaID] {
		return nil
	}

	// The per-manga regex and the generic cascade are one priority list:
	// whichever pattern matches first strips its prefix, exactly once.
	patterns := genericTitlePrefixes
	if re, ok := r.CustomTitleRegexes[sourceMangaID]; ok {
		patterns = append([]*regexp.Regexp{re}, genericTitlePrefixes...)
	}
	for _, re := range patterns {
		if loc := re.FindStringIndex(title); loc != nil {
			title = strings.TrimSpace(title[loc[1]:])
			break
		}
	}

	if title == "" {
		return nil
	}
	return &title
}
