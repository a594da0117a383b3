// Package normalize turns raw upstream chapter records into canonical
// (number, title) values. Every function here is pure: the same input always
// normalizes identically.
package normalize

import (
	"strconv"
	"strings"
)

const (
	oneShotToken  = "one-shot"
	oneShotToken2 = "one.shot"
	extraToken    = "ex"
	spinOffPrefix = "spin-off"
)

// StripNumber removes the "#" prefix and the number's leading zeros and
// rewrites dash separators as decimals. Zeros are stripped from the whole
// string only, never per decimal segment: "10.05" and "10.5" are different
// chapters. An all-zero number becomes "0".
func StripNumber(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "#")
	stripped := strings.TrimLeft(s, "0")
	if stripped == "" && s != "" {
		stripped = "0"
	}
	return strings.ReplaceAll(stripped, "-", ".")
}

// parsesAsInt reports whether a stripped number's first segment is an
// integer, which is what anchors extra-chapter resolution.
func parsesAsInt(number string) (int, bool) {
	first := strings.Split(number, ",")[0]
	first = strings.Split(first, ".")[0]
	n, err := strconv.Atoi(first)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NumberParts resolves the chapter number at position idx within its ordered
// neighbor sequence. Comma-joined numbers produce one part per element; a nil
// part means the chapter has no number (one-shots, unresolvable extras).
func (r *Rules) NumberParts(neighbors []string, idx int) []*string {
	if idx < 0 || idx >= len(neighbors) {
		return []*string{nil}
	}

	raw := strings.TrimSpace(neighbors[idx])
	// Strip the spin-off prefix before dash rewriting eats its hyphen.
	if strings.HasPrefix(strings.ToLower(raw), spinOffPrefix) {
		raw = strings.TrimLeft(raw[len(spinOffPrefix):], " -.")
	}

	number := StripNumber(raw)
	lower := strings.ToLower(number)
	if lower == oneShotToken || lower == oneShotToken2 {
		return []*string{nil}
	}

	if strings.ToLower(number) == extraToken {
		resolved := r.resolveExtra(neighbors, idx)
		if resolved == nil {
			return []*string{nil}
		}
		number = *resolved
	}

	if number == "" {
		number = "0"
	}

	parts := strings.Split(number, ",")
	out := make([]*string, 0, len(parts))
	for _, part := range parts {
		p := StripNumber(part)
		if p == "" {
			p = "0"
		}
		out = append(out, &p)
	}
	return out
}

// resolveExtra anchors an "ex" chapter to its nearest numbered neighbor:
// backward first, taking the anchor's number as the base; forward otherwise,
// subtracting one from the anchor. The decimal tie-breaker is the positional
// gap to the anchor when several extras precede the same numbered chapter.
func (r *Rules) resolveExtra(neighbors []string, idx int) *string {
	base, anchorIdx, found := r.searchBackward(neighbors, idx)
	if !found {
		base, anchorIdx, found = r.searchForward(neighbors, idx)
		if !found {
			return nil
		}
		base--
	}

	gap := anchorIdx - idx
	if gap < 0 {
		gap = -gap
	}
	if gap > r.ExDistanceLimit {
		return nil
	}

	decimal := r.ExDefaultDecimal
	if gap > 1 {
		decimal = strconv.Itoa(gap)
	}

	resolved := strconv.Itoa(base) + "." + decimal
	return &resolved
}

func (r *Rules) searchBackward(neighbors []string, idx int) (int, int, bool) {
	for i := idx - 1; i >= 0; i-- {
		stripped := StripNumber(neighbors[i])
		// A comma-joined anchor resolves to its last part.
		parts := strings.Split(stripped, ",")
		if n, ok := parsesAsInt(StripNumber(parts[len(parts)-1])); ok {
			return n, i, true
		}
	}
	return 0, 0, false
}

func (r *Rules) searchForward(neighbors []string, idx int) (int, int, bool) {
	for i := idx + 1; i < len(neighbors); i++ {
		if n, ok := parsesAsInt(StripNumber(neighbors[i])); ok {
			return n, i, true
		}
	}
	return 0, 0, false
}
