package features

import (
	"regexp"
	"unicode"
)

var (
	cashtagRe = regexp.MustCompile(`\$[A-Z]{1,5}\b`)
	mentionRe = regexp.MustCompile(`@\w+`)
	urlRe     = regexp.MustCompile(`https?://\S+`)
)

// Set holds the spam-signal features extracted from a post's text.
type Set struct {
	CashtagCount int
	MentionCount int
	URLCount     int
	CapsRatio    float64
}

// Extract computes spam-signal features from raw post text. It is pure and
// never fails; empty text yields the zero Set.
func Extract(text string) Set {
	set := Set{
		CashtagCount: len(cashtagRe.FindAllString(text, -1)),
		MentionCount: len(mentionRe.FindAllString(text, -1)),
		URLCount:     len(urlRe.FindAllString(text, -1)),
	}
	set.CapsRatio = capsRatio(text)
	return set
}

// capsRatio measures the uppercase fraction of alphabetic characters after
// stripping URLs, mentions, and cashtags, so SHOUTING text stands out without
// being skewed by tickers or links.
func capsRatio(text string) float64 {
	stripped := urlRe.ReplaceAllString(text, "")
	stripped = mentionRe.ReplaceAllString(stripped, "")
	stripped = cashtagRe.ReplaceAllString(stripped, "")

	var letters, upper int
	for _, r := range stripped {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}
