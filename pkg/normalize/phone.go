package normalize

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var phoneSpan = regexp.MustCompile(`\+?\d[\d\-\s().]{6,}\d`)

// RewritePhones replaces every phone-like span in text with its E.164 form.
// Spans that do not parse as a possible number for region are left untouched.
func RewritePhones(text, region string) (string, []string) {
	var found []string
	out := phoneSpan.ReplaceAllStringFunc(text, func(span string) string {
		e164, ok := ToE164(span, region)
		if !ok {
			return span
		}
		found = append(found, e164)
		return e164
	})
	return out, found
}

// ToE164 formats raw as E.164 using region for numbers without a country code.
func ToE164(raw, region string) (string, bool) {
	digits := 0
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 7 {
		return "", false
	}
	if region == "" {
		region = "CA"
	}
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), strings.ToUpper(region))
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}
