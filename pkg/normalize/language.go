package normalize

import (
	"unicode"

	"golang.org/x/text/language"
)

// Supported response languages.
const (
	LangEnglish = "en"
	LangChinese = "zh"
)

// DetectLanguage returns "en" or "zh". An explicit hint wins when it names a
// supported base language; otherwise any Han character selects Chinese.
func DetectLanguage(text, hint string) string {
	if hint != "" {
		if tag, err := language.Parse(hint); err == nil {
			base, _ := tag.Base()
			switch base.String() {
			case LangEnglish:
				return LangEnglish
			case LangChinese:
				return LangChinese
			}
		}
	}
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			return LangChinese
		}
	}
	return LangEnglish
}
