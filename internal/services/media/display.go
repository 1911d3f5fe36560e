package media

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"torrentcast/internal/domain"
)

var languageNamer = display.English.Languages()

// languageName renders an ISO 639 tag as an English language name, or ""
// when the tag is missing or unknown.
func languageName(code string) string {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, domain.UndeterminedLanguage) {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return ""
	}
	return languageNamer.Name(tag)
}

// trackName picks the stream title, then the language name, then a
// positional fallback such as "Audio Track 2".
func trackName(title, lang, kind string, index int) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	if name := languageName(lang); name != "" {
		return name
	}
	return fmt.Sprintf("%s Track %d", kind, index+1)
}
