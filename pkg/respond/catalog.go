package respond

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Supported lists the reply languages, default first.
var Supported = []language.Tag{language.English, language.Chinese}

var matcher = language.NewMatcher(Supported)

type localeFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// loadCatalog builds the message catalog from the embedded locale files.
func loadCatalog(fsys fs.FS) (*catalog.Builder, error) {
	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locales: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no locale files found")
	}
	sort.Strings(paths)

	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var f localeFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		tag, err := language.Parse(f.Locale)
		if err != nil {
			return nil, fmt.Errorf("%s: locale %q: %w", path, f.Locale, err)
		}
		keys := make([]string, 0, len(f.Messages))
		for k := range f.Messages {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := b.SetString(tag, k, f.Messages[k]); err != nil {
				return nil, fmt.Errorf("%s: key %q: %w", path, k, err)
			}
		}
	}
	return b, nil
}

// Match returns the supported language closest to lang.
func Match(lang string) language.Tag {
	tag, err := language.Parse(lang)
	if err != nil {
		return Supported[0]
	}
	_, idx, _ := matcher.Match(tag)
	return Supported[idx]
}

func printer(cat catalog.Catalog, lang string) *message.Printer {
	return message.NewPrinter(Match(lang), message.Catalog(cat))
}
