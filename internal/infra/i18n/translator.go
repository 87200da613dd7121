package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed locales
var LocalesFS embed.FS

// DefaultLang is used when a requested language has no catalog.
const DefaultLang = "en"

type Translator struct {
	lang         string
	translations map[string]string
	fallback     *Translator
}

func newTranslatorFromBytes(lang string, data []byte) (*Translator, error) {
	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse translation file for %s: %w", lang, err)
	}
	return &Translator{lang: lang, translations: translations}, nil
}

func (t *Translator) Lang() string { return t.lang }

// Lookup returns the message for key, falling back to the default language.
func (t *Translator) Lookup(key string) (string, bool) {
	if msg, ok := t.translations[key]; ok {
		return msg, true
	}
	if t.fallback != nil {
		return t.fallback.Lookup(key)
	}
	return "", false
}

// T returns the formatted message for key, or key itself when unknown.
func (t *Translator) T(key string, args ...interface{}) string {
	format, ok := t.Lookup(key)
	if !ok {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(format, args...)
	}
	return format
}

// Catalog holds one Translator per locale file.
type Catalog struct {
	langs map[string]*Translator
}

// NewCatalog loads every locales/<lang>.yaml in fsys. DefaultLang must exist.
func NewCatalog(fsys fs.FS) (*Catalog, error) {
	files, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, err
	}
	c := &Catalog{langs: make(map[string]*Translator, len(files))}
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, fmt.Errorf("failed to read translation file %s: %w", f, err)
		}
		lang := strings.TrimSuffix(path.Base(f), ".yaml")
		tr, err := newTranslatorFromBytes(lang, data)
		if err != nil {
			return nil, err
		}
		c.langs[lang] = tr
	}
	base, ok := c.langs[DefaultLang]
	if !ok {
		return nil, fmt.Errorf("missing %s locale", DefaultLang)
	}
	for lang, tr := range c.langs {
		if lang != DefaultLang {
			tr.fallback = base
		}
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog built from the embedded locales.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := NewCatalog(LocalesFS)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Languages lists the loaded locales in sorted order.
func (c *Catalog) Languages() []string {
	out := make([]string, 0, len(c.langs))
	for lang := range c.langs {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// For returns the translator for a tag such as "zh-CN" or "en_US.UTF-8".
func (c *Catalog) For(tag string) *Translator {
	if tr, ok := c.langs[primary(tag)]; ok {
		return tr
	}
	return c.langs[DefaultLang]
}

// Negotiate picks the best loaded locale for an Accept-Language header.
func (c *Catalog) Negotiate(acceptLanguage string) *Translator {
	best, bestQ := c.langs[DefaultLang], -1.0
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag, q := parseRange(part)
		tr, ok := c.langs[primary(tag)]
		if !ok || q <= bestQ {
			continue
		}
		best, bestQ = tr, q
	}
	return best
}

func primary(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_."); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

func parseRange(s string) (string, float64) {
	tag, params, _ := strings.Cut(strings.TrimSpace(s), ";")
	q := 1.0
	if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
		if _, err := fmt.Sscanf(v, "%g", &q); err != nil {
			q = 0
		}
	}
	return tag, q
}
