//go:build !integration

package i18n

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestTranslator(t *testing.T) {
	translator, err := newTranslatorFromBytes("fa", []byte("greeting: سلام\nwelcome_user: سلام %s"))
	if err != nil {
		t.Fatalf("newTranslatorFromBytes failed: %v", err)
	}

	t.Run("should translate a simple key", func(t *testing.T) {
		if got, want := translator.T("greeting"), "سلام"; got != want {
			t.Errorf("wanted '%s', got '%s'", want, got)
		}
	})

	t.Run("should return key if not found", func(t *testing.T) {
		if got := translator.T("nonexistent_key"); got != "nonexistent_key" {
			t.Errorf("wanted the key back, got '%s'", got)
		}
	})

	t.Run("should format arguments correctly", func(t *testing.T) {
		if got, want := translator.T("welcome_user", "Ali"), "سلام Ali"; got != want {
			t.Errorf("wanted '%s', got '%s'", want, got)
		}
	})
}

func TestCatalog(t *testing.T) {
	fsys := fstest.MapFS{
		"locales/en.yaml": {Data: []byte("status.failed: failed\nonly.en: english\n")},
		"locales/zh.yaml": {Data: []byte("status.failed: 失败\n")},
	}
	c, err := NewCatalog(fsys)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	t.Run("should pick a language by primary tag", func(t *testing.T) {
		for tag, want := range map[string]string{"zh-CN": "zh", "zh_TW.UTF-8": "zh", "EN": "en", "de": "en", "": "en"} {
			if got := c.For(tag).Lang(); got != want {
				t.Errorf("For(%q) = %s, want %s", tag, got, want)
			}
		}
	})

	t.Run("should fall back to english for missing keys", func(t *testing.T) {
		zh := c.For("zh")
		if got := zh.T("status.failed"); got != "失败" {
			t.Errorf("got %q", got)
		}
		if got := zh.T("only.en"); got != "english" {
			t.Errorf("fallback = %q", got)
		}
	})

	t.Run("should negotiate accept-language by quality", func(t *testing.T) {
		cases := map[string]string{
			"zh-CN,zh;q=0.9,en;q=0.8":    "zh",
			"fr;q=1, en;q=0.5, zh;q=0.7": "zh",
			"de, fr":                     "en",
			"":                           "en",
		}
		for header, want := range cases {
			if got := c.Negotiate(header).Lang(); got != want {
				t.Errorf("Negotiate(%q) = %s, want %s", header, got, want)
			}
		}
	})

	t.Run("should require the default locale", func(t *testing.T) {
		_, err := NewCatalog(fstest.MapFS{"locales/zh.yaml": {Data: []byte("a: b\n")}})
		if err == nil || !strings.Contains(err.Error(), "en") {
			t.Errorf("expected missing-locale error, got %v", err)
		}
	})
}

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	if got := c.Languages(); strings.Join(got, ",") != "en,zh" {
		t.Fatalf("languages = %v", got)
	}
	if got := c.For("zh-CN").T("status.completed"); got != "已完成" {
		t.Errorf("zh status = %q", got)
	}
}
