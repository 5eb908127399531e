package voice

import (
	"regexp"
	"strings"
	"unicode"
)

type speechRewrite struct {
	pattern *regexp.Regexp
	replace string
}

// Applied in order: code first so link and url rules never see its contents.
var speechRewrites = []speechRewrite{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
	{regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+`), " "},
	{regexp.MustCompile(`[*_~#|<>\\/]+`), " "},
}

// speakable strips markup and symbols from model text before synthesis.
func speakable(raw string) string {
	for _, rw := range speechRewrites {
		raw = rw.pattern.ReplaceAllString(raw, rw.replace)
	}

	var b strings.Builder
	b.Grow(len(raw))
	pendingSpace := false
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
			continue
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3', unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case unicode.IsPunct(r) && !strings.ContainsRune(".,!?:;'\"-()", r):
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
