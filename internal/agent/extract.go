package agent

import (
	"regexp"
	"strings"
)

var fences = map[string]*regexp.Regexp{
	"json": regexp.MustCompile("(?s)```json(.*?)```"),
	"sql":  regexp.MustCompile("(?s)```sql(.*?)```"),
}

func fencePattern(lang string) *regexp.Regexp {
	if re, ok := fences[lang]; ok {
		return re
	}
	return regexp.MustCompile("(?s)```" + regexp.QuoteMeta(lang) + "(.*?)```")
}

// Fenced returns the trimmed body of the first ```lang block in text.
func Fenced(text, lang string) (string, bool) {
	m := fencePattern(lang).FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// AllFenced returns the trimmed bodies of every ```lang block in text, in
// order of appearance.
func AllFenced(text, lang string) []string {
	matches := fencePattern(lang).FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// Object returns the substring spanning the first '{' to the last '}' in
// text.
func Object(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
