package template

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aymerick/raymond"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	dateLong    = "January 2, 2006"
	dateWeekday = "Monday, January 2, 2006"
)

var helperNames = map[string]struct{}{
	"capitalize": {},
	"upper":      {},
	"lower":      {},
	"formatDate": {},
	"default":    {},
	"pluralize":  {},
	"spin":       {},
}

// a Caser keeps state, so each call gets its own
func upper(s string) string { return cases.Upper(language.English).String(s) }
func lower(s string) string { return cases.Lower(language.English).String(s) }

// helpers builds the helper set for one render. In text mode results are
// marked safe so nothing gets HTML-escaped.
func (e *Engine) helpers(escape bool) map[string]interface{} {
	out := func(s string) interface{} {
		if escape {
			return s
		}
		return raymond.SafeString(s)
	}
	pass := func(v interface{}) interface{} {
		if s, ok := v.(string); ok {
			return out(s)
		}
		return v
	}

	return map[string]interface{}{
		"capitalize": func(v interface{}) interface{} {
			return out(capitalize(stringOf(v)))
		},
		"upper": func(v interface{}) interface{} {
			return out(upper(stringOf(v)))
		},
		"lower": func(v interface{}) interface{} {
			return out(lower(stringOf(v)))
		},
		// raymond passes *Options in place of a missing trailing argument
		"formatDate": func(date interface{}, format interface{}) interface{} {
			if _, ok := format.(*raymond.Options); ok {
				format = nil
			}
			return out(formatDate(date, stringOf(format)))
		},
		"default": func(value interface{}, fallback interface{}) interface{} {
			if raymond.IsTrue(value) {
				return pass(value)
			}
			return pass(fallback)
		},
		"pluralize": func(count interface{}, singular interface{}, plural interface{}) interface{} {
			if n, ok := number(count); ok && n == 1 {
				return pass(singular)
			}
			return pass(plural)
		},
		"spin": func(choices interface{}) interface{} {
			return out(e.spin(stringOf(choices)))
		},
	}
}

func (e *Engine) spin(choices string) string {
	alts := strings.Split(choices, "|")
	return alts[e.rnd.IntN(len(alts))]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	_, size := utf8.DecodeRuneInString(s)
	return upper(s[:size]) + lower(s[size:])
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func formatDate(v interface{}, format string) string {
	var t time.Time
	switch d := v.(type) {
	case time.Time:
		t = d
	case *time.Time:
		if d == nil {
			return ""
		}
		t = *d
	default:
		if n, ok := number(v); ok {
			t = time.UnixMilli(int64(n))
			break
		}
		s := stringOf(v)
		parsed := false
		for _, layout := range dateLayouts {
			if p, err := time.Parse(layout, s); err == nil {
				t, parsed = p, true
				break
			}
		}
		if !parsed {
			return ""
		}
	}

	if format == "long" {
		return t.Format(dateWeekday)
	}
	return t.Format(dateLong)
}

func stringOf(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case raymond.SafeString:
		return string(s)
	case *raymond.Options:
		return ""
	default:
		return raymond.Str(v)
	}
}

func isEmpty(v interface{}) bool {
	return stringOf(v) == ""
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
