package compose

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxFieldRunes bounds a single interpolated value.
const MaxFieldRunes = 200

var statusLabels = map[string]string{
	"planning":    "기획",
	"in_progress": "진행중",
	"on_hold":     "보류",
	"completed":   "완료",
	"cancelled":   "취소",
}

var priorityLabels = map[string]string{
	"urgent": "긴급",
	"high":   "높음",
	"medium": "보통",
	"low":    "낮음",
}

// StatusLabel maps a status code to its display label. Unknown codes are
// returned unchanged.
func StatusLabel(code string) string {
	if l, ok := statusLabels[strings.ToLower(strings.TrimSpace(code))]; ok {
		return l
	}
	return code
}

func PriorityLabel(code string) string {
	if l, ok := priorityLabels[strings.ToLower(strings.TrimSpace(code))]; ok {
		return l
	}
	return code
}

// clean sanitizes a value for display; empty becomes "-".
func clean(s string) string {
	s = sanitize(s)
	if s == "" {
		return "-"
	}
	return s
}

// sanitize drops control characters (newline kept), trims, and truncates to
// MaxFieldRunes.
func sanitize(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if r == utf8.RuneError || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxFieldRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:MaxFieldRunes-1])) + "…"
}

// formatDate shortens timestamps to their calendar date. Anything that does
// not parse is shown as given.
func formatDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}
