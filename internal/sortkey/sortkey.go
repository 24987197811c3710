// Package sortkey derives ordering keys from media file names so that clips
// are merged in capture order.
package sortkey

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Method selects how keys are derived.
type Method string

const (
	MethodDate Method = "date"
	MethodName Method = "name"
)

// Tiers order keys of different kinds: regex matches first, then plain
// names, then everything else.
const (
	TierMatched  = 1
	TierName     = 2
	TierFallback = 3
)

// Field is one component of a key: either an integer or text.
type Field struct {
	Num    int64
	Text   string
	IsText bool
}

func num(n int64) Field   { return Field{Num: n} }
func text(s string) Field { return Field{Text: s, IsText: true} }

// String renders the field for logs.
func (f Field) String() string {
	if f.IsText {
		return f.Text
	}
	return strconv.FormatInt(f.Num, 10)
}

// Key is a totally ordered sort key.
type Key struct {
	Tier   int
	Fields []Field
}

// Extract computes the key for fileName. A pattern that does not compile
// behaves like a pattern that does not match.
func Extract(fileName string, method Method, pattern string) Key {
	var re *regexp.Regexp
	if method == MethodDate {
		re, _ = regexp.Compile(pattern)
	}
	return ExtractCompiled(fileName, method, re)
}

// ExtractCompiled is Extract with a pre-compiled pattern; re may be nil.
func ExtractCompiled(fileName string, method Method, re *regexp.Regexp) Key {
	switch method {
	case MethodDate:
		if re != nil {
			if m := re.FindStringSubmatch(fileName); m != nil {
				return dateKey(m[1:])
			}
		}
	case MethodName:
		return Key{Tier: TierName, Fields: []Field{text(fileName)}}
	}
	return Key{Tier: TierFallback, Fields: []Field{text(fileName)}}
}

func dateKey(groups []string) Key {
	if len(groups) == 7 {
		if fields, ok := timestampFields(groups); ok {
			return Key{Tier: TierMatched, Fields: fields}
		}
	}
	fields := make([]Field, len(groups))
	for i, g := range groups {
		if isDigits(g) {
			if n, err := strconv.ParseInt(g, 10, 64); err == nil {
				fields[i] = num(n)
				continue
			}
		}
		fields[i] = text(g)
	}
	return Key{Tier: TierMatched, Fields: fields}
}

// timestampFields reads (month, day, year, hour, minute, second, AM|PM)
// and returns (year, month, day, hour24, minute, second).
func timestampFields(g []string) ([]Field, bool) {
	var v [6]int64
	for i := 0; i < 6; i++ {
		if !isDigits(g[i]) {
			return nil, false
		}
		n, err := strconv.ParseInt(g[i], 10, 64)
		if err != nil {
			return nil, false
		}
		v[i] = n
	}
	month, day, year, hour, minute, second := v[0], v[1], v[2], v[3], v[4], v[5]
	switch strings.ToUpper(g[6]) {
	case "PM":
		if hour != 12 {
			hour += 12
		}
	case "AM":
		if hour == 12 {
			hour = 0
		}
	}
	return []Field{num(year), num(month), num(day), num(hour), num(minute), num(second)}, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Compare returns -1, 0 or 1. Keys compare by tier, then field by field
// (integers sort before text), then by length.
func Compare(a, b Key) int {
	if a.Tier != b.Tier {
		if a.Tier < b.Tier {
			return -1
		}
		return 1
	}
	for i := 0; i < len(a.Fields) && i < len(b.Fields); i++ {
		if c := compareField(a.Fields[i], b.Fields[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a.Fields) < len(b.Fields):
		return -1
	case len(a.Fields) > len(b.Fields):
		return 1
	}
	return 0
}

func compareField(a, b Field) int {
	switch {
	case a.IsText != b.IsText:
		if !a.IsText {
			return -1
		}
		return 1
	case a.IsText:
		return strings.Compare(a.Text, b.Text)
	case a.Num < b.Num:
		return -1
	case a.Num > b.Num:
		return 1
	}
	return 0
}

// Less reports whether a sorts before b.
func Less(a, b Key) bool {
	return Compare(a, b) < 0
}

// Sort orders paths by the key of their base names. Equal keys keep their
// input order.
func Sort(paths []string, method Method, pattern string) {
	var re *regexp.Regexp
	if method == MethodDate {
		re, _ = regexp.Compile(pattern)
	}
	keys := make(map[string]Key, len(paths))
	for _, p := range paths {
		keys[p] = ExtractCompiled(filepath.Base(p), method, re)
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return Less(keys[paths[i]], keys[paths[j]])
	})
}
