// Package period maps published file names to the reporting period they deliver.
package period

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"unicode"
)

// Kind classifies a period key.
type Kind int

const (
	Unrecognized Kind = iota
	Yearly
	Quarterly
	Monthly
)

// String returns the short prefix used in key strings.
func (k Kind) String() string {
	switch k {
	case Yearly:
		return "y"
	case Quarterly:
		return "q"
	case Monthly:
		return "m"
	default:
		return "other"
	}
}

const (
	minYear = 1900
	maxYear = 2100

	yearlyToken = "itemindices"
	// yearlyWindow is how far after the token a yearly archive's year may start.
	yearlyWindow = 4
)

// Key is the canonical identity of the period a file delivers. Two files with the
// same Key carry the same logical content.
type Key struct {
	Kind    Kind
	Year    int
	Quarter int
	Month   int
	Raw     string // cleaned stem, only meaningful for Unrecognized
}

// String returns the key in its canonical text form: y_2023, q_2023q1, m_202301 or
// other_<clean>.
func (k Key) String() string {
	switch k.Kind {
	case Yearly:
		return fmt.Sprintf("y_%04d", k.Year)
	case Quarterly:
		return fmt.Sprintf("q_%04dq%d", k.Year, k.Quarter)
	case Monthly:
		return fmt.Sprintf("m_%04d%02d", k.Year, k.Month)
	default:
		return "other_" + k.Raw
	}
}

// Period returns the token stored in archive manifests: 2023q1 for quarters,
// 202301 for months, and the full key string otherwise.
func (k Key) Period() string {
	switch k.Kind {
	case Quarterly:
		return fmt.Sprintf("%04dq%d", k.Year, k.Quarter)
	case Monthly:
		return fmt.Sprintf("%04d%02d", k.Year, k.Month)
	default:
		return k.String()
	}
}

// IsPeriodic reports whether the key is a Monthly or Quarterly delivery.
func (k Key) IsPeriodic() bool {
	return k.Kind == Monthly || k.Kind == Quarterly
}

// Normalize derives the period key for a file name. Detection order is quarter
// marker, then a YYYYMM window, then a yearly item-indices archive.
func Normalize(filename string) Key {
	clean := cleanStem(filename)

	if k, ok := quarterly(clean); ok {
		return k
	}
	if k, ok := monthly(clean); ok {
		return k
	}
	if k, ok := yearly(clean); ok {
		return k
	}
	return Key{Kind: Unrecognized, Raw: clean}
}

// cleanStem drops any directory and the final extension, then keeps only
// lowercased letters and digits.
func cleanStem(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}

	var b strings.Builder
	b.Grow(len(base))
	for _, r := range base {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func quarterly(clean string) (Key, bool) {
	for i := 0; i < len(clean); i++ {
		if clean[i] != 'q' || i+1 >= len(clean) || i < 4 {
			continue
		}
		q := clean[i+1]
		if q < '1' || q > '4' {
			continue
		}
		if year, ok := parseYear(clean[i-4 : i]); ok {
			return Key{Kind: Quarterly, Year: year, Quarter: int(q - '0')}, true
		}
	}
	return Key{}, false
}

func monthly(clean string) (Key, bool) {
	for i := 0; i+6 <= len(clean); i++ {
		window := clean[i : i+6]
		if !allDigits(window) {
			continue
		}
		year, ok := parseYear(window[:4])
		if !ok {
			continue
		}
		month, _ := strconv.Atoi(window[4:])
		if month >= 1 && month <= 12 {
			return Key{Kind: Monthly, Year: year, Month: month}, true
		}
	}
	return Key{}, false
}

func yearly(clean string) (Key, bool) {
	pos := strings.Index(clean, yearlyToken)
	if pos < 0 {
		return Key{}, false
	}
	start := pos + len(yearlyToken)
	for off := 0; off <= yearlyWindow; off++ {
		lo := start + off
		if lo+4 > len(clean) {
			break
		}
		if year, ok := parseYear(clean[lo : lo+4]); ok {
			return Key{Kind: Yearly, Year: year}, true
		}
	}
	return Key{}, false
}

func parseYear(s string) (int, bool) {
	if len(s) != 4 || !allDigits(s) {
		return 0, false
	}
	year, _ := strconv.Atoi(s)
	if year < minYear || year > maxYear {
		return 0, false
	}
	return year, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
