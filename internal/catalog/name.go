package catalog

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
)

// DefaultMaxNameLength bounds a normalized name, counted in runes.
const DefaultMaxNameLength = 256

// Name is a normalized catalog name. The zero value is not a valid name.
type Name string

func (n Name) String() string { return string(n) }

// Normalize applies NFKC, full case folding and whitespace collapsing, and
// rejects names that end up empty or longer than DefaultMaxNameLength.
func Normalize(raw string) (Name, error) {
	return NormalizeLimit(raw, DefaultMaxNameLength)
}

// NormalizeLimit is Normalize with an explicit rune limit. A non-positive
// limit disables the length check.
func NormalizeLimit(raw string, maxRunes int) (Name, error) {
	if !utf8.ValidString(raw) {
		return "", apperrors.Invalid("name is not valid UTF-8")
	}
	s := norm.NFKC.String(raw)
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", apperrors.Invalid("name must not be empty")
	}
	if maxRunes > 0 {
		if n := utf8.RuneCountInString(s); n > maxRunes {
			return "", apperrors.Invalid("name is %d characters, limit is %d", n, maxRunes)
		}
	}
	return Name(s), nil
}

// MustNormalize is Normalize for literals known to be valid.
func MustNormalize(raw string) Name {
	n, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return n
}
