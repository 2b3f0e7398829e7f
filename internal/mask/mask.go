// Package mask derives short, human-safe hints from sensitive values. The same
// function backs the UI, the detection index and the usage log so all of them
// agree on what a value looks like.
package mask

import (
	"strings"
	"unicode/utf8"

	"github.com/org/piiguard/pkg/models"
)

const (
	Glyph    = "••••"
	Ellipsis = "..."
)

var numericTypes = map[string]bool{
	models.TypePhone:    true,
	models.TypeSSN:      true,
	models.TypeCredit:   true,
	models.TypeCard:     true,
	models.TypeBank:     true,
	models.TypePassport: true,
	models.TypeLicense:  true,
}

// IsNumericType reports whether values of typ are identifiers compared by digits.
func IsNumericType(typ string) bool {
	return numericTypes[typ]
}

// ShortDisplay returns the masked hint for value.
func ShortDisplay(value, typ string) string {
	switch {
	case IsNumericType(typ):
		return lastFour(value)
	case typ == models.TypeEmail:
		if at := strings.LastIndex(value, "@"); at > 0 {
			first, _ := utf8.DecodeRuneInString(value)
			return string(first) + "•••@" + value[at+1:]
		}
	}
	return firstWords(value, 2)
}

func lastFour(value string) string {
	runes := []rune(value)
	if len(runes) < 4 {
		return Glyph
	}
	return Glyph + string(runes[len(runes)-4:])
}

func firstWords(value string, n int) string {
	words := strings.Fields(value)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ") + Ellipsis
}
