package profile

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/pkg/models"
)

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRe = regexp.MustCompile(`^[\d\s\-\+\(\)\.]{10,15}$`)
	ssnRe   = regexp.MustCompile(`^\d{3}-?\d{2}-?\d{4}$`)
	cardRe  = regexp.MustCompile(`^\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}$`)
)

const (
	minPhoneDigits   = 10
	minFreeformRunes = 3
)

// Validate checks value against the format rules for typ.
// Failures wrap errs.ErrValidation.
func Validate(value, typ string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: value is empty", errs.ErrValidation)
	}
	if strings.TrimSpace(typ) == "" {
		return fmt.Errorf("%w: type is empty", errs.ErrValidation)
	}

	var ok bool
	switch typ {
	case models.TypeEmail:
		ok = emailRe.MatchString(value)
	case models.TypePhone:
		ok = phoneRe.MatchString(value) && countDigits(value) >= minPhoneDigits
	case models.TypeSSN:
		ok = ssnRe.MatchString(value)
	case models.TypeCredit, models.TypeCard:
		ok = cardRe.MatchString(value)
	default:
		ok = len([]rune(value)) >= minFreeformRunes
	}
	if !ok {
		return fmt.Errorf("%w: not a valid %s", errs.ErrValidation, typ)
	}
	return nil
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
