package detect

import (
	"strings"
	"unicode"

	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/pkg/models"
)

// Minimum digit counts for digits-only comparison, per type. Types not
// listed are only compared exactly in the plaintext step.
var minDigits = map[string]func(n int) bool{
	models.TypePhone:  func(n int) bool { return n >= 10 },
	models.TypeSSN:    func(n int) bool { return n == 9 },
	models.TypeCredit: func(n int) bool { return n >= 13 },
	models.TypeCard:   func(n int) bool { return n >= 13 },
}

// Match describes a recognized value. Value is the plaintext for plaintext
// matches and the hash for index matches.
type Match struct {
	Type         string `json:"type"`
	ShortDisplay string `json:"shortDisplay"`
	Value        string `json:"-"`
	MatchedBy    string `json:"matchedBy"`
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// matchPlaintext returns the first known record equal to v, either exactly or
// by digits for numeric types.
func matchPlaintext(v string, known []models.ProfileRecord) (*Match, bool) {
	vDigits := digitsOnly(v)
	for _, rec := range known {
		if rec.Value == v {
			return plaintextMatch(rec), true
		}
		enough, numeric := minDigits[rec.Type]
		if !numeric || !enough(len(vDigits)) {
			continue
		}
		if vDigits == digitsOnly(rec.Value) {
			return plaintextMatch(rec), true
		}
	}
	return nil, false
}

func plaintextMatch(rec models.ProfileRecord) *Match {
	return &Match{
		Type:         rec.Type,
		ShortDisplay: rec.ShortDisplay,
		Value:        rec.Value,
		MatchedBy:    models.MatchedByPlaintext,
	}
}

// variants returns the distinct non-empty canonical forms of v in match order.
func variants(v string) []string {
	out := make([]string, 0, 3)
	for _, c := range []string{v, digitsOnly(v), strings.ToLower(v)} {
		if c == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if o == c {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// matchHash tests each variant's digest against the index.
func matchHash(v string, index map[string]models.DetectionHashRecord) (*Match, bool) {
	for _, c := range variants(v) {
		h := crypto.DigestHex(c)
		if rec, ok := index[h]; ok {
			return &Match{
				Type:         rec.Type,
				ShortDisplay: rec.ShortDisplay,
				Value:        rec.Hash,
				MatchedBy:    models.MatchedByHash,
			}, true
		}
	}
	return nil, false
}
