package mask

import "testing"

func TestShortDisplay(t *testing.T) {
	cases := []struct {
		value, typ, want string
	}{
		{"4111111111111111", "credit", "••••1111"},
		{"4111-1111-1111-1111", "card", "••••1111"},
		{"555-123-4567", "phone", "••••4567"},
		{"123-45-6789", "ssn", "••••6789"},
		{"12", "ssn", "••••"},
		{"alice@example.com", "email", "a•••@example.com"},
		{"no-at-sign", "email", "no-at-sign..."},
		{"221B Baker Street London", "address", "221B Baker..."},
		{"Sherlock", "name", "Sherlock..."},
		{"  spaced   out words ", "address", "spaced out..."},
	}
	for _, tc := range cases {
		if got := ShortDisplay(tc.value, tc.typ); got != tc.want {
			t.Errorf("ShortDisplay(%q, %q) = %q, want %q", tc.value, tc.typ, got, tc.want)
		}
	}
}

func TestShortDisplayDeterministic(t *testing.T) {
	first := ShortDisplay("4111111111111111", "credit")
	for i := 0; i < 10; i++ {
		if got := ShortDisplay("4111111111111111", "credit"); got != first {
			t.Fatalf("call %d returned %q, want %q", i, got, first)
		}
	}
	if first != "••••1111" {
		t.Errorf("got %q", first)
	}
}
