package core

import (
	"bytes"
	"errors"
	"testing"

	"github.com/org/piiguard/internal/errs"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSession()
	if !s.IsLocked() {
		t.Fatal("new session should be locked")
	}
	if _, err := s.Key(); !errors.Is(err, errs.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	key := bytes.Repeat([]byte{7}, 32)
	s.Open(key)
	if s.IsLocked() {
		t.Fatal("session should be unlocked after Open")
	}
	got, err := s.Key()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{7}, 32)) {
		t.Error("Key should return the installed key")
	}
	got[0] = 0
	again, _ := s.Key()
	if again[0] != 7 {
		t.Error("Key must return a copy")
	}

	view := s.View()
	s.Close()
	if !view.IsLocked() {
		t.Error("view should observe lock")
	}
	for _, b := range key {
		if b != 0 {
			t.Fatal("key material should be wiped on Close")
		}
	}
}
