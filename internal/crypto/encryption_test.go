package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestSealerRoundTrip(t *testing.T) {
	s := NewSealer("family passphrase", "trustlink")

	sealed, err := s.Seal("麥當勞")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) || strings.Contains(sealed, "麥當勞") {
		t.Fatalf("value not sealed: %q", sealed)
	}

	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "麥當勞" {
		t.Fatalf("got %q", plain)
	}
}

func TestSealerWrongKey(t *testing.T) {
	sealed, err := NewSealer("right", "salt").Seal("secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := NewSealer("wrong", "salt").Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestNilSealer(t *testing.T) {
	var s *Sealer = NewSealer("", "salt")
	if s != nil {
		t.Fatal("empty passphrase should disable sealing")
	}

	v, err := s.Seal("plain")
	if err != nil || v != "plain" {
		t.Fatalf("nil sealer changed value: %q %v", v, err)
	}
	if _, err := s.Open(sealedPrefix + "abc"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestOpenLegacyPlaintext(t *testing.T) {
	s := NewSealer("k", "salt")
	v, err := s.Open("寵物叫豆豆")
	if err != nil || v != "寵物叫豆豆" {
		t.Fatalf("legacy plaintext not passed through: %q %v", v, err)
	}
}

func TestEncryptRejectsShortKey(t *testing.T) {
	if _, err := Encrypt("x", []byte("short")); !errors.Is(err, ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}
