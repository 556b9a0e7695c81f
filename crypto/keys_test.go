package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	text := addr.String()
	if !strings.HasPrefix(text, "wk1") {
		t.Fatalf("unexpected address prefix: %s", text)
	}
	raw, err := ParseAddress(text)
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	if raw != addr.Raw() {
		t.Fatalf("round trip mismatch")
	}
}

func TestParseAddressRejectsForeignPrefix(t *testing.T) {
	raw := DeriveAddress("test", []byte{1})
	foreign, err := NewAddress("zz", raw[:])
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	if _, err := ParseAddress(foreign.String()); err == nil {
		t.Fatalf("expected prefix error")
	}
	if _, err := ParseAddress("  "); err == nil {
		t.Fatalf("expected empty address error")
	}
}

func TestDeriveAddressIsDeterministic(t *testing.T) {
	a := DeriveAddress("workchain/escrow/custody", []byte{0, 1})
	b := DeriveAddress("workchain/escrow/custody", []byte{0, 1})
	c := DeriveAddress("workchain/escrow/custody", []byte{0, 2})
	if a != b || a == c {
		t.Fatalf("derivation not deterministic per seed")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "client.json")
	if err := SaveToKeystoreWithParams(path, key, "secret", LightScrypt); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "secret")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.PubKey().Address() != key.PubKey().Address() {
		t.Fatalf("loaded key differs")
	}
	if _, err := LoadFromKeystore(path, "wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase, got %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("keystore mode %v", info.Mode().Perm())
	}
	// Saving again replaces the file in place.
	if err := SaveToKeystoreWithParams(path, key, "other", LightScrypt); err != nil {
		t.Fatalf("overwrite keystore: %v", err)
	}
	if _, err := LoadFromKeystore(path, "other"); err != nil {
		t.Fatalf("load overwritten keystore: %v", err)
	}
}
