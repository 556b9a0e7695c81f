package storage

import (
	"errors"
	"testing"
)

func TestOverlaySatisfiesDatabase(t *testing.T) {
	exerciseDatabase(t, NewOverlay(NewMemDB()))
}

func TestOverlayBuffersUntilFlush(t *testing.T) {
	base := NewMemDB()
	if err := base.Put([]byte("k/old"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	overlay := NewOverlay(base)
	if err := overlay.Put([]byte("k/new"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := overlay.Delete([]byte("k/old")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := base.Get([]byte("k/new")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("overlay write leaked into base: %v", err)
	}
	var seen []string
	if err := overlay.Iterate([]byte("k/"), func(key, _ []byte) bool {
		seen = append(seen, string(key))
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(seen) != 1 || seen[0] != "k/new" {
		t.Fatalf("unexpected merged view %v", seen)
	}

	if err := overlay.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if overlay.Len() != 0 {
		t.Fatalf("flush must clear the overlay")
	}
	if v, err := base.Get([]byte("k/new")); err != nil || string(v) != "2" {
		t.Fatalf("flushed write missing: %q %v", v, err)
	}
	if ok, _ := base.Has([]byte("k/old")); ok {
		t.Fatalf("flushed delete missing")
	}
}
