package storage

import (
	"errors"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("a/1"), []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}

	batch := NewBatch()
	batch.Put([]byte("a/2"), []byte("two"))
	batch.Put([]byte("b/1"), []byte("other"))
	batch.Delete([]byte("a/1"))
	if err := db.Write(batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	if ok, _ := db.Has([]byte("a/1")); ok {
		t.Fatalf("expected a/1 deleted by batch")
	}
	value, err := db.Get([]byte("a/2"))
	if err != nil || string(value) != "two" {
		t.Fatalf("unexpected a/2 value %q err %v", value, err)
	}

	var keys []string
	if err := db.Iterate([]byte("a/"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a/2" {
		t.Fatalf("unexpected prefix keys %v", keys)
	}
}

func TestMemDB(t *testing.T) {
	exerciseDatabase(t, NewMemDB())
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'z'
	got, _ := db.Get([]byte("k"))
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
}
