package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Overlay buffers writes on top of a base database. Reads see buffered
// writes first. Flush applies everything to the base in one batch, so a
// block's state changes and records land together or not at all.
type Overlay struct {
	base Database

	mu      sync.RWMutex
	writes  map[string][]byte
	deletes map[string]struct{}
}

// NewOverlay returns an empty overlay on base.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key []byte, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.deletes, k)
	o.writes[k] = cloneBytes(value)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	k := string(key)
	if value, ok := o.writes[k]; ok {
		o.mu.RUnlock()
		return cloneBytes(value), nil
	}
	_, deleted := o.deletes[k]
	o.mu.RUnlock()
	if deleted {
		return nil, ErrNotFound
	}
	return o.base.Get(key)
}

func (o *Overlay) Has(key []byte) (bool, error) {
	_, err := o.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (o *Overlay) Delete(key []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.writes, k)
	o.deletes[k] = struct{}{}
	return nil
}

// Write applies batch to the overlay, not to the base.
func (o *Overlay) Write(batch *Batch) error {
	if batch == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range batch.ops {
		k := string(op.key)
		if op.delete {
			delete(o.writes, k)
			o.deletes[k] = struct{}{}
			continue
		}
		delete(o.deletes, k)
		o.writes[k] = cloneBytes(op.value)
	}
	return nil
}

// Iterate merges the base view with buffered writes.
func (o *Overlay) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	if err := o.base.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = cloneBytes(value)
		return true
	}); err != nil {
		return err
	}
	o.mu.RLock()
	for k := range o.deletes {
		delete(merged, k)
	}
	for k, v := range o.writes {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = cloneBytes(v)
		}
	}
	o.mu.RUnlock()

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), merged[k]) {
			return nil
		}
	}
	return nil
}

// Len reports the number of buffered operations.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.writes) + len(o.deletes)
}

// Flush writes the buffered operations to the base and clears the overlay.
func (o *Overlay) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := NewBatch()
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Put([]byte(k), o.writes[k])
	}
	for k := range o.deletes {
		batch.Delete([]byte(k))
	}
	if err := o.base.Write(batch); err != nil {
		return err
	}
	o.writes = make(map[string][]byte)
	o.deletes = make(map[string]struct{})
	return nil
}

// Close does not close the base.
func (o *Overlay) Close() {}
