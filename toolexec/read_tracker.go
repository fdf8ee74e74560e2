package toolexec

import "sync"

// ReadTracker records which files the model has seen, keyed by absolute path,
// with the FNV-1a hash of the content it saw.
type ReadTracker struct {
	mu      sync.Mutex
	entries map[string]uint64
}

// NewReadTracker creates an empty tracker.
func NewReadTracker() *ReadTracker {
	return &ReadTracker{entries: make(map[string]uint64)}
}

// RecordRead notes that absPath was read with the given content.
func (t *ReadTracker) RecordRead(absPath, content string) {
	t.record(absPath, content)
}

// RecordWrite notes that absPath was written with the given content. A file
// the model wrote counts as read.
func (t *ReadTracker) RecordWrite(absPath, content string) {
	t.record(absPath, content)
}

func (t *ReadTracker) record(absPath, content string) {
	h := HashArguments(content)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[absPath] = h
}

// Forget drops absPath, as after the file was deleted.
func (t *ReadTracker) Forget(absPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, absPath)
}

// HasBeenRead reports whether absPath was read or written in this run.
func (t *ReadTracker) HasBeenRead(absPath string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[absPath]
	return ok
}

// ContentHash returns the last recorded hash for absPath.
func (t *ReadTracker) ContentHash(absPath string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[absPath]
	return h, ok
}

// Len returns the number of tracked paths.
func (t *ReadTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
