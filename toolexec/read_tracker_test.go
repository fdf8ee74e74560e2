package toolexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadTracker(t *testing.T) {
	tr := NewReadTracker()
	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.HasBeenRead("/repo/a.go"))

	tr.RecordRead("/repo/a.go", "package a")
	assert.True(t, tr.HasBeenRead("/repo/a.go"))
	assert.False(t, tr.HasBeenRead("/repo/b.go"), "paths are matched exactly")

	tr.RecordWrite("/repo/b.go", "package b")
	assert.True(t, tr.HasBeenRead("/repo/b.go"), "a write counts as a read")
	assert.Equal(t, 2, tr.Len())

	h, ok := tr.ContentHash("/repo/b.go")
	assert.True(t, ok)
	assert.Equal(t, HashArguments("package b"), h)

	tr.RecordWrite("/repo/b.go", "package b // edited")
	h2, _ := tr.ContentHash("/repo/b.go")
	assert.NotEqual(t, h, h2)
	assert.Equal(t, 2, tr.Len())
}
