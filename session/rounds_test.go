package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveRoundLimit(t *testing.T) {
	l := NewAdaptiveRoundLimit(10, 25)
	assert.True(t, l.WithinLimit(9))
	assert.False(t, l.WithinLimit(10))

	_, ok := l.RequestExtension(2, true)
	assert.False(t, ok, "too few rounds used")
	_, ok = l.RequestExtension(10, false)
	assert.False(t, ok, "no progress")

	next, ok := l.RequestExtension(10, true)
	assert.True(t, ok)
	assert.Equal(t, 15, next)

	next, ok = l.RequestExtension(15, true)
	assert.True(t, ok)
	assert.Equal(t, 23, next)

	next, ok = l.RequestExtension(23, true)
	assert.True(t, ok)
	assert.Equal(t, 25, next, "capped at the absolute maximum")

	_, ok = l.RequestExtension(25, true)
	assert.False(t, ok)
	assert.Equal(t, 10, l.Initial)
}
