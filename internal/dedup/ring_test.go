package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(2)
	assert.True(t, r.Add("a"))
	assert.False(t, r.Add("a"))
	assert.True(t, r.Add("b"))
	assert.True(t, r.Add("c"))

	assert.False(t, r.Has("a"))
	assert.True(t, r.Has("b"))
	assert.True(t, r.Has("c"))
	assert.True(t, r.Add("a"))
}

func TestRingEmptyIDAndReset(t *testing.T) {
	r := NewRing(0)
	assert.True(t, r.Add(""))
	assert.True(t, r.Add(""))
	r.Add("x")
	r.Reset()
	assert.False(t, r.Has("x"))
	assert.True(t, r.Add("x"))
}
