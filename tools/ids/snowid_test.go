package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneratorUniqueAndTagged(t *testing.T) {
	g := NewGenerator(7)
	seen := make(map[int64]struct{}, 10000)
	var last int64
	for i := 0; i < 10000; i++ {
		id := g.Next()
		_, dup := seen[id]
		assert.False(t, dup)
		assert.Greater(t, id, last)
		assert.Equal(t, int64(7), Node(id))
		seen[id] = struct{}{}
		last = id
	}
}

func TestGeneratorClampsNode(t *testing.T) {
	g := NewGenerator(1024 + 3)
	assert.Equal(t, int64(3), Node(g.Next()))
}
