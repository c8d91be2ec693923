package xid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCarriesPrefixAndIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := New("batch")
		assert.True(t, strings.HasPrefix(id, "batch-"), id)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNewSortsByCreation(t *testing.T) {
	first := New("ret")
	second := New("ret")
	assert.Less(t, first, second)
}
