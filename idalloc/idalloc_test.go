package idalloc_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nbtaylor/polifence/idalloc"
)

func TestStartsAtOne(t *testing.T) {
	a := idalloc.New()
	assert.Equal(t, uint32(1), a.Next())
	assert.Equal(t, uint32(2), a.Next())
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	a := idalloc.New()
	const n = 1000
	seen := make([]uint32, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			seen[i] = a.Next()
		}(i)
	}
	wg.Wait()

	dedup := make(map[uint32]struct{}, n)
	for _, id := range seen {
		dedup[id] = struct{}{}
	}
	assert.Len(t, dedup, n)
}
