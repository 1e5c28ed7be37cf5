package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardMap_SetGetDelete(t *testing.T) {
	m := NewShardMap[int]()

	_, ok := m.Get("a")
	assert.False(t, ok)

	m.Set("a", 1)
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestShardMap_GetOrCreate_SingleWinner(t *testing.T) {
	m := NewShardMap[int]()

	var creations int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.GetOrCreate("k", func() int {
				mu.Lock()
				creations++
				mu.Unlock()
				return 42
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, creations)
	v, ok := m.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestShardMap_LenAndKeys(t *testing.T) {
	m := NewShardMap[int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	assert.Equal(t, 3, m.Len())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, m.Keys())
}

func TestShardMap_Range_StopsEarly(t *testing.T) {
	m := NewShardMap[int]()
	m.Set("a", 1)
	m.Set("b", 2)

	visited := 0
	m.Range(func(key string, value int) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}
