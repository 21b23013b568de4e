package recent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetEvictsOldest(t *testing.T) {
	s := New(3)
	for i := 0; i < 5; i++ {
		s.Add(fmt.Sprintf("IMG_%02d.JPG", i))
	}

	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Contains("IMG_00.JPG"))
	assert.False(t, s.Contains("IMG_01.JPG"))
	assert.True(t, s.Contains("IMG_04.JPG"))
}

func TestContainsRefreshesRecency(t *testing.T) {
	s := New(2)
	s.Add("a")
	s.Add("b")
	assert.True(t, s.Contains("a"))

	s.Add("c")
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("b"))
}

func TestAddIsIdempotent(t *testing.T) {
	s := New(0)
	s.Add("a")
	s.Add("a")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, DefaultCapacity, s.capacity)
}
