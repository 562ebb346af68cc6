package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeap(t *testing.T) {
	h := Heap[uint64]{}
	for _, v := range []uint64{5, 1, 9, 3, 3} {
		h.Push(v)
	}
	assert.Equal(t, 5, h.Len())
	assert.Equal(t, uint64(1), h.Peek())
	got := []uint64{}
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}
	assert.Equal(t, []uint64{1, 3, 3, 5, 9}, got)
}
