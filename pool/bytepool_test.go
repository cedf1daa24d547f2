package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool_GetPut(t *testing.T) {
	p := NewBytePool(0)
	assert.Equal(t, DefaultBufferSize, p.Size())

	b := p.Get()
	assert.Len(t, b, DefaultBufferSize)
	b[0] = 'x'
	p.Put(b[:10])

	b2 := p.Get()
	assert.Len(t, b2, DefaultBufferSize)

	// foreign buffers are ignored
	p.Put(make([]byte, 3))
	assert.Len(t, p.Get(), DefaultBufferSize)
}

func TestSyncPool_AcceptAndReset(t *testing.T) {
	created := 0
	sp := NewSyncPool(
		func() []int {
			created++
			return make([]int, 0, 4)
		},
		WithAccept(func(s []int) bool { return cap(s) == 4 }),
		WithReset(func(s []int) []int { return s[:0] }),
	)

	s := sp.Get()
	assert.Equal(t, 1, created)
	s = append(s, 1, 2)
	sp.Put(s)
	sp.Put(make([]int, 0, 100))

	// sync.Pool may drop values at any time, so only the shape is checked
	got := sp.Get()
	assert.Len(t, got, 0)
	assert.Equal(t, 4, cap(got))
}
