package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDequeFifoOrder(t *testing.T) {
	q := Deque[int]{}
	for i := 1; i <= 5; i++ {
		q.PushBack(i)
	}
	assert.Equal(t, 5, q.Length())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, q.Drain())
	assert.True(t, q.IsEmpty())
}

func TestDequePushFront(t *testing.T) {
	q := Deque[string]{}
	q.PushBack("b")
	q.PushFront("a")
	q.PushBack("c")

	v, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, _ = q.PopFront()
	_, _ = q.PopFront()
	_, ok = q.PopFront()
	assert.False(t, ok)
}

func TestDequePushBackAll(t *testing.T) {
	a := Deque[int]{}
	b := Deque[int]{}
	a.PushBack(1)
	b.PushBack(2)
	b.PushBack(3)
	a.PushBackAll(&b)
	assert.True(t, b.IsEmpty())
	assert.Equal(t, []int{1, 2, 3}, a.Drain())
}
