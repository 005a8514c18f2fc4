package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceHelpers(t *testing.T) {
	require.True(t, Cont([]string{"a", "b"}, "b"))
	require.False(t, Cont([]string{"a"}, "z"))
	require.Equal(t, []int{1, 3}, Without([]int{1, 2, 3, 2}, 2))
	require.Nil(t, Without([]int{2}, 2))
	require.Equal(t, []int{3, 1, 2}, Dedup([]int{3, 1, 3, 2, 1}))
}

func TestFanOut(t *testing.T) {
	f := NewFanOutChan[int]()
	a := f.Listen()
	b := f.Listen()

	f.Publish(1)
	f.Publish(2)
	require.Equal(t, 1, <-a)
	require.Equal(t, 2, <-a)
	require.Equal(t, 1, <-b)
	require.Equal(t, 2, <-b)

	f.Close()
	_, ok := <-a
	require.False(t, ok)
	_, ok = <-f.Listen()
	require.False(t, ok)
	f.Publish(3)
}
