package comm_test

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/pkg/comm"
)

func TestRefStoreOneShot(t *testing.T) {
	a := assert.New(t)
	s := comm.NewRefStore()

	id := s.Put("hello")
	a.Equal(1, id, "ids start at 1 so they survive omitempty")

	v, err := s.Fetch(id)
	require.NoError(t, err)
	a.Equal("hello", v)

	_, err = s.Fetch(id)
	require.Error(t, err)
	a.True(trace.IsNotFound(err))
	a.Contains(err.Error(), comm.ErrCallbackConsumed)
}

func TestRefStoreRetained(t *testing.T) {
	a := assert.New(t)
	s := comm.NewRefStore()

	id := s.Retain("keep")
	for i := 0; i < 3; i++ {
		v, err := s.Fetch(id)
		require.NoError(t, err)
		a.Equal("keep", v)
	}

	s.Release(id)
	_, err := s.Fetch(id)
	a.Error(err)
}

func TestRefStoreRecyclesIds(t *testing.T) {
	a := assert.New(t)
	s := comm.NewRefStore()

	first := s.Put("a")
	second := s.Put("b")
	a.NotEqual(first, second)

	_, err := s.Fetch(first)
	require.NoError(t, err)

	a.Equal(first, s.Put("c"), "released ids are reused")
	a.Equal(2, s.Len())
}

func TestRefStoreReleaseIsIdempotent(t *testing.T) {
	s := comm.NewRefStore()
	id := s.Put("x")
	s.Release(id)
	s.Release(id)
	assert.Equal(t, 0, s.Len())
}

func TestRefStoreClear(t *testing.T) {
	a := assert.New(t)
	s := comm.NewRefStore()

	s.Put("x")
	s.Retain("y")
	s.Clear()

	a.Equal(0, s.Len())
	a.Equal(1, s.Put("z"), "clear resets id allocation")
}
