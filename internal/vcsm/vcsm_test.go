package vcsm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocRequiresAcquire(t *testing.T) {
	_, err := Alloc(64)
	assert.Equal(t, errNotAcquired, err)
}

func TestAllocFree(t *testing.T) {
	Acquire()
	defer Release()

	b, err := Alloc(4096)
	require.NoError(t, err)
	assert.Len(t, b, 4096)
	assert.EqualValues(t, 4096, InUse())

	b[0], b[4095] = 1, 2
	require.NoError(t, Free(b))
	assert.Zero(t, InUse())

	assert.Equal(t, errUnknown, Free(b))
}

func TestAllocLimit(t *testing.T) {
	Acquire()
	defer Release()
	SetLimit(8192)
	defer SetLimit(DefaultLimit)

	a, err := Alloc(6000)
	require.NoError(t, err)
	_, err = Alloc(6000)
	assert.Equal(t, errExhausted, errors.Cause(err))
	assert.NoError(t, Free(a))
}

func TestReleaseFreesLeaks(t *testing.T) {
	Acquire()
	Acquire()
	_, err := Alloc(1024)
	require.NoError(t, err)

	Release()
	assert.EqualValues(t, 1024, InUse())
	Release()
	assert.Zero(t, InUse())
}
