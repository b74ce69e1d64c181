package mmal

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/firmware/vcsim"
	"github.com/lanikai/mmal/internal/vcsm"
)

func TestAcquireRefcount(t *testing.T) {
	fw := vcsim.New(vcsim.Config{})

	a, err := Acquire(fw)
	require.NoError(t, err)
	b, err := Acquire(fw)
	require.NoError(t, err)

	var serr *StreamStateError
	_, err = Acquire(vcsim.New(vcsim.Config{}))
	assert.True(t, errors.As(err, &serr), "got %v", err)

	require.NoError(t, a.Release())
	require.NoError(t, a.Release())

	// Still connected through b.
	g := b.NewGraph()
	_, err = g.NewComponent(Camera)
	require.NoError(t, err)

	// The last release closes the graph and the firmware.
	require.NoError(t, b.Release())
	assert.Empty(t, g.Components())
	_, _, st := fw.CreateComponent(Camera)
	assert.Equal(t, firmware.ENOTCONN, st)
}

func TestShutdown(t *testing.T) {
	fw := vcsim.New(vcsim.Config{})
	svc, err := Acquire(fw)
	require.NoError(t, err)

	g := svc.NewGraph()
	video := newComponent(t, g, Camera).Output(CameraVideoPort)
	commitRaw(t, video, 64, 48)
	_, err = video.CreatePool(0, 0)
	require.NoError(t, err)
	assert.NotZero(t, vcsm.InUse())

	// A reference taken outside the service does not survive Shutdown.
	vcsm.Acquire()

	require.NoError(t, Shutdown())
	assert.Zero(t, vcsm.InUse())
	_, err = vcsm.Alloc(16)
	assert.Error(t, err, "allocator still live after shutdown")
	assert.Empty(t, g.Components())

	// Nothing left to do.
	assert.NoError(t, svc.Release())
	assert.NoError(t, Shutdown())
}

func TestAcquireOpenFailure(t *testing.T) {
	fw := vcsim.New(vcsim.Config{})
	fw.FailCall("Open", firmware.EIO)

	_, err := Acquire(fw)
	var herr *HardwareError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Equal(t, firmware.EIO, herr.Status)

	svc, err := Acquire(fw)
	require.NoError(t, err)
	assert.NoError(t, svc.Release())
}

func TestGraphIDs(t *testing.T) {
	fw := vcsim.New(vcsim.Config{})
	svc, err := Acquire(fw)
	require.NoError(t, err)
	defer svc.Release()

	g1, g2 := svc.NewGraph(), svc.NewGraph()
	assert.NotEqual(t, g1.ID, g2.ID)
	assert.NoError(t, g1.Close())
	assert.NoError(t, g1.Close())
}
