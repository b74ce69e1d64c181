package vcsim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/internal/media/h264"
)

// collector records every callback delivered on a port.
type collector struct {
	sync.Mutex
	hdrs   []firmware.BufferHeader
	status []firmware.Status
	fw     *Firmware
	ref    firmware.PortRef
	resend bool
}

func (c *collector) callback(hdr *firmware.BufferHeader, st firmware.Status) {
	c.Lock()
	if hdr != nil {
		cp := *hdr
		cp.Data = append([]byte(nil), hdr.Payload()...)
		c.hdrs = append(c.hdrs, cp)
	}
	c.status = append(c.status, st)
	resend := c.resend
	c.Unlock()

	if hdr != nil && resend {
		hdr.Reset()
		c.fw.SendBuffer(c.ref, hdr)
	}
}

func (c *collector) count() int {
	c.Lock()
	defer c.Unlock()
	return len(c.status)
}

func (c *collector) stop() {
	c.Lock()
	c.resend = false
	c.Unlock()
}

func headers(n, size int) []*firmware.BufferHeader {
	hdrs := make([]*firmware.BufferHeader, n)
	for i := range hdrs {
		hdrs[i] = &firmware.BufferHeader{Index: i, Data: make([]byte, size)}
		hdrs[i].Reset()
	}
	return hdrs
}

type chain struct {
	fw      *Firmware
	camera  firmware.ComponentHandle
	encoder firmware.ComponentHandle
	conn    firmware.ConnectionHandle
	cam     firmware.PortRef
	out     firmware.PortRef
	info    firmware.PortInfo
}

// newVideoChain tunnels the camera video port into a video encoder.
func newVideoChain(t *testing.T, enc firmware.FourCC) *chain {
	fw := New(Config{})
	require.Equal(t, firmware.Success, fw.Open())

	cam, _, st := fw.CreateComponent("camera")
	require.Equal(t, firmware.Success, st)
	encoder, _, st := fw.CreateComponent("video_encode")
	require.Equal(t, firmware.Success, st)

	c := &chain{
		fw:      fw,
		camera:  cam,
		encoder: encoder,
		cam:     firmware.PortRef{Component: cam, Type: firmware.PortOutput, Index: videoPort},
		out:     firmware.PortRef{Component: encoder, Type: firmware.PortOutput},
	}
	in := firmware.PortRef{Component: encoder, Type: firmware.PortInput}

	raw := defaultRawFormat()
	raw.Width, raw.Height, raw.CropWidth, raw.CropHeight = 320, 240, 320, 240
	_, st = fw.CommitFormat(c.cam, raw)
	require.Equal(t, firmware.Success, st)
	_, st = fw.CommitFormat(in, raw)
	require.Equal(t, firmware.Success, st)

	c.info, st = fw.CommitFormat(c.out, firmware.Format{Type: firmware.ESVideo, Encoding: enc})
	require.Equal(t, firmware.Success, st)

	c.conn, st = fw.CreateConnection(c.cam, in)
	require.Equal(t, firmware.Success, st)
	return c
}

func (c *chain) start(t *testing.T, col *collector) {
	fw := c.fw
	col.fw, col.ref, col.resend = fw, c.out, true
	require.Equal(t, firmware.Success, fw.EnableComponent(c.camera))
	require.Equal(t, firmware.Success, fw.EnableComponent(c.encoder))
	require.Equal(t, firmware.Success, fw.EnablePort(c.out, col.callback))
	for _, hdr := range headers(c.info.BufferNum, c.info.BufferSize) {
		require.Equal(t, firmware.Success, fw.SendBuffer(c.out, hdr))
	}
	require.Equal(t, firmware.Success, fw.EnableConnection(c.conn))
	require.Equal(t, firmware.Success, fw.SetParameter(c.cam, firmware.BoolParameter(firmware.ParamCapture, true)))
}

func (c *chain) stop(t *testing.T, col *collector) {
	col.stop()
	fw := c.fw
	assert.Equal(t, firmware.Success, fw.SetParameter(c.cam, firmware.BoolParameter(firmware.ParamCapture, false)))
	assert.Equal(t, firmware.Success, fw.DisablePort(c.out))
	assert.Equal(t, firmware.Success, fw.DestroyConnection(c.conn))
	assert.Equal(t, firmware.Success, fw.DisableComponent(c.encoder))
	assert.Equal(t, firmware.Success, fw.DisableComponent(c.camera))
	assert.Equal(t, firmware.Success, fw.DestroyComponent(c.encoder))
	assert.Equal(t, firmware.Success, fw.DestroyComponent(c.camera))
	assert.Equal(t, firmware.Success, fw.Close())
}

func TestCatalog(t *testing.T) {
	fw := New(Config{})
	_, _, st := fw.CreateComponent("camera")
	assert.Equal(t, firmware.ENOTCONN, st)

	require.Equal(t, firmware.Success, fw.Open())
	defer fw.Close()

	_, infos, st := fw.CreateComponent("camera")
	require.Equal(t, firmware.Success, st)
	require.Len(t, infos, 4)
	assert.Equal(t, firmware.PortControl, infos[0].Ref.Type)
	assert.Equal(t, "still", infos[3].Name)
	assert.Equal(t, stillPort, infos[3].Ref.Index)

	_, _, st = fw.CreateComponent("flux_capacitor")
	assert.Equal(t, firmware.ENOENT, st)
}

func TestCommitFormat(t *testing.T) {
	fw := New(Config{})
	require.Equal(t, firmware.Success, fw.Open())
	defer fw.Close()

	cam, _, _ := fw.CreateComponent("camera")
	ref := firmware.PortRef{Component: cam, Type: firmware.PortOutput, Index: videoPort}

	f := defaultRawFormat()
	f.Width, f.Height, f.CropWidth, f.CropHeight = 1000, 500, 1000, 500
	info, st := fw.CommitFormat(ref, f)
	require.Equal(t, firmware.Success, st)
	assert.Equal(t, 1024, info.Format.Width)
	assert.Equal(t, 512, info.Format.Height)
	assert.Equal(t, 1000, info.Format.CropWidth)
	assert.Equal(t, 1024*512*3/2, info.BufferSize)
	assert.Equal(t, info.BufferSize, info.BufferSizeMin)

	f.Encoding = firmware.EncodingH264
	_, st = fw.CommitFormat(ref, f)
	assert.Equal(t, firmware.EINVAL, st)

	assert.Equal(t, firmware.EINVAL, fw.SetBufferRequirements(ref, 0, info.BufferSize))
	assert.Equal(t, firmware.Success, fw.SetBufferRequirements(ref, 5, info.BufferSize))
	got, _ := fw.PortInfo(ref)
	assert.Equal(t, 5, got.BufferNum)
}

func TestH264Stream(t *testing.T) {
	c := newVideoChain(t, firmware.EncodingH264)
	c.fw.SetFrameSize(150 << 10)
	require.Equal(t, firmware.Success, c.fw.SetParameter(c.out, firmware.IntParameter(firmware.ParamIntraPeriod, 5)))
	require.Equal(t, firmware.Success, c.fw.SetParameter(c.out, firmware.BoolParameter(firmware.ParamInlineHeaders, true)))

	col := &collector{}
	c.start(t, col)
	assert.Eventually(t, func() bool { return col.count() >= 60 }, 5*time.Second, time.Millisecond)
	c.stop(t, col)

	col.Lock()
	defer col.Unlock()

	// The first buffer is the parameter sets.
	first := col.hdrs[0]
	require.True(t, first.Flags.Has(firmware.FlagConfig), first.Flags)
	cfg, err := h264.ParseConfig(first.Data)
	require.NoError(t, err)
	assert.Equal(t, uint(320), cfg.Width)
	assert.Equal(t, uint(240), cfg.Height)

	// Frames span several buffers; only the last carries FRAME_END.
	frames, keys, configs := 0, 0, 0
	size := 0
	for _, hdr := range col.hdrs {
		if hdr.Length == 0 {
			continue
		}
		if hdr.Flags.Has(firmware.FlagConfig) {
			configs++
			continue
		}
		size += hdr.Length
		if hdr.Flags.Has(firmware.FlagFrameEnd) {
			assert.Equal(t, 150<<10, size)
			size = 0
			if hdr.Flags.Has(firmware.FlagKeyFrame) {
				keys++
			}
			frames++
		}
	}
	require.True(t, frames >= 10)
	assert.Equal(t, (frames+4)/5, keys)

	// Capture may stop between a header and its key frame.
	assert.Contains(t, []int{keys, keys + 1}, configs)
}

func TestDisableReturnsBuffers(t *testing.T) {
	c := newVideoChain(t, firmware.EncodingH264)
	col := &collector{}
	c.start(t, col)

	// Stop resubmitting; whatever the firmware still holds comes back empty.
	col.stop()
	require.Equal(t, firmware.Success, c.fw.SetParameter(c.cam, firmware.BoolParameter(firmware.ParamCapture, false)))
	require.Equal(t, firmware.Success, c.fw.DisablePort(c.out))
	n := col.count()

	// No callback after DisablePort returns.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, col.count())
	assert.Equal(t, firmware.EINVAL, c.fw.SendBuffer(c.out, headers(1, c.info.BufferSize)[0]))

	assert.Equal(t, firmware.Success, c.fw.DestroyConnection(c.conn))
	assert.Equal(t, firmware.Success, c.fw.Close())
}

func TestFailCallback(t *testing.T) {
	c := newVideoChain(t, firmware.EncodingMJPEG)
	c.fw.FailCallback(c.out, 5, firmware.EIO)

	col := &collector{}
	c.start(t, col)
	assert.Eventually(t, func() bool { return col.count() >= 8 }, 5*time.Second, time.Millisecond)
	c.stop(t, col)

	col.Lock()
	defer col.Unlock()
	for i := 0; i < 4; i++ {
		assert.Equal(t, firmware.Success, col.status[i])
	}
	assert.Equal(t, firmware.EIO, col.status[4])
	assert.Zero(t, col.hdrs[4].Length)
	assert.Equal(t, firmware.Success, col.status[5])
}

func TestFailCall(t *testing.T) {
	fw := New(Config{})
	require.Equal(t, firmware.Success, fw.Open())
	defer fw.Close()

	fw.FailCall("CreateComponent", firmware.ENOMEM)
	_, _, st := fw.CreateComponent("camera")
	assert.Equal(t, firmware.ENOMEM, st)

	// Faults are one-shot.
	_, _, st = fw.CreateComponent("camera")
	assert.Equal(t, firmware.Success, st)
}

func TestStillCapture(t *testing.T) {
	fw := New(Config{})
	require.Equal(t, firmware.Success, fw.Open())

	cam, _, _ := fw.CreateComponent("camera")
	enc, _, _ := fw.CreateComponent("image_encode")
	still := firmware.PortRef{Component: cam, Type: firmware.PortOutput, Index: stillPort}
	in := firmware.PortRef{Component: enc, Type: firmware.PortInput}
	out := firmware.PortRef{Component: enc, Type: firmware.PortOutput}

	raw := defaultRawFormat()
	raw.Width, raw.Height, raw.CropWidth, raw.CropHeight = 64, 48, 64, 48
	_, st := fw.CommitFormat(still, raw)
	require.Equal(t, firmware.Success, st)
	info, st := fw.CommitFormat(out, firmware.Format{Type: firmware.ESVideo, Encoding: firmware.EncodingPNG})
	require.Equal(t, firmware.Success, st)
	conn, st := fw.CreateConnection(still, in)
	require.Equal(t, firmware.Success, st)

	col := &collector{fw: fw, ref: out, resend: true}
	require.Equal(t, firmware.Success, fw.EnableComponent(cam))
	require.Equal(t, firmware.Success, fw.EnableComponent(enc))
	require.Equal(t, firmware.Success, fw.EnablePort(out, col.callback))
	for _, hdr := range headers(info.BufferNum, info.BufferSize) {
		fw.SendBuffer(out, hdr)
	}
	require.Equal(t, firmware.Success, fw.EnableConnection(conn))
	require.Equal(t, firmware.Success, fw.SetParameter(still, firmware.BoolParameter(firmware.ParamCapture, true)))

	assert.Eventually(t, func() bool {
		col.Lock()
		defer col.Unlock()
		n := len(col.hdrs)
		return n > 0 && col.hdrs[n-1].Flags.Has(firmware.FlagEOS)
	}, 5*time.Second, time.Millisecond)

	col.stop()
	require.Equal(t, firmware.Success, fw.DisablePort(out))
	require.Equal(t, firmware.Success, fw.DestroyConnection(conn))

	col.Lock()
	defer col.Unlock()
	var data []byte
	for _, hdr := range col.hdrs {
		data = append(data, hdr.Data...)
	}
	assert.Equal(t, "\x89PNG", string(data[:4]))

	// Disabling returns the idle buffers empty, after the image.
	eos := -1
	for i, hdr := range col.hdrs {
		if hdr.Flags.Has(firmware.FlagEOS) {
			eos = i
			break
		}
	}
	require.GreaterOrEqual(t, eos, 0)
	assert.True(t, col.hdrs[eos].Flags.Has(firmware.FlagFrameEnd))
	for _, hdr := range col.hdrs[eos+1:] {
		assert.Zero(t, hdr.Length)
		assert.Zero(t, hdr.Flags)
	}
	fw.Close()
}
