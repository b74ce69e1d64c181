package encoder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/mmal"
	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/firmware/vcsim"
	"github.com/lanikai/mmal/internal/media/h264"
)

// memSink is a thread-safe in-memory sink.
type memSink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memSink) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *memSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *memSink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

type frameLog struct {
	mu     sync.Mutex
	frames []Frame
}

func (l *frameLog) observe(f Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

func (l *frameLog) get() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Frame(nil), l.frames...)
}

func (l *frameLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func newTestGraph(t *testing.T) (*vcsim.Firmware, *mmal.Graph) {
	return newPacedGraph(t, time.Millisecond)
}

func newPacedGraph(t *testing.T, interval time.Duration) (*vcsim.Firmware, *mmal.Graph) {
	fw := vcsim.New(vcsim.Config{FrameInterval: interval})
	svc, err := mmal.Acquire(fw)
	require.NoError(t, err)
	g := svc.NewGraph()
	t.Cleanup(func() {
		assert.NoError(t, g.Close())
		assert.NoError(t, svc.Release())
	})
	return fw, g
}

func newComponent(t *testing.T, g *mmal.Graph, kind string) *mmal.Component {
	c, err := g.NewComponent(kind)
	require.NoError(t, err)
	return c
}

func commitRaw(t *testing.T, p *mmal.Port, width, height int) {
	f := p.Format()
	f.Encoding = firmware.EncodingI420
	f.Width, f.Height = width, height
	f.CropWidth, f.CropHeight = width, height
	require.NoError(t, p.SetFormat(f))
	require.NoError(t, p.Commit())
}

// encoderChain tunnels camera port index into a new component of the given
// kind and returns that component's output.
func encoderChain(t *testing.T, g *mmal.Graph, index int, kind string) *mmal.Port {
	cam := newComponent(t, g, mmal.Camera)
	src := cam.Output(index)
	commitRaw(t, src, 320, 240)
	enc := newComponent(t, g, kind)
	_, err := src.Connect(enc.Input(0))
	require.NoError(t, err)
	return enc.Output(0)
}

func await(t *testing.T, cond func() bool) {
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func TestStopBeforeStart(t *testing.T) {
	_, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)

	e, err := New(out, Options{Variant: H264, Sink: new(memSink)})
	require.NoError(t, err)

	var serr *mmal.StreamStateError
	assert.True(t, errors.As(e.Stop(), &serr))
	assert.True(t, errors.As(e.Wait(context.Background()), &serr))
}

func TestVariantMismatch(t *testing.T) {
	_, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)

	var cerr *mmal.ConfigurationError
	_, err := New(out, Options{Variant: PNG, Sink: new(memSink)})
	assert.True(t, errors.As(err, &cerr), "got %v", err)

	// Neither a variant nor a named sink.
	_, err = New(out, Options{Sink: new(memSink)})
	assert.True(t, errors.As(err, &cerr), "got %v", err)
}

func TestH264ByteCount(t *testing.T) {
	fw, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)

	// Larger than one 64 KiB buffer.
	const frameSize = 100 << 10
	fw.SetFrameSize(frameSize)

	sink := new(memSink)
	var frames frameLog
	e, err := New(out, Options{
		Variant:       H264,
		Sink:          sink,
		IntraPeriod:   5,
		InlineHeaders: true,
		Observer:      frames.observe,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	await(t, func() bool { return frames.count() >= 12 })
	require.NoError(t, e.Stop())

	got := frames.get()
	require.NotEmpty(t, got)
	assert.Equal(t, FrameKindConfig, got[0].Kind)
	assert.Equal(t, FrameKindKey, got[1].Kind)

	total := 0
	for i, f := range got {
		assert.Equal(t, i, f.Index)
		assert.True(t, f.Complete)
		total += f.FrameSize
		assert.Equal(t, total, f.VideoSize)
		assert.Equal(t, f.VideoSize-f.FrameSize, f.Position())
		if f.Kind != FrameKindConfig {
			assert.Equal(t, frameSize, f.FrameSize, "frame %d", i)
		}
	}

	// A frame may have been cut short by Stop.
	if last := e.Frame(); !last.Complete {
		total += last.FrameSize
	}
	data := sink.Bytes()
	assert.Equal(t, total, len(data))
	assert.Equal(t, 1, sink.Flushes())

	cfg, err := h264.ParseConfig(data)
	require.NoError(t, err)
	assert.EqualValues(t, 320, cfg.Width)
	assert.EqualValues(t, 240, cfg.Height)
}

func TestCallbackFailure(t *testing.T) {
	fw, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)
	fw.SetFrameSize(1000)
	fw.FailCallback(out.Ref(), 5, firmware.EIO)

	sink := new(memSink)
	var frames frameLog
	e, err := New(out, Options{Variant: H264, Sink: sink, Observer: frames.observe})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = e.Wait(ctx)
	var herr *mmal.HardwareError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Equal(t, firmware.EIO, herr.Status)

	// Buffers 1 to 4 made it to the sink before the failure.
	got := frames.get()
	require.Len(t, got, 4)
	total := 0
	for _, f := range got {
		total += f.FrameSize
	}
	assert.Equal(t, total, len(sink.Bytes()))

	assert.True(t, errors.As(e.Stop(), &herr))
	assert.Equal(t, total, len(sink.Bytes()))
}

func TestStartFailureUnwinds(t *testing.T) {
	fw, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)

	e, err := New(out, Options{Variant: H264, Sink: new(memSink)})
	require.NoError(t, err)

	fw.FailCall("EnablePort", firmware.EIO)
	var herr *mmal.HardwareError
	require.True(t, errors.As(e.Start(), &herr))
	assert.False(t, out.Enabled())
	assert.Nil(t, out.Pool())

	// What Start enabled upstream is disabled again.
	conn := out.Component().Input(0).Connection()
	require.NotNil(t, conn)
	assert.False(t, conn.Enabled())
	assert.False(t, out.Component().Enabled())
	assert.False(t, conn.Source().Component().Enabled())

	var serr *mmal.StreamStateError
	assert.True(t, errors.As(e.Stop(), &serr))

	// Nothing was left half armed.
	require.NoError(t, e.Start())
	assert.True(t, out.Enabled())
	require.NoError(t, e.Stop())
	assert.Nil(t, out.Pool())
	assert.True(t, conn.Enabled(), "a successful start leaves the tunnel enabled")
}

func TestStartFailureKeepsPriorEnables(t *testing.T) {
	fw, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)
	conn := out.Component().Input(0).Connection()
	cam := conn.Source().Component()
	require.NoError(t, cam.Enable())

	e, err := New(out, Options{Variant: H264, Sink: new(memSink)})
	require.NoError(t, err)

	fw.FailCall("EnablePort", firmware.EIO)
	require.Error(t, e.Start())
	assert.True(t, cam.Enabled(), "enabled before Start, so left alone")
	assert.False(t, conn.Enabled())
	assert.False(t, out.Component().Enabled())
}

func TestCorruptedBufferWarns(t *testing.T) {
	fw, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)
	fw.SetFrameSize(1000)
	fw.CorruptBuffer(out.Ref(), 3)

	var mu sync.Mutex
	var warnings []error
	var frames frameLog
	sink := new(memSink)
	e, err := New(out, Options{
		Variant:  MJPEG,
		Sink:     sink,
		Observer: frames.observe,
		Warn: func(err error) {
			mu.Lock()
			warnings = append(warnings, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	await(t, func() bool { return frames.count() >= 5 })
	require.NoError(t, e.Stop())

	mu.Lock()
	assert.Len(t, warnings, 1)
	mu.Unlock()

	// Every frame is a complete JPEG, the corrupted one included.
	data := sink.Bytes()
	for _, f := range frames.get() {
		jpeg := data[f.Position() : f.Position()+f.FrameSize]
		assert.Equal(t, []byte{0xff, 0xd8}, jpeg[:2])
		assert.Equal(t, FrameKindKey, f.Kind)
	}
}

func TestStillCapture(t *testing.T) {
	_, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraStillPort, mmal.ImageEncoder)

	path := filepath.Join(t.TempDir(), "still.jpg")
	sink, err := OpenFile(path)
	require.NoError(t, err)
	defer sink.Close()

	e, err := New(out, Options{Sink: sink, Quality: 90})
	require.NoError(t, err)
	assert.Equal(t, JPEG, e.Variant())
	require.NoError(t, e.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	require.NoError(t, e.Stop())

	f := e.Frame()
	assert.True(t, f.Complete)
	assert.Equal(t, 0, f.Index)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, f.FrameSize)
	assert.Equal(t, []byte{0xff, 0xd8}, data[:2])
	assert.Equal(t, []byte{0xff, 0xd9}, data[len(data)-2:])
}

func TestMultiOutput(t *testing.T) {
	_, g := newTestGraph(t)

	cam := newComponent(t, g, mmal.Camera)
	still := cam.Output(mmal.CameraStillPort)
	commitRaw(t, still, 320, 240)

	split := newComponent(t, g, mmal.Splitter)
	_, err := still.Connect(split.Input(0))
	require.NoError(t, err)
	commitRaw(t, split.Output(0), 320, 240)
	commitRaw(t, split.Output(1), 320, 240)

	full := newComponent(t, g, mmal.ImageEncoder)
	_, err = split.Output(0).Connect(full.Input(0))
	require.NoError(t, err)

	resize := newComponent(t, g, mmal.Resizer)
	_, err = split.Output(1).Connect(resize.Input(0))
	require.NoError(t, err)
	commitRaw(t, resize.Output(0), 160, 128)
	thumb := newComponent(t, g, mmal.ImageEncoder)
	_, err = resize.Output(0).Connect(thumb.Input(0))
	require.NoError(t, err)

	fullSink, thumbSink := new(memSink), new(memSink)
	e, err := New(full.Output(0), Options{
		Variant: PNG,
		Sink:    fullSink,
		Outputs: []Output{{Port: thumb.Output(0), Sink: thumbSink, Variant: JPEG}},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	require.NoError(t, e.Stop())

	assert.True(t, bytes.HasPrefix(fullSink.Bytes(), []byte("\x89PNG\r\n\x1a\n")))
	assert.True(t, bytes.HasPrefix(thumbSink.Bytes(), []byte{0xff, 0xd8}))
	assert.Equal(t, 1, fullSink.Flushes())
	assert.Equal(t, 1, thumbSink.Flushes())
}

func TestRawVideoCrop(t *testing.T) {
	_, g := newTestGraph(t)
	video := newComponent(t, g, mmal.Camera).Output(mmal.CameraVideoPort)
	commitRaw(t, video, 100, 50)
	require.Equal(t, 128, video.Format().Width)

	var frames frameLog
	e, err := New(video, Options{Variant: RawVideo, Sink: new(memSink), Observer: frames.observe})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	await(t, func() bool { return frames.count() >= 3 })
	require.NoError(t, e.Stop())

	for _, f := range frames.get() {
		assert.Equal(t, 100*50+2*50*25, f.FrameSize)
	}
}

func TestSplit(t *testing.T) {
	fw, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)
	fw.SetFrameSize(1000)

	first, second := new(memSink), new(memSink)
	var frames frameLog
	e, err := New(out, Options{
		Variant:       H264,
		Sink:          first,
		IntraPeriod:   1000,
		InlineHeaders: true,
		Observer:      frames.observe,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	await(t, func() bool { return frames.count() >= 4 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Split(ctx, second))
	assert.Equal(t, 1, first.Flushes())

	await(t, func() bool { return len(second.Bytes()) > 0 && e.Frame().SplitSize > 2000 })
	require.NoError(t, e.Stop())

	data := second.Bytes()
	nalus := h264.Split(data)
	require.NotEmpty(t, nalus)
	assert.Equal(t, byte(h264.TypeSPS), nalus[0].Type())
	_, err = h264.ParseConfig(data)
	assert.NoError(t, err)

	assert.Equal(t, 1, first.Flushes())
	assert.Equal(t, 1, second.Flushes())
}

func TestStopAbandonsSplit(t *testing.T) {
	// One frame, then nothing for the rest of the test.
	fw, g := newPacedGraph(t, time.Hour)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)
	fw.SetFrameSize(1000)

	var frames frameLog
	e, err := New(out, Options{
		Variant:       H264,
		Sink:          new(memSink),
		InlineHeaders: true,
		Observer:      frames.observe,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	await(t, func() bool { return frames.count() >= 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- e.Split(ctx, new(memSink)) }()
	await(t, func() bool {
		o := e.outputs[0]
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.split != nil
	})

	require.NoError(t, e.Stop())
	select {
	case err := <-result:
		var serr *mmal.StreamStateError
		assert.True(t, errors.As(err, &serr), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("split still waiting after stop")
	}
}

func TestSplitNeedsInlineHeaders(t *testing.T) {
	_, g := newTestGraph(t)
	out := encoderChain(t, g, mmal.CameraVideoPort, mmal.VideoEncoder)

	e, err := New(out, Options{Variant: H264, Sink: new(memSink)})
	require.NoError(t, err)
	var cerr *mmal.ConfigurationError
	assert.True(t, errors.As(e.Split(context.Background(), new(memSink)), &cerr))
}
