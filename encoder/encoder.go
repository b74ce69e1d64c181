//////////////////////////////////////////////////////////////////////////////
//
// Encoders drain the output ports of a component graph into sinks
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

// Package encoder drains firmware output ports into io.Writer sinks. An
// Encoder owns the host buffer pools of its ports, classifies every buffer
// into frames and reports asynchronous firmware errors at Wait and Stop.
package encoder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanikai/mmal"
	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/internal/logging"
)

var log = logging.DefaultLogger.WithTag("encoder")

const DefaultPollInterval = 100 * time.Millisecond

// Observer is told about every completed frame. It runs on the port's
// dispatcher goroutine and must not block.
type Observer func(f Frame)

// Output is an additional port drained by the same encoder, e.g. a
// thumbnail alongside a full resolution image.
type Output struct {
	Port *mmal.Port
	Sink io.Writer

	// Zero means inferred from the sink's name, falling back to the
	// encoder's variant.
	Variant Variant
}

type Options struct {
	// Zero means inferred from the sink's name.
	Variant Variant
	Sink    io.Writer

	Outputs []Output

	// H.264 settings. Zero leaves the firmware default.
	Bitrate       int
	IntraPeriod   int
	InlineHeaders bool

	// JPEG and MJPEG quality, 1 to 100. Zero leaves the firmware default.
	Quality int

	Observer Observer

	// Warn receives non-fatal problems such as corrupted buffers. By default
	// they are logged.
	Warn func(err error)

	// Receives H.264 motion side information. Setting it turns on inline
	// motion vectors.
	MotionSink io.Writer

	// Override the negotiated buffer count and size of every port.
	BufferCount int
	BufferSize  int

	// How often Wait checks for completion and errors.
	PollInterval time.Duration
}

type state int

const (
	idle state = iota
	armed
	streaming
	stopping
)

func (s state) String() string {
	switch s {
	case idle:
		return "idle"
	case armed:
		return "armed"
	case streaming:
		return "streaming"
	default:
		return "stopping"
	}
}

// Encoder drains one or more output ports. It does not own the components
// or connections it reads from.
type Encoder struct {
	ID uuid.UUID

	log     *logging.Logger
	opts    Options
	outputs []*output

	// Camera ports whose capture parameter gates the outputs.
	capture []*mmal.Port

	mu        sync.Mutex
	state     state
	closed    bool
	err       error
	remaining int
	frame     Frame
}

// New prepares an encoder for port, configuring its format, parameters and
// buffer requirements. Nothing is allocated until Start.
func New(port *mmal.Port, opts Options) (*Encoder, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Quality < 0 || opts.Quality > 100 {
		return nil, mmal.NewConfigurationError("new encoder", "quality %d out of range", opts.Quality)
	}

	e := &Encoder{ID: uuid.New(), opts: opts}
	e.log = log.Sub(e.ID.String()[:8])

	outs := append([]Output{{Port: port, Sink: opts.Sink, Variant: opts.Variant}}, opts.Outputs...)
	for i, o := range outs {
		if i > 0 && o.Variant == 0 {
			if v, err := variantOf(o); err == nil {
				o.Variant = v
			} else {
				o.Variant = e.outputs[0].variant
			}
		}
		out, err := e.newOutput(i, o)
		if err != nil {
			return nil, err
		}
		e.outputs = append(e.outputs, out)
	}

	for _, o := range e.outputs {
		if cam := cameraPort(o.port); cam != nil && cam.Index() != mmal.CameraPreviewPort && !containsPort(e.capture, cam) {
			e.capture = append(e.capture, cam)
		}
	}
	e.log.Debug("created for %v", port)
	return e, nil
}

func variantOf(o Output) (Variant, error) {
	if o.Variant != 0 {
		return o.Variant, nil
	}
	n, ok := o.Sink.(Namer)
	if !ok {
		return 0, mmal.NewConfigurationError("new encoder", "no variant given and the sink has no name")
	}
	v, err := VariantForName(n.Name())
	if err != nil {
		return 0, err
	}
	if v == RawVideo && o.Port != nil && o.Port.Component().Kind() == mmal.Camera && o.Port.Index() == mmal.CameraStillPort {
		v = RawImage
	}
	return v, nil
}

func (e *Encoder) newOutput(i int, o Output) (*output, error) {
	op := fmt.Sprintf("new encoder output %d", i)
	switch {
	case o.Port == nil:
		return nil, mmal.NewConfigurationError(op, "no port")
	case o.Sink == nil:
		return nil, mmal.NewConfigurationError(op, "no sink")
	case o.Port.Type() != firmware.PortOutput:
		return nil, mmal.NewConfigurationError(op, "%v is not an output port", o.Port)
	}
	v, err := variantOf(o)
	if err != nil {
		return nil, err
	}
	t, ok := variantTraits[v]
	if !ok {
		return nil, mmal.NewConfigurationError(op, "unknown variant %v", v)
	}

	p := o.Port
	if t.raw {
		if !p.Committed() || !p.Format().Encoding.IsRaw() {
			return nil, mmal.NewConfigurationError(op, "%v variant needs a committed raw format on %v", v, p)
		}
	} else {
		if kind := p.Component().Kind(); kind != t.kind {
			return nil, mmal.NewConfigurationError(op, "%v variant needs a %s port, %v is %s", v, t.kind, p, kind)
		}
		if err := e.configure(p, v, t); err != nil {
			return nil, err
		}
	}

	if n := e.opts.BufferCount; n > 0 {
		if err := p.SetBufferCount(n); err != nil {
			return nil, err
		}
	}
	if n := e.opts.BufferSize; n > 0 {
		if err := p.SetBufferSize(n); err != nil {
			return nil, err
		}
	}

	out := &output{
		enc:     e,
		primary: i == 0,
		port:    p,
		variant: v,
		framer:  t.framer(),
		shaper:  t.shaper(),
		sink:    o.Sink,
	}
	if i == 0 && v == H264 {
		out.motion = e.opts.MotionSink
	}
	return out, nil
}

// configure commits the variant's encoding on an encoder output and applies
// the encoder options as port parameters.
func (e *Encoder) configure(p *mmal.Port, v Variant, t traits) error {
	f := p.Format()
	if !p.Committed() || f.Encoding != t.encoding || (v == H264 && e.opts.Bitrate > 0 && f.Bitrate != e.opts.Bitrate) {
		if in := p.Component().Input(0); in != nil && in.Committed() {
			f = in.Format()
			f.ExtraData = nil
		}
		f.Encoding = t.encoding
		f.Bitrate = 0
		if v == H264 {
			f.Bitrate = e.opts.Bitrate
		}
		if err := p.SetFormat(f); err != nil {
			return err
		}
		if err := p.Commit(); err != nil {
			return err
		}
	}

	var params []firmware.Parameter
	switch v {
	case H264:
		if e.opts.Bitrate > 0 {
			params = append(params, firmware.IntParameter(firmware.ParamBitrate, e.opts.Bitrate))
		}
		if e.opts.IntraPeriod > 0 {
			params = append(params, firmware.IntParameter(firmware.ParamIntraPeriod, e.opts.IntraPeriod))
		}
		params = append(params,
			firmware.BoolParameter(firmware.ParamInlineHeaders, e.opts.InlineHeaders),
			firmware.BoolParameter(firmware.ParamInlineMotionVectors, e.opts.MotionSink != nil))
	case MJPEG, JPEG:
		if e.opts.Quality > 0 {
			params = append(params, firmware.IntParameter(firmware.ParamJPEGQuality, e.opts.Quality))
		}
	}
	for _, param := range params {
		if err := p.SetParameter(param); err != nil {
			return err
		}
	}
	return nil
}

// cameraPort follows tunnels upstream from p to the camera port feeding it.
func cameraPort(p *mmal.Port) *mmal.Port {
	for p != nil {
		c := p.Component()
		if c.Kind() == mmal.Camera {
			return p
		}
		in := c.Input(0)
		if in == nil {
			return nil
		}
		conn := in.Connection()
		if conn == nil {
			return nil
		}
		p = conn.Source()
	}
	return nil
}

func containsPort(ps []*mmal.Port, p *mmal.Port) bool {
	for _, x := range ps {
		if x == p {
			return true
		}
	}
	return false
}

// Variant of the primary output.
func (e *Encoder) Variant() Variant {
	return e.outputs[0].variant
}

// Start enables the components and tunnels upstream of each output,
// allocates buffer pools, enables the ports and turns capture on. On failure
// everything it did is undone, including what it enabled upstream. A
// successful Start leaves upstream enablement in place after Stop.
func (e *Encoder) Start() error {
	const op = "start encoder"

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return mmal.NewStreamStateError(op, "encoder is closed")
	case e.state != idle:
		s := e.state
		e.mu.Unlock()
		return mmal.NewStreamStateError(op, "encoder is %v", s)
	}
	e.state = armed
	e.err = nil
	e.remaining = len(e.outputs)
	e.frame = Frame{}
	e.mu.Unlock()

	var up upstream
	err := e.arm(&up)
	if err == nil {
		err = e.setCapture(true)
	}
	if err != nil {
		e.setCapture(false)
		for _, o := range e.outputs {
			o.disarm()
		}
		up.undo()
		e.mu.Lock()
		e.state = idle
		e.mu.Unlock()
		e.log.Debug("start failed: %v", err)
		return err
	}

	e.mu.Lock()
	e.state = streaming
	e.mu.Unlock()
	e.log.Debug("streaming %d outputs", len(e.outputs))
	return nil
}

func (e *Encoder) arm(up *upstream) error {
	for _, o := range e.outputs {
		if err := up.enable(o.port); err != nil {
			return err
		}
		if err := o.arm(); err != nil {
			return err
		}
	}
	return nil
}

// upstream records the components and tunnels a Start enabled, so that a
// failed Start can disable them again.
type upstream struct {
	comps []*mmal.Component
	conns []*mmal.Connection
}

// enable enables every component and tunnel between p and its source.
// Streams only flow through enabled components.
func (u *upstream) enable(p *mmal.Port) error {
	for p != nil {
		c := p.Component()
		if !c.Enabled() {
			if err := c.Enable(); err != nil {
				return err
			}
			u.comps = append(u.comps, c)
		}
		in := c.Input(0)
		if in == nil {
			return nil
		}
		conn := in.Connection()
		if conn == nil {
			return nil
		}
		if !conn.Enabled() {
			if err := conn.Enable(); err != nil {
				return err
			}
			u.conns = append(u.conns, conn)
		}
		p = conn.Source()
	}
	return nil
}

// undo disables tunnels before components, newest first.
func (u *upstream) undo() {
	for i := len(u.conns) - 1; i >= 0; i-- {
		if err := u.conns[i].Disable(); err != nil {
			log.Warn("undo enable: %v", err)
		}
	}
	for i := len(u.comps) - 1; i >= 0; i-- {
		if err := u.comps[i].Disable(); err != nil {
			log.Warn("undo enable: %v", err)
		}
	}
	u.comps, u.conns = nil, nil
}

func (e *Encoder) setCapture(on bool) error {
	var first error
	for _, cam := range e.capture {
		if err := cam.SetParameter(firmware.BoolParameter(firmware.ParamCapture, on)); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Wait blocks until every output completed, an asynchronous error was
// recorded or ctx is done. Video outputs never complete on their own, so
// for them the end of ctx is not an error.
func (e *Encoder) Wait(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		e.mu.Lock()
		s, err, remaining := e.state, e.err, e.remaining
		e.mu.Unlock()

		switch {
		case err != nil:
			return err
		case s == idle:
			return mmal.NewStreamStateError("wait for encoder", "encoder is not started")
		case remaining == 0:
			return nil
		}

		select {
		case <-ctx.Done():
			if e.video() {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Encoder) video() bool {
	for _, o := range e.outputs {
		if !o.variant.IsVideo() {
			return false
		}
	}
	return true
}

// Stop turns capture off, disables the ports, releases the pools and
// flushes the sinks. It returns the first error recorded while streaming,
// else the first teardown error.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	if e.state != streaming && e.state != armed {
		s := e.state
		e.mu.Unlock()
		return mmal.NewStreamStateError("stop encoder", "encoder is %v", s)
	}
	e.state = stopping
	e.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(e.setCapture(false))
	for _, o := range e.outputs {
		keep(o.disarm())
		o.abandonSplit()
	}
	var sinks []io.Writer
	for _, o := range e.outputs {
		sinks = append(sinks, o.currentSink(), o.motion)
	}
	keep(flushAll(sinks...))

	e.mu.Lock()
	if e.err != nil {
		first = e.err
	}
	e.state = idle
	e.mu.Unlock()

	e.log.Debug("stopped")
	return first
}

// Close stops the encoder if needed. The encoder cannot be restarted.
func (e *Encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := e.state != idle
	e.mu.Unlock()

	if running {
		return e.Stop()
	}
	return nil
}

// Frame returns the descriptor of the primary output's latest frame, which
// may still be in progress.
func (e *Encoder) Frame() Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

// RequestKeyFrame asks every H.264 output to produce a key frame next.
func (e *Encoder) RequestKeyFrame() error {
	var found bool
	for _, o := range e.outputs {
		if o.variant != H264 {
			continue
		}
		found = true
		if err := o.port.SetParameter(firmware.BoolParameter(firmware.ParamRequestKeyFrame, true)); err != nil {
			return err
		}
	}
	if !found {
		return mmal.NewConfigurationError("request key frame", "no H.264 output")
	}
	return nil
}

// Split switches the primary output to sink at the next configuration
// header. It returns once the switch happened and the old sink was flushed.
func (e *Encoder) Split(ctx context.Context, sink io.Writer) error {
	const op = "split encoder output"
	o := e.outputs[0]
	switch {
	case sink == nil:
		return mmal.NewConfigurationError(op, "no sink")
	case o.variant != H264 || !e.opts.InlineHeaders:
		return mmal.NewConfigurationError(op, "splitting needs H.264 with inline headers")
	}

	e.mu.Lock()
	s := e.state
	e.mu.Unlock()
	if s != streaming {
		return mmal.NewStreamStateError(op, "encoder is %v", s)
	}

	req := &split{sink: sink, done: make(chan struct{})}
	o.mu.Lock()
	if o.split != nil {
		o.mu.Unlock()
		return mmal.NewStreamStateError(op, "split already pending")
	}
	o.split = req
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		if o.split == req {
			o.split = nil
		}
		o.mu.Unlock()
	}
	if err := e.RequestKeyFrame(); err != nil {
		cancel()
		return err
	}

	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// fail records err unless an earlier error was recorded.
func (e *Encoder) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
		e.log.Error("%v", err)
	}
}

func (e *Encoder) warn(err error) {
	if e.opts.Warn != nil {
		e.opts.Warn(err)
		return
	}
	e.log.Warn("%v", err)
}

func (e *Encoder) stopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stopping
}

func (e *Encoder) finished() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remaining > 0 {
		e.remaining--
	}
}

func (e *Encoder) setFrame(f Frame) {
	e.mu.Lock()
	e.frame = f
	e.mu.Unlock()
}

type split struct {
	sink io.Writer
	done chan struct{}
	err  error
}

// output drains one port. Everything except sink and split is touched only
// by the port's dispatcher goroutine while the port is enabled.
type output struct {
	enc     *Encoder
	primary bool
	port    *mmal.Port
	pool    *mmal.Pool
	format  firmware.Format
	variant Variant
	framer  framer
	shaper  shaper
	motion  io.Writer

	done      bool
	cur       Frame
	videoSize int
	splitSize int

	mu    sync.Mutex
	sink  io.Writer
	split *split
}

func (o *output) currentSink() io.Writer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sink
}

// abandonSplit fails a split that never reached a configuration header.
func (o *output) abandonSplit() {
	o.mu.Lock()
	req := o.split
	o.split = nil
	o.mu.Unlock()
	if req != nil {
		req.err = mmal.NewStreamStateError("split encoder output", "encoder stopped before the split")
		close(req.done)
	}
}

func (o *output) arm() error {
	o.done = false
	o.cur = Frame{}
	o.videoSize, o.splitSize = 0, 0
	o.format = o.port.Format()

	pool, err := o.port.CreatePool(0, 0)
	if err != nil {
		return err
	}
	o.pool = pool
	if err := o.port.Enable(o.handle); err != nil {
		return err
	}
	for buf := pool.Get(); buf != nil; buf = pool.Get() {
		if err := o.port.Send(buf); err != nil {
			return errors.Wrapf(err, "prime %v", o.port)
		}
	}
	return nil
}

// disarm disables the port and releases its pool.
func (o *output) disarm() error {
	err := o.port.Disable()
	if o.pool != nil {
		if cerr := o.pool.Close(); err == nil {
			err = cerr
		}
		o.pool = nil
	}
	return err
}

func (o *output) finish() {
	if !o.done {
		o.done = true
		o.enc.finished()
	}
}

func (o *output) handle(p *mmal.Port, buf *mmal.Buffer, err error) {
	e := o.enc
	if o.done {
		if buf != nil {
			buf.Release()
		}
		return
	}
	if err != nil {
		e.fail(err)
		if buf != nil {
			buf.Release()
		}
		o.finish()
		return
	}

	flags := buf.Flags()
	if flags.Has(firmware.FlagCorrupted) {
		e.warn(errors.Errorf("%v: buffer %d is corrupted (%v)", p, buf.Index(), flags))
	}

	final, werr := o.consume(buf)
	if werr != nil {
		e.fail(werr)
		buf.Release()
		o.finish()
		return
	}
	if final {
		buf.Release()
		o.finish()
		return
	}
	if err := p.Send(buf); err != nil && !e.stopping() {
		e.fail(err)
		o.finish()
	}
}

// consume writes the payload of buf to the sink and updates the frame
// descriptor. It reports whether buf was the output's final buffer.
func (o *output) consume(buf *mmal.Buffer) (bool, error) {
	flags := buf.Flags()
	kind := classify(flags)
	starting := o.cur.FrameSize == 0

	var switched *split
	var old io.Writer
	o.mu.Lock()
	if o.split != nil && kind == FrameKindConfig && starting {
		switched, old = o.split, o.sink
		o.split = nil
		o.sink = switched.sink
		o.splitSize = 0
	}
	sink := o.sink
	o.mu.Unlock()
	if switched != nil {
		switched.err = flushAll(old)
		close(switched.done)
		o.enc.log.Debug("split to %v", sinkName(sink))
	}

	w := sink
	if kind == FrameKindMotion {
		w = o.motion
	}
	n := 0
	if data := buf.Bytes(); len(data) > 0 && w != nil {
		var err error
		if n, err = w.Write(o.shaper.shape(o.format, data)); err != nil {
			return false, errors.Wrapf(err, "write to %v", sinkName(w))
		}
	}

	f := &o.cur
	if starting {
		f.Kind = kind
	}
	f.FrameSize += n
	if kind != FrameKindMotion {
		o.videoSize += n
		o.splitSize += n
	}
	f.VideoSize, f.SplitSize = o.videoSize, o.splitSize
	if ts, ok := buf.Timestamp(); ok {
		f.Timestamp, f.HasTimestamp = ts, true
	}
	f.Complete = flags.Has(firmware.FlagFrameEnd) || flags.Has(firmware.FlagEOS)

	if o.primary {
		o.enc.setFrame(*f)
	}
	if f.Complete {
		if obs := o.enc.opts.Observer; obs != nil {
			obs(*f)
		}
		if m, ok := sink.(FrameMarker); ok && kind != FrameKindMotion {
			m.MarkFrame(*f)
		}
		o.cur = Frame{Index: f.Index + 1}
	}
	return o.framer.final(flags), nil
}
