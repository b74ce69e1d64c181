package mmal

import (
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"

	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/internal/logging"
)

// Component kinds understood by the firmware.
const (
	Camera       = "camera"
	Splitter     = "splitter"
	VideoEncoder = "video_encode"
	ImageEncoder = "image_encode"
	Resizer      = "resize"
	Renderer     = "video_render"
	NullSink     = "null_sink"
)

// Camera output port indices.
const (
	CameraPreviewPort = 0
	CameraVideoPort   = 1
	CameraStillPort   = 2
)

// Size of the per-graph cache of supported encodings.
const encodingCacheSize = 64

// Graph owns a set of components and the connections between them. Closing
// the graph tears everything down: connections first, then ports, pools, and
// finally the components themselves.
type Graph struct {
	ID uuid.UUID

	fw  firmware.Firmware
	log *logging.Logger

	mu         sync.Mutex
	components []*Component
	closed     bool

	// lru.Cache is not safe for concurrent use.
	encMu     sync.Mutex
	encodings *lru.Cache
}

type encodingKey struct {
	kind  string
	ptype firmware.PortType
	index int
}

func newGraph(fw firmware.Firmware) *Graph {
	id := uuid.New()
	return &Graph{
		ID:        id,
		fw:        fw,
		log:       log.Sub(id.String()[:8]),
		encodings: lru.New(encodingCacheSize),
	}
}

// NewComponent creates a component of the given kind with all of its ports.
func (g *Graph) NewComponent(kind string) (*Component, error) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, stateErrorf("create "+kind, "graph is closed")
	}

	h, infos, st := g.fw.CreateComponent(kind)
	if err := hardware("create "+kind, st); err != nil {
		return nil, err
	}

	c := &Component{graph: g, kind: kind, handle: h}
	for _, info := range infos {
		p := newPort(c, info)
		switch info.Ref.Type {
		case firmware.PortControl:
			c.control = p
		case firmware.PortInput:
			c.inputs = append(c.inputs, p)
		case firmware.PortOutput:
			c.outputs = append(c.outputs, p)
		case firmware.PortClock:
			c.clocks = append(c.clocks, p)
		}
	}

	g.mu.Lock()
	g.components = append(g.components, c)
	g.mu.Unlock()

	g.log.Debug("created %v with %d inputs, %d outputs", c, len(c.inputs), len(c.outputs))
	return c, nil
}

// Components returns the live components in creation order.
func (g *Graph) Components() []*Component {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Component(nil), g.components...)
}

// Close destroys every component in reverse creation order. The first error
// is returned; teardown continues past failures.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	comps := g.components
	g.components = nil
	g.mu.Unlock()

	var first error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := comps[i].close(); err != nil {
			g.log.Warn("teardown of %v: %v", comps[i], err)
			if first == nil {
				first = err
			}
		}
	}
	forgetGraph(g)
	return first
}

func (g *Graph) removeComponent(c *Component) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, x := range g.components {
		if x == c {
			g.components = append(g.components[:i], g.components[i+1:]...)
			return
		}
	}
}

// supportedEncodings queries the firmware once per (kind, port) and caches
// the answer. Port capabilities do not depend on the component instance.
func (g *Graph) supportedEncodings(p *Port) ([]firmware.FourCC, error) {
	key := encodingKey{p.comp.kind, p.ref.Type, p.ref.Index}

	g.encMu.Lock()
	v, ok := g.encodings.Get(key)
	g.encMu.Unlock()
	if ok {
		return v.([]firmware.FourCC), nil
	}

	list, st := g.fw.SupportedEncodings(p.ref)
	if err := hardware(fmt.Sprintf("query encodings of %v", p), st); err != nil {
		return nil, err
	}

	g.encMu.Lock()
	g.encodings.Add(key, list)
	g.encMu.Unlock()
	return list, nil
}
