package mmal

import (
	"fmt"
	"sync"

	"github.com/lanikai/mmal/firmware"
)

// Component is a firmware processing block: a camera, encoder, splitter and
// so on. Its ports are fixed at creation.
type Component struct {
	graph  *Graph
	kind   string
	handle firmware.ComponentHandle

	control *Port
	inputs  []*Port
	outputs []*Port
	clocks  []*Port

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (c *Component) String() string {
	return fmt.Sprintf("%s#%d", c.kind, c.handle)
}

func (c *Component) Kind() string { return c.kind }
func (c *Component) Handle() firmware.ComponentHandle { return c.handle }
func (c *Component) Control() *Port { return c.control }
func (c *Component) Inputs() []*Port { return c.inputs }
func (c *Component) Outputs() []*Port { return c.outputs }

// Input returns input port i, or nil if there is none.
func (c *Component) Input(i int) *Port {
	if i < 0 || i >= len(c.inputs) {
		return nil
	}
	return c.inputs[i]
}

// Output returns output port i, or nil if there is none.
func (c *Component) Output(i int) *Port {
	if i < 0 || i >= len(c.outputs) {
		return nil
	}
	return c.outputs[i]
}

func (c *Component) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Component) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Component) Enable() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return stateErrorf("enable "+c.String(), "component is closed")
	}
	if c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := hardware("enable "+c.String(), c.graph.fw.EnableComponent(c.handle)); err != nil {
		return err
	}

	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

func (c *Component) Disable() error {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.enabled = false
	c.mu.Unlock()

	return hardware("disable "+c.String(), c.graph.fw.DisableComponent(c.handle))
}

// Close tears down the component and removes it from its graph.
func (c *Component) Close() error {
	err := c.close()
	c.graph.removeComponent(c)
	return err
}

func (c *Component) ports() []*Port {
	var all []*Port
	if c.control != nil {
		all = append(all, c.control)
	}
	all = append(all, c.inputs...)
	all = append(all, c.outputs...)
	return append(all, c.clocks...)
}

// close runs the teardown sequence: connections touching the component,
// then enabled ports, pools, the component itself and finally the firmware
// handle. Every step is attempted.
func (c *Component) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	ports := c.ports()
	for _, p := range ports {
		if conn := p.Connection(); conn != nil {
			keep(conn.Close())
		}
	}
	for _, p := range ports {
		if p.Enabled() {
			keep(p.Disable())
		}
		if pool := p.Pool(); pool != nil {
			keep(pool.Close())
		}
	}
	keep(c.Disable())
	keep(hardware("destroy "+c.String(), c.graph.fw.DestroyComponent(c.handle)))

	c.graph.log.Debug("destroyed %v", c)
	return first
}
