//////////////////////////////////////////////////////////////////////////////
//
// Process-wide firmware service
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

// Package mmal is the host-side object layer over the multimedia firmware:
// components and their ports, tunnels between ports, and the buffer pools
// that carry data to and from the host.
//
// Every session begins with Acquire, which connects to the firmware once per
// process, and ends with Release. Components live in a Graph, which tears
// them down in a fixed order when closed.
package mmal

import (
	"sync"

	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/internal/logging"
	"github.com/lanikai/mmal/internal/vcsm"
)

var log = logging.DefaultLogger.WithTag("mmal")

// Service is a reference to the process-wide firmware connection.
type Service struct {
	fw firmware.Firmware

	once sync.Once
}

var service struct {
	sync.Mutex

	fw     firmware.Firmware
	refs   int
	graphs map[*Graph]struct{}
}

// Acquire connects to fw on first use and returns a reference to it. Later
// calls with the same firmware share the connection. Each Service must be
// released.
func Acquire(fw firmware.Firmware) (*Service, error) {
	service.Lock()
	defer service.Unlock()

	if service.refs > 0 {
		if service.fw != fw {
			return nil, stateErrorf("acquire", "a different firmware is already in use")
		}
		service.refs++
		return &Service{fw: fw}, nil
	}

	// Open never delivers callbacks, so holding the service lock is safe.
	if err := hardware("open firmware", fw.Open()); err != nil {
		return nil, err
	}
	vcsm.Acquire()
	service.fw = fw
	service.refs = 1
	service.graphs = make(map[*Graph]struct{})
	log.Debug("firmware service acquired")
	return &Service{fw: fw}, nil
}

// Firmware returns the underlying ABI.
func (s *Service) Firmware() firmware.Firmware {
	return s.fw
}

// NewGraph creates an empty component graph.
func (s *Service) NewGraph() *Graph {
	g := newGraph(s.fw)
	service.Lock()
	if service.graphs != nil {
		service.graphs[g] = struct{}{}
	}
	service.Unlock()
	return g
}

// Release drops this reference. The last release closes any graph still
// open and disconnects from the firmware. Extra calls are ignored.
func (s *Service) Release() error {
	var err error
	s.once.Do(func() {
		service.Lock()
		if service.refs == 0 || service.fw != s.fw {
			service.Unlock()
			return
		}
		service.refs--
		last := service.refs == 0
		service.Unlock()

		if last {
			err = teardown(false)
		}
	})
	return err
}

// Shutdown closes every graph and disconnects from the firmware regardless
// of outstanding references. Intended for a defer in main.
func Shutdown() error {
	service.Lock()
	if service.refs == 0 {
		service.Unlock()
		return nil
	}
	service.refs = 0
	service.Unlock()
	return teardown(true)
}

// teardown closes the graphs and the firmware. force also drops references
// to the shared-memory allocator held outside this package.
func teardown(force bool) error {
	service.Lock()
	graphs := service.graphs
	fw := service.fw
	service.graphs = nil
	service.fw = nil
	service.Unlock()

	var first error
	for g := range graphs {
		if err := g.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := hardware("close firmware", fw.Close()); err != nil && first == nil {
		first = err
	}
	if force {
		vcsm.Shutdown()
	} else {
		vcsm.Release()
	}
	log.Debug("firmware service released")
	return first
}

func forgetGraph(g *Graph) {
	service.Lock()
	delete(service.graphs, g)
	service.Unlock()
}
