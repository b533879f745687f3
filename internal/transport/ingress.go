// Package transport carries the two long-lived socket surfaces of the
// coordination core: the checkpoint ingress (one short-lived connection
// per pushed checkpoint) and the notification egress (one long-lived
// duplex connection per logged-in user). Both run an accept loop with
// one goroutine per connection; no operation in here has a timeout, and
// shutting a listener down stops accepting without forcing in-flight
// connections closed.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/curbgrid/curbgrid/pkg/types"
)

var log = slog.Default()

// CheckpointSink receives deserialized checkpoints from the ingress.
type CheckpointSink interface {
	HandleCheckpoint(cp types.Checkpoint) error
}

// Ingress accepts one connection per pushed checkpoint. Each connection
// carries exactly one serialized checkpoint object; anything else closes
// the connection with no side effects.
type Ingress struct {
	addr string
	sink CheckpointSink

	mu      sync.Mutex
	ln      net.Listener
	stopped bool
	wg      sync.WaitGroup
}

// NewIngress creates the ingress listener for addr.
func NewIngress(addr string, sink CheckpointSink) *Ingress {
	return &Ingress{addr: addr, sink: sink}
}

// Start binds the listener and launches the accept loop.
func (in *Ingress) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ln != nil {
		return errors.New("ingress already started")
	}

	ln, err := net.Listen("tcp", in.addr)
	if err != nil {
		return fmt.Errorf("ingress listen: %w", err)
	}
	in.ln = ln

	in.wg.Add(1)
	go in.acceptLoop(ln)

	log.Info("checkpoint ingress listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, for callers that listened on :0.
func (in *Ingress) Addr() net.Addr {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ln == nil {
		return nil
	}
	return in.ln.Addr()
}

// Shutdown stops accepting new connections. In-flight connections are
// not forced closed; they finish their single read and exit.
func (in *Ingress) Shutdown() {
	in.mu.Lock()
	ln := in.ln
	in.stopped = true
	in.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	in.wg.Wait()
}

func (in *Ingress) acceptLoop(ln net.Listener) {
	defer in.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			in.mu.Lock()
			stopped := in.stopped
			in.mu.Unlock()
			if stopped {
				log.Info("checkpoint ingress stopped")
				return
			}
			log.Warn("ingress accept failed", "error", err)
			return
		}
		in.wg.Add(1)
		go in.handleConn(conn)
	}
}

// handleConn reads exactly one serialized checkpoint and forwards it to
// the sink. An I/O error or a payload that is not a checkpoint closes
// the connection without touching controller state.
func (in *Ingress) handleConn(conn net.Conn) {
	defer in.wg.Done()
	defer conn.Close()

	var cp types.Checkpoint
	if err := json.NewDecoder(conn).Decode(&cp); err != nil {
		log.Warn("ingress: discarding malformed payload",
			"remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if err := in.sink.HandleCheckpoint(cp); err != nil {
		log.Warn("ingress: checkpoint rejected",
			"remote", conn.RemoteAddr().String(), "error", err)
	}
}
