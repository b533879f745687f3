package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/curbgrid/curbgrid/internal/registry"
	"github.com/curbgrid/curbgrid/pkg/types"
)

// Egress accepts one long-lived duplex connection per logged-in user.
// The handler reads a single identity token, registers an outbound
// channel for that user in the registry, and then keeps the connection
// open purely so notifications can be pushed through it. It exits and
// deregisters when either side closes the connection, or silently when
// a reconnection replaces its channel.
type Egress struct {
	addr     string
	registry *registry.Registry

	mu      sync.Mutex
	ln      net.Listener
	stopped bool
	wg      sync.WaitGroup
}

// NewEgress creates the egress listener for addr.
func NewEgress(addr string, reg *registry.Registry) *Egress {
	return &Egress{addr: addr, registry: reg}
}

// Start binds the listener and launches the accept loop.
func (e *Egress) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln != nil {
		return errors.New("egress already started")
	}

	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("egress listen: %w", err)
	}
	e.ln = ln

	e.wg.Add(1)
	go e.acceptLoop(ln)

	log.Info("notification egress listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, for callers that listened on :0.
func (e *Egress) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// Shutdown stops accepting new connections. Connections already pumping
// notifications stay open until their peers disconnect.
func (e *Egress) Shutdown() {
	e.mu.Lock()
	ln := e.ln
	e.stopped = true
	e.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}

func (e *Egress) acceptLoop(ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			stopped := e.stopped
			e.mu.Unlock()
			if stopped {
				log.Info("notification egress stopped")
				return
			}
			log.Warn("egress accept failed", "error", err)
			return
		}
		go e.handleConn(conn)
	}
}

// handleConn runs the registration protocol and then pumps pushed
// notifications to the peer until the connection dies.
func (e *Egress) handleConn(conn net.Conn) {
	defer conn.Close()

	var userID string
	if err := json.NewDecoder(conn).Decode(&userID); err != nil {
		log.Warn("egress: failed to read identity token",
			"remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if userID == "" {
		log.Warn("egress: empty identity token", "remote", conn.RemoteAddr().String())
		return
	}

	user := types.UserID(userID)
	ch := e.registry.RegisterNotificationChannel(user)
	log.Info("notification channel registered", "userID", user,
		"remote", conn.RemoteAddr().String())

	// No further reads are expected on this connection; a background
	// read detects the peer hanging up.
	peerClosed := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				close(peerClosed)
				return
			}
		}
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				// The channel was replaced by a reconnection. Exit
				// without deregistering: the successor owns the table
				// entry now.
				log.Info("notification channel replaced", "userID", user)
				return
			}
			if err := enc.Encode(msg); err != nil {
				log.Warn("egress: push failed, dropping connection",
					"userID", user, "error", err)
				e.registry.DeregisterNotificationChannel(user, ch)
				return
			}
		case <-peerClosed:
			log.Info("notification peer disconnected", "userID", user)
			e.registry.DeregisterNotificationChannel(user, ch)
			return
		}
	}
}
